package session

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityKind distinguishes sessions born offline (client-generated id,
// not yet known to the server) from server-assigned ones.
type IdentityKind int

const (
	Local IdentityKind = iota
	Remote
)

const localPrefix = "local-"

type Identity struct {
	Kind IdentityKind
	ID   string
}

func NewLocalIdentity() Identity {
	return Identity{Kind: Local, ID: localPrefix + uuid.NewString()}
}

func RemoteIdentity(id string) Identity {
	return Identity{Kind: Remote, ID: id}
}

// ParseIdentity classifies a wire id. Offline-born ids keep their prefix
// until the server promotes them, so classification is prefix-based.
func ParseIdentity(id string) Identity {
	if strings.HasPrefix(id, localPrefix) {
		return Identity{Kind: Local, ID: id}
	}
	return Identity{Kind: Remote, ID: id}
}

func (i Identity) IsLocal() bool { return i.Kind == Local }
