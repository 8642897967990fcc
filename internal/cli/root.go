// Package cli implements the vaultsync CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wasteland-tarot/internal/session"
)

var (
	apiURL string
	token  string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "vaultsync",
	Short: "Offline session sync for Wasteland Tarot",
	Long:  "A terminal companion for Wasteland Tarot. Lists, resumes, and completes reading sessions, and pushes offline edits back to the server.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&apiURL, "api", "a", "", "API base URL (default: $VAULTSYNC_API or http://localhost:8080)")
	RootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "Bearer token (default: $VAULTSYNC_TOKEN)")
}

func getAPIURL() string {
	if apiURL != "" {
		return apiURL
	}
	if env := os.Getenv("VAULTSYNC_API"); env != "" {
		return env
	}
	return "http://localhost:8080"
}

func getToken() string {
	if token != "" {
		return token
	}
	return os.Getenv("VAULTSYNC_TOKEN")
}

func newClient() *session.Client {
	return session.NewClient(getAPIURL(), getToken())
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
