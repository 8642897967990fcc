package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"wasteland-tarot/internal/models"
)

// API is the contract the store persists through. The HTTP client below is
// the production implementation; tests inject fakes.
type API interface {
	CreateSession(ctx context.Context, req models.SessionCreateRequest) (*models.ReadingSession, error)
	GetSession(ctx context.Context, id string) (*models.ReadingSession, error)
	UpdateSession(ctx context.Context, id string, req models.SessionUpdateRequest) (*models.ReadingSession, error)
	DeleteSession(ctx context.Context, id string) error
	CompleteSession(ctx context.Context, id string) (*models.SessionCompletionResult, error)
	ListIncomplete(ctx context.Context, limit, offset int) (*models.SessionListResponse, error)
	SyncSession(ctx context.Context, req models.OfflineSessionSync) (*models.SyncResponse, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken swaps the bearer token after a refresh.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) CreateSession(ctx context.Context, req models.SessionCreateRequest) (*models.ReadingSession, error) {
	var s models.ReadingSession
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.ReadingSession, error) {
	var s models.ReadingSession
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+id, nil, &s)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (c *Client) UpdateSession(ctx context.Context, id string, req models.SessionUpdateRequest) (*models.ReadingSession, error) {
	var s models.ReadingSession
	if err := c.do(ctx, http.MethodPatch, "/api/v1/sessions/"+id, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+id, nil, nil)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		// Delete is idempotent: an already-absent id is not an error.
		return nil
	}
	return err
}

func (c *Client) CompleteSession(ctx context.Context, id string) (*models.SessionCompletionResult, error) {
	var result models.SessionCompletionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+id+"/complete", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListIncomplete(ctx context.Context, limit, offset int) (*models.SessionListResponse, error) {
	var list models.SessionListResponse
	path := fmt.Sprintf("/api/v1/sessions?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) SyncSession(ctx context.Context, req models.OfflineSessionSync) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Message: "session API request timed out"}
		}
		return &NetworkError{Message: "session API unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return c.decodeError(resp)
}

// conflictErrorBody is the 409 payload shape: the standard error envelope
// plus per-field conflict details when the code is CONFLICT.
type conflictErrorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
	Conflicts []models.ConflictInfo `json:"conflicts"`
}

func (c *Client) decodeError(resp *http.Response) error {
	var body conflictErrorBody
	json.NewDecoder(resp.Body).Decode(&body)

	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &ValidationError{Fields: body.Error.Fields}
	case http.StatusNotFound:
		return &NotFoundError{Message: msg}
	case http.StatusConflict:
		if body.Error.Code == "INVALID_STATE" {
			return &InvalidStateError{Message: msg}
		}
		return &ConflictError{Message: msg, Conflicts: body.Conflicts}
	case http.StatusUnprocessableEntity:
		return &InvalidStateError{Message: msg}
	case http.StatusGatewayTimeout:
		return &TimeoutError{Message: msg}
	default:
		return &NetworkError{Message: fmt.Sprintf("session API error (%d): %s", resp.StatusCode, msg)}
	}
}
