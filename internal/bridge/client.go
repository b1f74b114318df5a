package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"patchbridge/internal/backend"
	"patchbridge/internal/job"
	"patchbridge/internal/pipeline"
	"patchbridge/internal/session"
)

// APIError is a structured error response from the bridge.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	PatchID    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// IsSessionNotFound reports whether err is the recoverable
// session-expiry error.
func IsSessionNotFound(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Kind == KindSessionNotFound
}

// Client is the editor-side caller. It owns one session and hides the
// recreate-and-retry rule: when the bridge reports session_not_found,
// the client recreates the session against the same workspace root and
// retries the failed call exactly once.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	mu            sync.Mutex
	sessionID     string
	workspaceRoot string
	clientKind    string
	prefs         session.Preferences
}

// NewClient creates a client for a running bridge.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Health probes the bridge without authentication.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("bridge reported not ok")
	}
	return nil
}

// StartSession binds the client to a workspace.
func (c *Client) StartSession(ctx context.Context, workspaceRoot, clientKind string, prefs session.Preferences) error {
	c.mu.Lock()
	c.workspaceRoot = workspaceRoot
	c.clientKind = clientKind
	c.prefs = prefs
	c.mu.Unlock()
	return c.recreateSession(ctx)
}

func (c *Client) recreateSession(ctx context.Context) error {
	c.mu.Lock()
	req := startRequest{WorkspaceRoot: c.workspaceRoot, Client: c.clientKind, Preferences: c.prefs}
	c.mu.Unlock()

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/session/start", req, &out); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = out.SessionID
	c.mu.Unlock()
	return nil
}

// SessionID returns the client's current session id, empty before
// StartSession.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// withSession runs fn against the current session id, applying the
// single recreate-and-retry. Never loops.
func (c *Client) withSession(ctx context.Context, fn func(sessionID string) error) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return fmt.Errorf("no session; call StartSession first")
	}

	err := fn(id)
	if err == nil || !IsSessionNotFound(err) {
		return err
	}

	if rerr := c.recreateSession(ctx); rerr != nil {
		return rerr
	}
	c.mu.Lock()
	id = c.sessionID
	c.mu.Unlock()
	return fn(id)
}

// PushContext replaces the session's editor context.
func (c *Client) PushContext(ctx context.Context, sc session.Context) error {
	return c.withSession(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/v1/session/"+id+"/context", sc, nil)
	})
}

// PushDiagnostics replaces the session's diagnostics.
func (c *Client) PushDiagnostics(ctx context.Context, diags []session.Diagnostic) error {
	return c.withSession(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/v1/session/"+id+"/diagnostics", diagnosticsRequest{Diagnostics: diags}, nil)
	})
}

// Submit sends a prompt and returns the job id.
func (c *Client) Submit(ctx context.Context, prompt string, opts backend.Options) (string, error) {
	var jobID string
	err := c.withSession(ctx, func(id string) error {
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/session/"+id+"/request", submitRequest{Prompt: prompt, Options: opts}, &out); err != nil {
			return err
		}
		jobID = out.JobID
		return nil
	})
	return jobID, err
}

// JobView is the poll response.
type JobView struct {
	JobID  string          `json:"job_id"`
	Status job.Status      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PollJob fetches a job's current state.
func (c *Client) PollJob(ctx context.Context, jobID string) (JobView, error) {
	var out JobView
	err := c.do(ctx, http.MethodGet, "/v1/job/"+jobID, nil, &out)
	return out, err
}

// WaitJob polls until the job is terminal or ctx expires.
func (c *Client) WaitJob(ctx context.Context, jobID string, interval time.Duration) (JobView, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.PollJob(ctx, jobID)
		if err != nil {
			return view, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StatusView is the session status response.
type StatusView struct {
	PendingPatch       *pipeline.PendingPatch `json:"pending_patch"`
	ConfirmationPhrase string                 `json:"confirmation_phrase,omitempty"`
}

// Status fetches the session's pending patch, if any.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var out StatusView
	err := c.withSession(ctx, func(id string) error {
		return c.do(ctx, http.MethodGet, "/v1/session/"+id+"/status", nil, &out)
	})
	return out, err
}

// Apply sends the confirmation phrase for the pending patch.
func (c *Client) Apply(ctx context.Context, confirm string) (pipeline.ApplyDecision, error) {
	var out pipeline.ApplyDecision
	err := c.withSession(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/v1/session/"+id+"/apply", applyRequest{Confirm: confirm}, &out)
	})
	return out, err
}

// Discard drops the pending patch.
func (c *Client) Discard(ctx context.Context) error {
	return c.withSession(ctx, func(id string) error {
		return c.do(ctx, http.MethodPost, "/v1/session/"+id+"/discard", struct{}{}, nil)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Kind != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Kind:       eb.Error.Kind,
				Message:    eb.Error.Message,
				PatchID:    eb.Error.PatchID,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: KindInternal, Message: string(data)}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
