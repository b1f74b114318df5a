package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbridge/internal/auth"
	"patchbridge/internal/backend"
	"patchbridge/internal/diffutil"
	"patchbridge/internal/job"
	"patchbridge/internal/logging"
	"patchbridge/internal/pipeline"
	"patchbridge/internal/sandbox"
	"patchbridge/internal/session"
)

func TestMain(m *testing.M) {
	logging.Disable()
	os.Exit(m.Run())
}

type harness struct {
	ts       *httptest.Server
	client   *Client
	sessions *session.Store
	token    *auth.Token
	ws       string
}

// newHarness stands up the full stack behind an httptest server, with a
// backend that always replies with reply.
func newHarness(t *testing.T, reply string) *harness {
	t.Helper()

	sessions, err := session.NewStore(filepath.Join(t.TempDir(), "state.db"), time.Hour, 20)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	sbCfg := sandbox.DefaultConfig()
	sbCfg.Root = t.TempDir()
	engine := sandbox.NewEngine(sbCfg)
	t.Cleanup(engine.Close)

	gen := backend.NewGenerator(&backend.StaticClient{Response: reply})
	pipe := pipeline.New(sessions, engine, gen, time.Minute)

	sched := job.NewScheduler(2, pipe.HandleJob)
	t.Cleanup(sched.Close)

	token, err := auth.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(sessions, sched, pipe, token, Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		ts:       ts,
		client:   NewClient(ts.URL, token.Value()),
		sessions: sessions,
		token:    token,
		ws:       t.TempDir(),
	}
}

func (h *harness) writeWorkspace(t *testing.T, rel, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, rel), []byte(content), 0o644))
}

const (
	oldGreet = "func greet() string {\n\treturn \"hi\"\n}\n"
	newGreet = "func greet() string {\n\treturn \"hello\"\n}\n"
)

func diffReply(path, oldText, newText string) string {
	return "```diff\n" + diffutil.Generate(path, oldText, newText) + "```"
}

func TestHealthUnauthenticated(t *testing.T) {
	h := newHarness(t, "")

	for _, path := range []string{"/health", "/v1/health"} {
		resp, err := http.Get(h.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	h := newHarness(t, "")

	bad := NewClient(h.ts.URL, "not-the-token")
	err := bad.StartSession(context.Background(), h.ws, "ed", session.Preferences{})
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusUnauthorized, api.StatusCode)
	assert.Equal(t, KindUnauthorized, api.Kind)

	// Missing Authorization header entirely.
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/v1/session/start", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFullRequestApplyScenario(t *testing.T) {
	h := newHarness(t, diffReply("greet.go", oldGreet, newGreet))
	h.writeWorkspace(t, "greet.go", oldGreet)
	ctx := context.Background()

	require.NoError(t, h.client.StartSession(ctx, h.ws, "editor-test", session.Preferences{}))
	require.NoError(t, h.client.PushContext(ctx, session.Context{
		ActiveFile: "greet.go",
		Buffers:    map[string]session.Buffer{"greet.go": {Content: oldGreet}},
	}))
	require.NoError(t, h.client.PushDiagnostics(ctx, []session.Diagnostic{
		{File: "greet.go", Line: 2, Severity: "warning", Message: "stub greeting"},
	}))

	jobID, err := h.client.Submit(ctx, "make the greeting friendlier", backend.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	view, err := h.client.WaitJob(waitCtx, jobID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, view.Status)
	assert.Empty(t, view.Error)

	status, err := h.client.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.PendingPatch)
	assert.Equal(t, pipeline.StateVerified, status.PendingPatch.State)
	assert.Contains(t, status.ConfirmationPhrase, status.PendingPatch.ID)

	// Workspace untouched until apply.
	data, err := os.ReadFile(filepath.Join(h.ws, "greet.go"))
	require.NoError(t, err)
	assert.Equal(t, oldGreet, string(data))

	decision, err := h.client.Apply(ctx, status.ConfirmationPhrase)
	require.NoError(t, err)
	assert.True(t, decision.Applied)

	data, err = os.ReadFile(filepath.Join(h.ws, "greet.go"))
	require.NoError(t, err)
	assert.Equal(t, newGreet, string(data))

	status, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.PendingPatch)
}

func TestApplyRejectionIsNotATransportError(t *testing.T) {
	h := newHarness(t, diffReply("greet.go", oldGreet, newGreet))
	h.writeWorkspace(t, "greet.go", oldGreet)
	ctx := context.Background()

	require.NoError(t, h.client.StartSession(ctx, h.ws, "ed", session.Preferences{}))
	jobID, err := h.client.Submit(ctx, "change it", backend.Options{})
	require.NoError(t, err)
	_, err = h.client.WaitJob(ctx, jobID, 10*time.Millisecond)
	require.NoError(t, err)

	decision, err := h.client.Apply(ctx, "nope")
	require.NoError(t, err, "a refused apply is a 200 with applied=false")
	assert.False(t, decision.Applied)
	assert.Equal(t, "confirmation_mismatch", decision.Reason)
}

func TestPendingPatchBlocksSecondRequest(t *testing.T) {
	h := newHarness(t, diffReply("greet.go", oldGreet, newGreet))
	h.writeWorkspace(t, "greet.go", oldGreet)
	ctx := context.Background()

	require.NoError(t, h.client.StartSession(ctx, h.ws, "ed", session.Preferences{}))
	jobID, err := h.client.Submit(ctx, "first", backend.Options{})
	require.NoError(t, err)
	_, err = h.client.WaitJob(ctx, jobID, 10*time.Millisecond)
	require.NoError(t, err)

	status, err := h.client.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.PendingPatch)

	_, err = h.client.Submit(ctx, "second", backend.Options{})
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusConflict, api.StatusCode)
	assert.Equal(t, KindPendingPatchExists, api.Kind)
	assert.Equal(t, status.PendingPatch.ID, api.PatchID)

	// Discard unblocks the next request.
	require.NoError(t, h.client.Discard(ctx))
	_, err = h.client.Submit(ctx, "third", backend.Options{})
	assert.NoError(t, err)
}

func TestErrorKindsAreDistinguishable(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	var api *APIError

	// Unknown session vs unknown job use distinct kinds.
	stray := NewClient(h.ts.URL, h.token.Value())
	err := stray.do(ctx, http.MethodGet, "/v1/session/ghost/status", nil, nil)
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusNotFound, api.StatusCode)
	assert.Equal(t, KindSessionNotFound, api.Kind)

	err = stray.do(ctx, http.MethodGet, "/v1/job/ghost", nil, nil)
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusNotFound, api.StatusCode)
	assert.Equal(t, KindJobNotFound, api.Kind)

	// A workspace root that does not exist.
	err = h.client.StartSession(ctx, filepath.Join(h.ws, "missing"), "ed", session.Preferences{})
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusBadRequest, api.StatusCode)
	assert.Equal(t, KindInvalidWorkspace, api.Kind)

	// Blank prompt.
	require.NoError(t, h.client.StartSession(ctx, h.ws, "ed", session.Preferences{}))
	_, err = h.client.Submit(ctx, "   ", backend.Options{})
	require.ErrorAs(t, err, &api)
	assert.Equal(t, http.StatusBadRequest, api.StatusCode)
	assert.Equal(t, KindBadRequest, api.Kind)
}

func TestUnknownJSONFieldsIgnored(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.client.StartSession(ctx, h.ws, "ed", session.Preferences{}))

	body := map[string]interface{}{
		"active_file":      "a.go",
		"future_extension": map[string]int{"x": 1},
	}
	err := h.client.do(ctx, http.MethodPost, "/v1/session/"+h.client.SessionID()+"/context", body, nil)
	assert.NoError(t, err)
}

func TestClientRecreatesExpiredSessionOnce(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.client.StartSession(ctx, h.ws, "ed", session.Preferences{}))
	first := h.client.SessionID()
	require.NotEmpty(t, first)

	// Kill the session server-side; the next call transparently
	// recreates it against the same workspace and retries.
	h.sessions.Remove(first)
	err := h.client.PushDiagnostics(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, h.client.SessionID())

	// But only once: if recreation itself cannot help (workspace
	// deleted), the error surfaces instead of looping.
	h.sessions.Remove(h.client.SessionID())
	require.NoError(t, os.RemoveAll(h.ws))
	err = h.client.PushDiagnostics(ctx, nil)
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindInvalidWorkspace, api.Kind)
}

func TestTokenHint(t *testing.T) {
	h := newHarness(t, "")
	var out struct {
		Hint string `json:"hint"`
	}
	require.NoError(t, h.client.do(context.Background(), http.MethodGet, "/v1/token/hint", nil, &out))
	assert.Equal(t, h.token.Hint(), out.Hint)
	assert.Len(t, out.Hint, 4)
}
