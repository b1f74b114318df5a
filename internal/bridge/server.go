// Package bridge is the protocol surface: an authenticated local HTTP
// server the editor-side client talks to, plus that client itself.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"patchbridge/internal/auth"
	"patchbridge/internal/backend"
	"patchbridge/internal/job"
	"patchbridge/internal/logging"
	"patchbridge/internal/pipeline"
	"patchbridge/internal/session"
)

// Server wires the session store, scheduler, and pipeline behind the
// HTTP contract. All state lives in the components; the server itself
// only routes, authenticates, and translates errors.
type Server struct {
	sessions *session.Store
	sched    *job.Scheduler
	pipe     *pipeline.Pipeline
	token    *auth.Token

	maxConns     int
	maxBodyBytes int64

	httpSrv *http.Server
}

// Config carries the server's transport limits.
type Config struct {
	MaxConns     int
	MaxBodyBytes int64
}

// NewServer builds the bridge surface.
func NewServer(sessions *session.Store, sched *job.Scheduler, pipe *pipeline.Pipeline, token *auth.Token, cfg Config) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 32
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	s := &Server{
		sessions:     sessions,
		sched:        sched,
		pipe:         pipe,
		token:        token,
		maxConns:     cfg.MaxConns,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/token/hint", s.auth(s.handleTokenHint))
	mux.HandleFunc("POST /v1/session/start", s.auth(s.handleSessionStart))
	mux.HandleFunc("GET /v1/session/{id}", s.auth(s.handleSessionGet))
	mux.HandleFunc("POST /v1/session/{id}/context", s.auth(s.handleContext))
	mux.HandleFunc("POST /v1/session/{id}/diagnostics", s.auth(s.handleDiagnostics))
	mux.HandleFunc("POST /v1/session/{id}/request", s.auth(s.handleRequest))
	mux.HandleFunc("GET /v1/session/{id}/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /v1/session/{id}/apply", s.auth(s.handleApply))
	mux.HandleFunc("POST /v1/session/{id}/discard", s.auth(s.handleDiscard))
	mux.HandleFunc("GET /v1/job/{id}", s.auth(s.handleJobPoll))

	return mux
}

// Serve accepts connections on addr until ctx is cancelled. The
// listener is capped so a misbehaving client cannot exhaust the
// process.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, s.maxConns)
	logging.Bridge("listening on %s (max %d conns)", ln.Addr(), s.maxConns)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// ServeListener is Serve for a caller-provided listener (tests).
func (s *Server) ServeListener(ln net.Listener) error {
	return s.httpSrv.Serve(netutil.LimitListener(ln, s.maxConns))
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// auth checks the bearer token before invoking the handler. /health is
// the only unauthenticated route.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		presented := strings.TrimPrefix(header, "Bearer ")
		if header == presented || !s.token.Verify(presented) {
			logging.BridgeWarn("unauthorized request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			logging.Audit().AuthFailure(r.RemoteAddr, r.URL.Path)
			writeErrorKind(w, http.StatusUnauthorized, KindUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// decode reads a JSON body into v. Unknown fields are ignored for
// forward compatibility; only malformed JSON is an error.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindBadRequest, "read body: "+err.Error())
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindBadRequest, "parse body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTokenHint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"hint": s.token.Hint()})
}

type startRequest struct {
	WorkspaceRoot string              `json:"workspace_root"`
	Client        string              `json:"client"`
	Preferences   session.Preferences `json:"preferences"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkspaceRoot == "" {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidWorkspace, "workspace_root is required")
		return
	}
	sess, err := s.sessions.Start(req.WorkspaceRoot, req.Client, req.Preferences)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.sessions.History(id, 0)
	if err != nil {
		logging.BridgeWarn("history for %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"history": history,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var ctx session.Context
	if !s.decode(w, r, &ctx) {
		return
	}
	if err := s.sessions.SetContext(r.PathValue("id"), ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type diagnosticsRequest struct {
	Diagnostics []session.Diagnostic `json:"diagnostics"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req diagnosticsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sessions.SetDiagnostics(r.PathValue("id"), req.Diagnostics); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type submitRequest struct {
	Prompt  string          `json:"prompt"`
	Options backend.Options `json:"options"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeErrorKind(w, http.StatusBadRequest, KindBadRequest, "prompt is required")
		return
	}
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}
	if patchID, err := s.pipe.CheckSubmit(id); err != nil {
		status, kind := classify(err)
		writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error(), PatchID: patchID}})
		return
	}
	jobID, err := s.sched.Submit(id, req.Prompt, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.AppendHistory(id, "request", jobID, "")
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobPoll(w http.ResponseWriter, r *http.Request) {
	j, err := s.sched.Poll(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"job_id": j.ID,
		"status": j.Status,
	}
	if j.Status.Terminal() {
		if j.Result != nil {
			resp["result"] = json.RawMessage(j.Result)
		}
		if j.Error != "" {
			resp["error"] = j.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	patch, err := s.pipe.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"pending_patch": nil}
	if patch != nil {
		resp["pending_patch"] = patch
		resp["confirmation_phrase"] = pipeline.ConfirmationPhrase(patch.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type applyRequest struct {
	Confirm string `json:"confirm"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decode(w, r, &req) {
		return
	}
	decision, err := s.pipe.Apply(r.PathValue("id"), req.Confirm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.Discard(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
