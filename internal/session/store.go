package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"patchbridge/internal/logging"
)

// Store is the process-wide session registry. Live state (context,
// diagnostics) is held in memory; identity and history are mirrored to
// SQLite so a restarted bridge can still answer "what happened".
//
// Operations on different sessions run concurrently; operations on the
// same session are linearized by a per-session mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	db           *sql.DB
	dbMu         sync.Mutex
	ttl          time.Duration
	historyLimit int

	expireHook func(sessionID string)
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_root TEXT NOT NULL,
	client TEXT,
	preferences_json TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_history (
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	job_id TEXT,
	detail TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_history_session ON session_history(session_id, created_at);
`

// NewStore opens (or creates) the session database. An empty dbPath
// keeps everything in memory.
func NewStore(dbPath string, ttl time.Duration, historyLimit int) (*Store, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	st := &Store{
		entries:      make(map[string]*entry),
		ttl:          ttl,
		historyLimit: historyLimit,
	}

	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids lock
	// churn.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreError("pragma failed: %s: %v", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	st.db = db
	return st, nil
}

// OnExpire registers a callback invoked when a session is dropped for
// idle expiry, so dependent state (pending patches, sandboxes) is
// cleaned up with it. Register before serving; the hook runs outside
// the store's locks.
func (st *Store) OnExpire(fn func(sessionID string)) {
	st.expireHook = fn
}

// Close releases the database.
func (st *Store) Close() error {
	if st.db == nil {
		return nil
	}
	return st.db.Close()
}

// Start creates a fresh session for workspaceRoot. Sessions are never
// deduplicated by path; two editors on one workspace get two sessions.
func (st *Store) Start(workspaceRoot, client string, prefs Preferences) (*Session, error) {
	info, err := os.Stat(workspaceRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkspace, workspaceRoot)
	}

	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		WorkspaceRoot: workspaceRoot,
		Client:        client,
		Preferences:   prefs,
		CreatedAt:     now,
		LastSeen:      now,
	}

	st.mu.Lock()
	st.entries[s.ID] = &entry{s: s}
	st.mu.Unlock()

	st.persistStart(s)
	logging.Session("session %s started: workspace=%s client=%s", s.ID, workspaceRoot, client)
	logging.Audit().SessionStart(s.ID, workspaceRoot, client)
	return s, nil
}

// lookup fetches a live entry, enforcing idle expiry on access.
func (st *Store) lookup(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.entries[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	expired := time.Since(e.s.LastSeen) > st.ttl
	e.mu.Unlock()
	if expired {
		st.mu.Lock()
		delete(st.entries, id)
		st.mu.Unlock()
		logging.Session("session %s expired (idle > %s)", id, st.ttl)
		logging.Audit().SessionExpire(id)
		if st.expireHook != nil {
			st.expireHook(id)
		}
		return nil, fmt.Errorf("%w: %s (expired)", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the session state.
func (st *Store) Get(id string) (Session, error) {
	e, err := st.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.LastSeen = time.Now()
	return cloneSession(e.s), nil
}

// SetContext replaces the session's stored editor context wholesale.
func (st *Store) SetContext(id string, ctx Context) error {
	e, err := st.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prevActive := e.s.Context.ActiveFile
	e.s.Context = ctx
	e.s.LastSeen = time.Now()
	logging.SessionDebug("session %s context: active=%s buffers=%d", id, ctx.ActiveFile, len(ctx.Buffers))
	if ctx.ActiveFile != prevActive {
		logging.Audit().Emit(logging.AuditEvent{
			Event:     logging.AuditContextPush,
			SessionID: id,
			Target:    ctx.ActiveFile,
			Success:   true,
		})
	}
	return nil
}

// SetDiagnostics replaces the session's diagnostics wholesale.
func (st *Store) SetDiagnostics(id string, diags []Diagnostic) error {
	e, err := st.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Diagnostics = diags
	e.s.LastSeen = time.Now()
	logging.SessionDebug("session %s diagnostics: %d entries", id, len(diags))
	return nil
}

// Remove drops a session from the registry. Used at shutdown; absent
// ids are ignored.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	delete(st.entries, id)
	st.mu.Unlock()
}

// AppendHistory records a session event, trimming to the history limit.
func (st *Store) AppendHistory(id, kind, jobID, detail string) {
	st.dbMu.Lock()
	defer st.dbMu.Unlock()
	if st.db == nil {
		return
	}
	if _, err := st.db.Exec(
		`INSERT INTO session_history (session_id, kind, job_id, detail) VALUES (?, ?, ?, ?)`,
		id, kind, jobID, detail,
	); err != nil {
		logging.StoreError("append history for %s: %v", id, err)
		return
	}
	_, err := st.db.Exec(
		`DELETE FROM session_history WHERE session_id = ? AND rowid NOT IN (
			SELECT rowid FROM session_history WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
		id, id, st.historyLimit,
	)
	if err != nil {
		logging.StoreError("trim history for %s: %v", id, err)
	}
}

// History returns the most recent events for a session, newest first.
func (st *Store) History(id string, limit int) ([]HistoryEntry, error) {
	timer := logging.StartTimer(logging.CategoryStore, "History")
	defer timer.Stop()

	if limit <= 0 || limit > st.historyLimit {
		limit = st.historyLimit
	}
	st.dbMu.Lock()
	defer st.dbMu.Unlock()

	rows, err := st.db.Query(
		`SELECT kind, job_id, detail, created_at FROM session_history
		 WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var jobID, detail sql.NullString
		if err := rows.Scan(&h.Kind, &jobID, &detail, &h.When); err != nil {
			continue
		}
		h.JobID = jobID.String
		h.Detail = detail.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func (st *Store) persistStart(s *Session) {
	st.dbMu.Lock()
	defer st.dbMu.Unlock()
	if st.db == nil {
		return
	}
	prefs, _ := json.Marshal(s.Preferences)
	if _, err := st.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, workspace_root, client, preferences_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.WorkspaceRoot, s.Client, string(prefs),
	); err != nil {
		logging.StoreError("persist session %s: %v", s.ID, err)
	}
}

func cloneSession(s *Session) Session {
	out := *s
	if s.Context.Buffers != nil {
		out.Context.Buffers = make(map[string]Buffer, len(s.Context.Buffers))
		for k, v := range s.Context.Buffers {
			out.Context.Buffers[k] = v
		}
	}
	if s.Context.Selection != nil {
		sel := *s.Context.Selection
		out.Context.Selection = &sel
	}
	if s.Diagnostics != nil {
		out.Diagnostics = append([]Diagnostic(nil), s.Diagnostics...)
	}
	return out
}
