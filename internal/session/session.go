// Package session maintains the registry of editor sessions: the
// workspace each one is bound to, the latest pushed context and
// diagnostics, and the bookkeeping the rest of the bridge keys off.
package session

import (
	"errors"
	"time"
)

// ErrNotFound reports an unknown or expired session id. Clients treat it
// as recoverable: recreate the session and retry once.
var ErrNotFound = errors.New("session not found")

// ErrInvalidWorkspace reports a workspace root that does not exist or is
// not a directory.
var ErrInvalidWorkspace = errors.New("workspace root is not a directory")

// Selection is the editor's current selection range and text.
type Selection struct {
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
	Text      string `json:"text,omitempty"`
}

// Buffer is one open editor buffer.
type Buffer struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Version  int    `json:"version,omitempty"`
}

// Context is the editor state pushed alongside requests. Pushes replace
// the stored context wholesale; there is no merging.
type Context struct {
	ActiveFile string            `json:"active_file,omitempty"`
	Selection  *Selection        `json:"selection,omitempty"`
	Buffers    map[string]Buffer `json:"buffers,omitempty"`
}

// Diagnostic is one editor diagnostic (compiler error, lint finding).
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// Preferences are per-session settings supplied at start.
type Preferences struct {
	// VerifyCommand is run in the sandbox after a diff applies; empty
	// means verification auto-passes.
	VerifyCommand string `json:"verify_command,omitempty"`

	// VerifyTimeout bounds the command ("10m"); empty uses the bridge
	// default.
	VerifyTimeout string `json:"verify_timeout,omitempty"`

	// CopyExcludes extends the snapshot exclude list.
	CopyExcludes []string `json:"copy_excludes,omitempty"`
}

// HistoryEntry is one recorded session event (request accepted, job
// finished, patch applied).
type HistoryEntry struct {
	When   time.Time `json:"when"`
	Kind   string    `json:"kind"`
	JobID  string    `json:"job_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Session is a stateful handle binding a workspace root to accumulated
// editor state. At most one pending patch exists per session at any
// time; the patch itself is owned by the pipeline.
type Session struct {
	ID            string       `json:"id"`
	WorkspaceRoot string       `json:"workspace_root"`
	Client        string       `json:"client,omitempty"`
	Preferences   Preferences  `json:"preferences"`
	CreatedAt     time.Time    `json:"created_at"`
	LastSeen      time.Time    `json:"last_seen"`
	Context       Context      `json:"context"`
	Diagnostics   []Diagnostic `json:"diagnostics,omitempty"`
}

// VerifyTimeoutOr parses the session's verification timeout preference,
// falling back to def.
func (p Preferences) VerifyTimeoutOr(def time.Duration) time.Duration {
	if p.VerifyTimeout == "" {
		return def
	}
	d, err := time.ParseDuration(p.VerifyTimeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
