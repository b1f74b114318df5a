package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType classifies audit entries.
type AuditEventType string

const (
	AuditSessionStart  AuditEventType = "session_start"
	AuditSessionExpire AuditEventType = "session_expire"
	AuditContextPush   AuditEventType = "context_push"
	AuditDiagnostics   AuditEventType = "diagnostics_push"
	AuditJobSubmit     AuditEventType = "job_submit"
	AuditJobFinish     AuditEventType = "job_finish"
	AuditSandboxCreate AuditEventType = "sandbox_create"
	AuditDiffApply     AuditEventType = "diff_apply"
	AuditVerify        AuditEventType = "verify"
	AuditPatchApply    AuditEventType = "patch_apply"
	AuditPatchDiscard  AuditEventType = "patch_discard"
	AuditAuthFailure   AuditEventType = "auth_failure"
)

// AuditEvent is one immutable audit record. Events are appended as JSONL
// and never rewritten by the running process.
type AuditEvent struct {
	Timestamp time.Time              `json:"ts"`
	Event     AuditEventType         `json:"event"`
	SessionID string                 `json:"session,omitempty"`
	JobID     string                 `json:"job,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Success   bool                   `json:"success"`
	DurMs     int64                  `json:"dur_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger appends events to the audit trail. A zero-value logger (no
// Init) drops events silently so call sites never need nil checks.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	auditMu      sync.RWMutex
	globalAudit  *AuditLogger
	auditOnceErr error
)

// InitAudit opens the process-wide audit trail at dir/audit.jsonl.
func InitAudit(dir string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		auditOnceErr = err
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		auditOnceErr = err
		return fmt.Errorf("open audit log: %w", err)
	}
	globalAudit = &AuditLogger{file: f}
	return nil
}

// CloseAudit flushes and closes the audit trail.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if globalAudit != nil && globalAudit.file != nil {
		_ = globalAudit.file.Close()
	}
	globalAudit = nil
}

// Audit returns the process-wide audit logger. Safe before InitAudit.
func Audit() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	if globalAudit == nil {
		return &AuditLogger{}
	}
	return globalAudit
}

// Emit appends one event. Timestamp is filled in if zero.
func (a *AuditLogger) Emit(event AuditEvent) {
	if a == nil || a.file == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		Get(CategoryAudit).Error("marshal audit event: %v", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		Get(CategoryAudit).Error("write audit event: %v", err)
	}
}

// SessionStart records a new session binding a workspace root.
func (a *AuditLogger) SessionStart(sessionID, workspaceRoot, client string) {
	a.Emit(AuditEvent{
		Event:     AuditSessionStart,
		SessionID: sessionID,
		Target:    workspaceRoot,
		Action:    client,
		Success:   true,
	})
}

// SessionExpire records an idle session being retired.
func (a *AuditLogger) SessionExpire(sessionID string) {
	a.Emit(AuditEvent{Event: AuditSessionExpire, SessionID: sessionID, Success: true})
}

// JobSubmit records an accepted generation request.
func (a *AuditLogger) JobSubmit(sessionID, jobID string, promptLen int) {
	a.Emit(AuditEvent{
		Event:     AuditJobSubmit,
		SessionID: sessionID,
		JobID:     jobID,
		Success:   true,
		Fields:    map[string]interface{}{"prompt_len": promptLen},
	})
}

// JobFinish records a job reaching a terminal status.
func (a *AuditLogger) JobFinish(sessionID, jobID, status string, dur time.Duration, errMsg string) {
	a.Emit(AuditEvent{
		Event:     AuditJobFinish,
		SessionID: sessionID,
		JobID:     jobID,
		Action:    status,
		Success:   errMsg == "",
		DurMs:     dur.Milliseconds(),
		Error:     errMsg,
	})
}

// SandboxCreate records a workspace snapshot.
func (a *AuditLogger) SandboxCreate(sessionID, workspaceRoot, sandboxPath string, files int) {
	a.Emit(AuditEvent{
		Event:     AuditSandboxCreate,
		SessionID: sessionID,
		Target:    sandboxPath,
		Action:    workspaceRoot,
		Success:   true,
		Fields:    map[string]interface{}{"files": files},
	})
}

// DiffApply records a diff application attempt against a tree.
func (a *AuditLogger) DiffApply(sessionID, target string, ok bool, errMsg string) {
	a.Emit(AuditEvent{
		Event:     AuditDiffApply,
		SessionID: sessionID,
		Target:    target,
		Success:   ok,
		Error:     errMsg,
	})
}

// Verify records a sandbox verification run.
func (a *AuditLogger) Verify(sessionID, command string, passed bool, dur time.Duration) {
	a.Emit(AuditEvent{
		Event:     AuditVerify,
		SessionID: sessionID,
		Action:    command,
		Success:   passed,
		DurMs:     dur.Milliseconds(),
	})
}

// PatchApply records a promotion of a patch to the real workspace.
func (a *AuditLogger) PatchApply(sessionID, patchID, workspaceRoot string, ok bool, errMsg string) {
	a.Emit(AuditEvent{
		Event:     AuditPatchApply,
		SessionID: sessionID,
		Target:    workspaceRoot,
		Action:    patchID,
		Success:   ok,
		Error:     errMsg,
	})
}

// PatchDiscard records a pending patch being dropped.
func (a *AuditLogger) PatchDiscard(sessionID, patchID string) {
	a.Emit(AuditEvent{
		Event:     AuditPatchDiscard,
		SessionID: sessionID,
		Action:    patchID,
		Success:   true,
	})
}

// AuthFailure records a rejected bearer token.
func (a *AuditLogger) AuthFailure(remoteAddr, path string) {
	a.Emit(AuditEvent{
		Event:   AuditAuthFailure,
		Target:  path,
		Action:  remoteAddr,
		Success: false,
	})
}
