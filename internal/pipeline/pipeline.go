// Package pipeline orchestrates the sandbox-first patch flow: a job's
// generated diff is applied to an isolated workspace copy, verified
// there, and held as the session's single pending patch until the user
// explicitly applies or discards it. Nothing in this package writes to
// the real workspace except Apply, and only after the confirmation
// phrase matched and verification passed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"patchbridge/internal/backend"
	"patchbridge/internal/diffutil"
	"patchbridge/internal/job"
	"patchbridge/internal/logging"
	"patchbridge/internal/sandbox"
	"patchbridge/internal/session"
)

// State is a pending patch's position in the lifecycle.
type State string

const (
	StateGenerating      State = "generating"
	StateSandboxApplying State = "sandbox_applying"
	StateVerifying       State = "verifying"
	StateVerified        State = "verified"
	StateVerifyFailed    State = "verify_failed"
	StateApplied         State = "applied"
	StateDiscarded       State = "discarded"
)

// ErrPendingExists reports a submission while the session still holds a
// pending patch. The client must apply or discard first.
var ErrPendingExists = errors.New("session already has a pending patch")

// PendingPatch is a generated, not-yet-promoted change.
type PendingPatch struct {
	ID           string                     `json:"id"`
	SessionID    string                     `json:"session_id"`
	JobID        string                     `json:"job_id"`
	Diff         string                     `json:"diff"`
	Notes        string                     `json:"notes,omitempty"`
	State        State                      `json:"state"`
	Verification sandbox.VerificationResult `json:"verification"`
	SandboxPath  string                     `json:"sandbox_path,omitempty"`
	SandboxStale bool                       `json:"sandbox_stale,omitempty"`
	ChangedPaths []string                   `json:"changed_paths,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// ConfirmationPhrase is the exact text a client must echo to apply a
// patch. Embedding the patch id defeats accidental or scripted
// confirmation of the wrong patch.
func ConfirmationPhrase(patchID string) string {
	return fmt.Sprintf("APPLY PATCH %s I UNDERSTAND THIS MODIFIES THE WORKSPACE", patchID)
}

// Pipeline owns every session's pending patch.
type Pipeline struct {
	sessions *session.Store
	engine   *sandbox.Engine
	gen      *backend.Generator

	defaultVerifyTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*PendingPatch // session id -> patch
	locks   map[string]*sync.Mutex   // session id -> run transaction lock
}

// New wires the pipeline to its collaborators.
func New(sessions *session.Store, engine *sandbox.Engine, gen *backend.Generator, defaultVerifyTimeout time.Duration) *Pipeline {
	if defaultVerifyTimeout <= 0 {
		defaultVerifyTimeout = 15 * time.Minute
	}
	p := &Pipeline{
		sessions:             sessions,
		engine:               engine,
		gen:                  gen,
		defaultVerifyTimeout: defaultVerifyTimeout,
		pending:              make(map[string]*PendingPatch),
		locks:                make(map[string]*sync.Mutex),
	}
	// An idle-expired session takes its pending patch and sandbox with
	// it; nothing else cleans those up.
	sessions.OnExpire(p.DropSession)
	return p
}

// runLock returns the per-session lock serializing the whole
// snapshot/apply/verify/promote sequence. One logical transaction per
// session's sandbox at a time.
func (p *Pipeline) runLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[sessionID] = l
	}
	return l
}

// CheckSubmit enforces the at-most-one-pending-patch policy: a new
// submission is rejected while a pending patch exists. Returns the
// blocking patch id with ErrPendingExists.
func (p *Pipeline) CheckSubmit(sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if patch, ok := p.pending[sessionID]; ok {
		return patch.ID, fmt.Errorf("%w: patch %s in state %s", ErrPendingExists, patch.ID, patch.State)
	}
	return "", nil
}

// jobOutcome is the structured result stored on the job record.
type jobOutcome struct {
	NoChanges    bool                        `json:"no_changes,omitempty"`
	Notes        string                      `json:"notes,omitempty"`
	PatchID      string                      `json:"patch_id,omitempty"`
	PatchState   State                       `json:"patch_state,omitempty"`
	ApplyFailed  bool                        `json:"apply_failed,omitempty"`
	ApplyError   string                      `json:"apply_error,omitempty"`
	Verification *sandbox.VerificationResult `json:"verification,omitempty"`
}

// HandleJob is the scheduler's handler: it runs generation for one job
// and drives the resulting diff through the sandbox.
func (p *Pipeline) HandleJob(ctx context.Context, j job.Job) (json.RawMessage, error) {
	sess, err := p.sessions.Get(j.SessionID)
	if err != nil {
		return nil, err
	}

	logging.Pipeline("job %s for session %s: generating", j.ID, j.SessionID)
	result, err := p.gen.Generate(ctx, sess, j.Prompt, j.Options)
	if err != nil {
		p.sessions.AppendHistory(j.SessionID, "generation_failed", j.ID, err.Error())
		return nil, err
	}

	if result.Diff == "" {
		logging.Pipeline("job %s: backend produced no changes", j.ID)
		p.sessions.AppendHistory(j.SessionID, "no_changes", j.ID, "")
		return marshalOutcome(jobOutcome{NoChanges: true, Notes: result.Notes})
	}

	outcome, err := p.runSandboxStage(ctx, sess, j, result)
	if err != nil {
		return nil, err
	}
	return marshalOutcome(outcome)
}

// runSandboxStage applies a generated diff to a fresh sandbox and
// verifies it there, recording the pending patch on success. A diff
// that fails to apply is an outcome, not a transport error: the job
// still succeeds and carries the reason. A session that already holds
// a pending patch fails the job outright: the submit-time check races
// with queued jobs, so the policy is re-enforced here under the run
// lock, where recording the patch is atomic with the check.
func (p *Pipeline) runSandboxStage(ctx context.Context, sess session.Session, j job.Job, result *backend.Result) (jobOutcome, error) {
	lock := p.runLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	existing := p.pending[sess.ID]
	p.mu.Unlock()
	if existing != nil {
		logging.PipelineWarn("job %s: session %s already holds pending patch %s", j.ID, sess.ID, existing.ID)
		p.sessions.AppendHistory(sess.ID, "submit_conflict", j.ID, existing.ID)
		return jobOutcome{}, fmt.Errorf("%w: patch %s in state %s", ErrPendingExists, existing.ID, existing.State)
	}

	patch := &PendingPatch{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		JobID:     j.ID,
		Diff:      result.Diff,
		Notes:     result.Notes,
		State:     StateSandboxApplying,
		CreatedAt: time.Now(),
	}

	diffs, err := diffutil.Parse(result.Diff)
	if err != nil {
		logging.PipelineWarn("job %s: malformed diff: %v", j.ID, err)
		p.sessions.AppendHistory(sess.ID, "apply_failed", j.ID, err.Error())
		return jobOutcome{ApplyFailed: true, ApplyError: fmt.Sprintf("malformed diff: %v", err), Notes: result.Notes}, nil
	}
	patch.ChangedPaths = diffutil.ChangedPaths(diffs)

	sandboxPath, err := p.engine.Snapshot(sess.ID, sess.WorkspaceRoot, sess.Preferences.CopyExcludes)
	if err != nil {
		logging.PipelineWarn("job %s: snapshot failed: %v", j.ID, err)
		p.sessions.AppendHistory(sess.ID, "apply_failed", j.ID, err.Error())
		return jobOutcome{ApplyFailed: true, ApplyError: err.Error(), Notes: result.Notes}, nil
	}
	patch.SandboxPath = sandboxPath

	if err := p.engine.ApplyDiff(sandboxPath, diffs); err != nil {
		logging.PipelineWarn("job %s: sandbox apply failed: %v", j.ID, err)
		logging.Audit().DiffApply(sess.ID, sandboxPath, false, err.Error())
		p.engine.Discard(sess.ID)
		p.sessions.AppendHistory(sess.ID, "apply_failed", j.ID, err.Error())
		return jobOutcome{ApplyFailed: true, ApplyError: err.Error(), Notes: result.Notes}, nil
	}
	logging.Audit().DiffApply(sess.ID, sandboxPath, true, "")

	patch.State = StateVerifying
	verifyCmd := sess.Preferences.VerifyCommand
	timeout := sess.Preferences.VerifyTimeoutOr(p.defaultVerifyTimeout)
	verification, err := p.engine.Verify(ctx, sess.ID, sandboxPath, verifyCmd, timeout)
	if err != nil {
		// Spawn failure or disallowed command: kept visible on the
		// patch as a failed verification rather than dropped.
		verification = sandbox.VerificationResult{Ran: true, Output: err.Error()}
	}
	patch.Verification = verification

	if !verification.Ran || verification.Passed {
		patch.State = StateVerified
	} else {
		patch.State = StateVerifyFailed
	}

	p.mu.Lock()
	p.pending[sess.ID] = patch
	p.mu.Unlock()

	logging.Pipeline("job %s: patch %s is %s (%d files)", j.ID, patch.ID, patch.State, len(patch.ChangedPaths))
	p.sessions.AppendHistory(sess.ID, "patch_"+string(patch.State), j.ID, patch.ID)
	v := patch.Verification
	return jobOutcome{
		PatchID:      patch.ID,
		PatchState:   patch.State,
		Notes:        result.Notes,
		Verification: &v,
	}, nil
}

func marshalOutcome(o jobOutcome) (json.RawMessage, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Status returns the session's pending patch, or nil when none exists.
func (p *Pipeline) Status(sessionID string) (*PendingPatch, error) {
	if _, err := p.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	patch, ok := p.pending[sessionID]
	if !ok {
		return nil, nil
	}
	out := *patch
	out.SandboxStale = p.engine.IsStale(sessionID)
	return &out, nil
}

// ApplyDecision is the outcome of an Apply call that did not error.
type ApplyDecision struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	PatchID string `json:"patch_id,omitempty"`
}

// Apply promotes the session's pending patch to the real workspace. The
// confirmation text must exactly match the patch's phrase and the patch
// must be in state verified; any other condition is a rejection that
// changes nothing. Promote failures leave the patch verified and
// unapplied.
func (p *Pipeline) Apply(sessionID, confirmation string) (ApplyDecision, error) {
	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return ApplyDecision{}, err
	}

	lock := p.runLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	patch, ok := p.pending[sessionID]
	p.mu.Unlock()
	if !ok {
		return ApplyDecision{Applied: false, Reason: "no_pending_patch"}, nil
	}

	if confirmation != ConfirmationPhrase(patch.ID) {
		logging.PipelineWarn("session %s: confirmation mismatch for patch %s", sessionID, patch.ID)
		return ApplyDecision{Applied: false, Reason: "confirmation_mismatch", PatchID: patch.ID}, nil
	}
	if patch.State != StateVerified {
		logging.PipelineWarn("session %s: apply refused, patch %s is %s", sessionID, patch.ID, patch.State)
		return ApplyDecision{Applied: false, Reason: "not_verified", PatchID: patch.ID}, nil
	}

	diffs, err := diffutil.Parse(patch.Diff)
	if err != nil {
		// Parsed once already during the sandbox stage; failure here
		// means the record was corrupted.
		return ApplyDecision{}, fmt.Errorf("re-parse pending diff: %w", err)
	}

	if err := p.engine.Promote(sessionID, patch.ID, sess.WorkspaceRoot, diffs); err != nil {
		logging.Audit().PatchApply(sessionID, patch.ID, sess.WorkspaceRoot, false, err.Error())
		return ApplyDecision{}, err
	}

	p.mu.Lock()
	patch.State = StateApplied
	delete(p.pending, sessionID)
	p.mu.Unlock()
	p.engine.Discard(sessionID)

	logging.Pipeline("session %s: patch %s applied to %s", sessionID, patch.ID, sess.WorkspaceRoot)
	logging.Audit().PatchApply(sessionID, patch.ID, sess.WorkspaceRoot, true, "")
	p.sessions.AppendHistory(sessionID, "patch_applied", patch.JobID, patch.ID)
	return ApplyDecision{Applied: true, PatchID: patch.ID}, nil
}

// Discard drops the session's pending patch. Idempotent: discarding
// when nothing is pending succeeds silently.
func (p *Pipeline) Discard(sessionID string) error {
	if _, err := p.sessions.Get(sessionID); err != nil {
		return err
	}

	lock := p.runLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	patch, ok := p.pending[sessionID]
	if ok {
		patch.State = StateDiscarded
		delete(p.pending, sessionID)
	}
	p.mu.Unlock()

	if ok {
		p.engine.Discard(sessionID)
		logging.Pipeline("session %s: patch %s discarded", sessionID, patch.ID)
		logging.Audit().PatchDiscard(sessionID, patch.ID)
		p.sessions.AppendHistory(sessionID, "patch_discarded", patch.JobID, patch.ID)
	}
	return nil
}

// DropSession clears pipeline state for a session without auditing a
// discard, used when a session expires or the process shuts down.
func (p *Pipeline) DropSession(sessionID string) {
	p.mu.Lock()
	delete(p.pending, sessionID)
	delete(p.locks, sessionID)
	p.mu.Unlock()
	p.engine.Discard(sessionID)
}
