// Package job runs generation requests asynchronously and exposes
// pollable status. Jobs from one session execute in submission order; a
// weighted semaphore bounds how many run at once across sessions.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"patchbridge/internal/backend"
	"patchbridge/internal/logging"
)

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrQueueFull reports a session whose submission queue is saturated.
var ErrQueueFull = errors.New("session job queue is full")

// Status is a job's lifecycle state. Transitions are monotonic:
// queued -> running -> succeeded | failed. Once terminal the job's
// result never changes.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final. finish refuses to touch
// a terminal job, which is what makes transitions monotonic.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is one asynchronous unit of generation work.
type Job struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Prompt    string          `json:"prompt"`
	Options   backend.Options `json:"options"`

	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Handler executes one job and returns its result payload. A returned
// error fails the job with the error text captured in the record.
type Handler func(ctx context.Context, j Job) (json.RawMessage, error)

// Scheduler owns all jobs for the process lifetime. Terminal jobs are
// retained so poll never forgets a result while the bridge runs.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	queues map[string]chan string // session id -> queued job ids

	handler Handler
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const queueDepth = 32

// NewScheduler creates a scheduler running at most workers jobs at once.
func NewScheduler(workers int, handler Handler) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:    make(map[string]*Job),
		queues:  make(map[string]chan string),
		handler: handler,
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Submit enqueues a generation request and returns immediately with the
// job id. Generation happens on a per-session worker goroutine.
func (s *Scheduler) Submit(sessionID, prompt string, opts backend.Options) (string, error) {
	j := &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Options:   opts.Clamp(),
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("scheduler is shut down")
	}
	queue, ok := s.queues[sessionID]
	if !ok {
		queue = make(chan string, queueDepth)
		s.queues[sessionID] = queue
		s.wg.Add(1)
		go s.sessionWorker(sessionID, queue)
	}
	s.jobs[j.ID] = j
	s.mu.Unlock()

	select {
	case queue <- j.ID:
	default:
		s.mu.Lock()
		delete(s.jobs, j.ID)
		s.mu.Unlock()
		return "", ErrQueueFull
	}

	logging.Job("job %s queued for session %s (prompt=%d bytes)", j.ID, sessionID, len(prompt))
	logging.Audit().JobSubmit(sessionID, j.ID, len(prompt))
	return j.ID, nil
}

// Poll returns a copy of the job's current state. Side-effect-free; any
// polling cadence is safe.
func (s *Scheduler) Poll(jobID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return *j, nil
}

// sessionWorker drains one session's queue in FIFO order, so jobs from
// the same session never reorder even with a multi-slot pool.
func (s *Scheduler) sessionWorker(sessionID string, queue chan string) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case jobID := <-queue:
			s.runOne(jobID)
		}
	}
}

func (s *Scheduler) runOne(jobID string) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finish(jobID, nil, fmt.Errorf("scheduler shut down before job ran"))
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.Status = StatusRunning
	j.StartedAt = time.Now()
	snapshot := *j
	s.mu.Unlock()

	logging.JobDebug("job %s running", jobID)
	result, err := s.handler(s.ctx, snapshot)
	s.finish(jobID, result, err)
}

// finish moves a job to its terminal state exactly once.
func (s *Scheduler) finish(jobID string, result json.RawMessage, err error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	j.FinishedAt = time.Now()
	if err != nil {
		j.Status = StatusFailed
		j.Error = err.Error()
	} else {
		j.Status = StatusSucceeded
		j.Result = result
	}
	sessionID, status, errMsg := j.SessionID, j.Status, j.Error
	dur := j.FinishedAt.Sub(j.CreatedAt)
	s.mu.Unlock()

	if err != nil {
		logging.JobError("job %s failed: %v", jobID, err)
	} else {
		logging.Job("job %s succeeded in %s", jobID, dur)
	}
	logging.Audit().JobFinish(sessionID, jobID, string(status), dur, errMsg)
}
