package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"patchbridge/internal/backend"
	"patchbridge/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Disable()
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func waitTerminal(t *testing.T, s *Scheduler, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Poll(jobID)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return Job{}
}

func TestSubmitAndPollSuccess(t *testing.T) {
	s := NewScheduler(2, func(ctx context.Context, j Job) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":"` + j.Prompt + `"}`), nil
	})
	defer s.Close()

	jobID, err := s.Submit("sess-1", "hello", backend.Options{})
	require.NoError(t, err)

	j := waitTerminal(t, s, jobID)
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.JSONEq(t, `{"echo":"hello"}`, string(j.Result))
	assert.False(t, j.FinishedAt.IsZero())

	// Terminal results are stable across repeated polls.
	again, err := s.Poll(jobID)
	require.NoError(t, err)
	assert.Equal(t, j.Status, again.Status)
	assert.Equal(t, j.Result, again.Result)
}

func TestFailureCapturesError(t *testing.T) {
	s := NewScheduler(1, func(ctx context.Context, j Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: model unreachable", backend.ErrFault)
	})
	defer s.Close()

	jobID, err := s.Submit("sess-1", "boom", backend.Options{})
	require.NoError(t, err)

	j := waitTerminal(t, s, jobID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, "model unreachable")
	assert.Nil(t, j.Result)
}

func TestPollUnknownJob(t *testing.T) {
	s := NewScheduler(1, func(ctx context.Context, j Job) (json.RawMessage, error) {
		return nil, nil
	})
	defer s.Close()

	_, err := s.Poll("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSameSessionOrderPreserved(t *testing.T) {
	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	s := NewScheduler(4, func(ctx context.Context, j Job) (json.RawMessage, error) {
		<-release
		mu.Lock()
		order = append(order, j.Prompt)
		mu.Unlock()
		return nil, nil
	})
	defer s.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Submit("sess-1", fmt.Sprintf("p%d", i), backend.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	close(release)
	for _, id := range ids {
		waitTerminal(t, s, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, order)
}

func TestOptionsClamped(t *testing.T) {
	got := make(chan backend.Options, 1)
	s := NewScheduler(1, func(ctx context.Context, j Job) (json.RawMessage, error) {
		got <- j.Options
		return nil, nil
	})
	defer s.Close()

	jobID, err := s.Submit("sess-1", "x", backend.Options{MaxOutputTokens: 1 << 30, Temperature: 99})
	require.NoError(t, err)
	waitTerminal(t, s, jobID)

	opts := <-got
	assert.Equal(t, 65536, opts.MaxOutputTokens)
	assert.Equal(t, 2.0, opts.Temperature)
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	s := NewScheduler(1, func(ctx context.Context, j Job) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	defer func() {
		close(block)
		s.Close()
	}()

	// One running plus a full queue; the next submit is refused.
	var err error
	for i := 0; i < queueDepth+8; i++ {
		_, err = s.Submit("sess-1", "x", backend.Options{})
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}
