package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbridge/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Disable()
	m.Run()
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "state.db"), time.Hour, 10)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartAndGet(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()

	s, err := st.Start(ws, "editor-test", Preferences{VerifyCommand: "go test ./..."})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, got.WorkspaceRoot)
	assert.Equal(t, "editor-test", got.Client)
	assert.Equal(t, "go test ./...", got.Preferences.VerifyCommand)
}

func TestStartInvalidWorkspace(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Start(filepath.Join(t.TempDir(), "nope"), "ed", Preferences{})
	assert.ErrorIs(t, err, ErrInvalidWorkspace)

	// A file is not a workspace either.
	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, writeTestFile(file, "x"))
	_, err = st.Start(file, "ed", Preferences{})
	assert.ErrorIs(t, err, ErrInvalidWorkspace)
}

func TestSessionsNotDeduplicatedByPath(t *testing.T) {
	st := newTestStore(t)
	ws := t.TempDir()

	a, err := st.Start(ws, "ed", Preferences{})
	require.NoError(t, err)
	b, err := st.Start(ws, "ed", Preferences{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSetContextReplacesWholesale(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Start(t.TempDir(), "ed", Preferences{})
	require.NoError(t, err)

	first := Context{
		ActiveFile: "a.go",
		Buffers:    map[string]Buffer{"a.go": {Content: "package a\n"}},
		Selection:  &Selection{StartLine: 1, EndLine: 2, Text: "package a"},
	}
	require.NoError(t, st.SetContext(s.ID, first))

	second := Context{ActiveFile: "b.go"}
	require.NoError(t, st.SetContext(s.ID, second))

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(second, got.Context); diff != "" {
		t.Fatalf("context not replaced wholesale (-want +got):\n%s", diff)
	}
}

func TestSetDiagnostics(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Start(t.TempDir(), "ed", Preferences{})
	require.NoError(t, err)

	diags := []Diagnostic{{File: "a.go", Line: 3, Severity: "error", Message: "undefined: x"}}
	require.NoError(t, st.SetDiagnostics(s.ID, diags))

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	require.Len(t, got.Diagnostics, 1)
	assert.Equal(t, "undefined: x", got.Diagnostics[0].Message)

	require.NoError(t, st.SetDiagnostics(s.ID, nil))
	got, err = st.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Diagnostics)
}

func TestUnknownSession(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.SetContext("no-such-id", Context{}), ErrNotFound)
	assert.ErrorIs(t, st.SetDiagnostics("no-such-id", nil), ErrNotFound)
}

func TestIdleExpiry(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "state.db"), 50*time.Millisecond, 10)
	require.NoError(t, err)
	defer st.Close()

	s, err := st.Start(t.TempDir(), "ed", Preferences{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = st.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryTrimsToLimit(t *testing.T) {
	st := newTestStore(t) // limit 10
	s, err := st.Start(t.TempDir(), "ed", Preferences{})
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		st.AppendHistory(s.ID, "request", "", "")
	}
	entries, err := st.History(s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestVerifyTimeoutOr(t *testing.T) {
	assert.Equal(t, time.Minute, Preferences{}.VerifyTimeoutOr(time.Minute))
	assert.Equal(t, 5*time.Second, Preferences{VerifyTimeout: "5s"}.VerifyTimeoutOr(time.Minute))
	assert.Equal(t, time.Minute, Preferences{VerifyTimeout: "bogus"}.VerifyTimeoutOr(time.Minute))
}
