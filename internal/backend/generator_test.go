package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbridge/internal/logging"
	"patchbridge/internal/session"
)

func TestMain(m *testing.M) {
	logging.Disable()
	m.Run()
}

const sampleDiff = "diff --git a/x.go b/x.go\n" +
	"--- a/x.go\n" +
	"+++ b/x.go\n" +
	"@@ -1 +1 @@\n" +
	"-old\n" +
	"+new\n"

func TestExtractDiffFencedBlock(t *testing.T) {
	reply := "Sure, here you go:\n```diff\n" + sampleDiff + "```\nThis renames old to new."
	diff, notes := extractDiff(reply)
	assert.Equal(t, sampleDiff, diff)
	assert.Contains(t, notes, "renames old to new")
	assert.NotContains(t, notes, "@@")
}

func TestExtractDiffUnlabeledFence(t *testing.T) {
	// Models sometimes drop the language tag; the body still reads as a
	// diff.
	reply := "```\n" + sampleDiff + "```"
	diff, _ := extractDiff(reply)
	assert.Equal(t, sampleDiff, diff)
}

func TestExtractDiffSkipsCodeFences(t *testing.T) {
	reply := "Current code:\n```go\nfunc old() {}\n```\nProposed change:\n```diff\n" + sampleDiff + "```"
	diff, notes := extractDiff(reply)
	assert.Equal(t, sampleDiff, diff)
	assert.Contains(t, notes, "func old()")
}

func TestExtractDiffBareReply(t *testing.T) {
	diff, notes := extractDiff(sampleDiff)
	assert.Equal(t, sampleDiff, diff)
	assert.Empty(t, notes)
}

func TestExtractDiffNoChange(t *testing.T) {
	diff, notes := extractDiff("The code already handles that case; nothing to change.")
	assert.Empty(t, diff)
	assert.Equal(t, "The code already handles that case; nothing to change.", notes)
}

func TestBuildUserPromptPrefersBuffers(t *testing.T) {
	sess := session.Session{
		WorkspaceRoot: t.TempDir(),
		Context: session.Context{
			ActiveFile: "edited.go",
			Buffers: map[string]session.Buffer{
				"edited.go": {Content: "unsaved buffer content"},
			},
		},
	}

	prompt := buildUserPrompt(sess, "fix it")
	assert.Contains(t, prompt, "fix it")
	assert.Contains(t, prompt, "Active file: edited.go")
	assert.Contains(t, prompt, "unsaved buffer content")
}

func TestBuildUserPromptIncludesDiagnosticsAndSelection(t *testing.T) {
	sess := session.Session{
		Context: session.Context{
			ActiveFile: "a.go",
			Selection:  &session.Selection{StartLine: 3, EndLine: 4, Text: "return nil"},
			Buffers: map[string]session.Buffer{
				"a.go": {Content: "package a"},
				"b.go": {Content: "package b"},
			},
		},
		Diagnostics: []session.Diagnostic{
			{File: "a.go", Line: 3, Severity: "error", Message: "missing return"},
		},
	}

	prompt := buildUserPrompt(sess, "fix the error")
	assert.Contains(t, prompt, "Selection (lines 3-4)")
	assert.Contains(t, prompt, "Open buffer b.go")
	assert.Contains(t, prompt, "a.go:3 [error] missing return")
}

func TestGenerateWrapsClientErrors(t *testing.T) {
	gen := NewGenerator(&StaticClient{Err: errors.New("connection refused")})
	_, err := gen.Generate(context.Background(), session.Session{}, "x", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
}

func TestGenerateSplitsDiffAndNotes(t *testing.T) {
	gen := NewGenerator(&StaticClient{Response: "```diff\n" + sampleDiff + "```\ndone"})
	result, err := gen.Generate(context.Background(), session.Session{}, "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, sampleDiff, result.Diff)
	assert.Equal(t, "done", result.Notes)
}

func TestOptionsClamp(t *testing.T) {
	got := Options{MaxOutputTokens: 1 << 30, Temperature: -5}.Clamp()
	assert.Equal(t, 65536, got.MaxOutputTokens)
	assert.Equal(t, 0.0, got.Temperature)
}
