package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"patchbridge/internal/logging"
	"patchbridge/internal/session"
)

// Result is the structured outcome of one generation request.
type Result struct {
	// Diff is a unified diff, or "" when the backend decided no change
	// is needed.
	Diff string `json:"diff,omitempty"`

	// Notes is free-form accompanying commentary.
	Notes string `json:"notes,omitempty"`
}

const systemPrompt = `You are a code-change assistant embedded in an editor.
Given the user's request, the current file context, and any diagnostics,
respond with a unified diff (git style, a/ and b/ path prefixes, @@ hunk
headers) inside a fenced code block marked diff. Only include files that
change. If no change is needed, say so in plain text and emit no diff.
After the diff, briefly explain the change.`

// Generator turns a prompt plus session state into a Result.
type Generator struct {
	client Client
}

// NewGenerator wraps a provider client.
func NewGenerator(client Client) *Generator {
	return &Generator{client: client}
}

// Generate builds the full prompt from the session's pushed context and
// asks the backend for a diff.
func (g *Generator) Generate(ctx context.Context, sess session.Session, prompt string, opts Options) (*Result, error) {
	user := buildUserPrompt(sess, prompt)
	logging.Backend("generation request for session %s: prompt=%d bytes context=%d bytes", sess.ID, len(prompt), len(user)-len(prompt))

	reply, err := g.client.CompleteWithSystem(ctx, systemPrompt, user, opts)
	if err != nil {
		if errors.Is(err, ErrFault) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFault, err)
	}

	diff, notes := extractDiff(reply)
	logging.BackendDebug("generation reply for session %s: diff=%d bytes notes=%d bytes", sess.ID, len(diff), len(notes))
	return &Result{Diff: diff, Notes: notes}, nil
}

// buildUserPrompt assembles the request the model sees. Open buffer
// contents win over on-disk contents: the buffer is what the user is
// looking at.
func buildUserPrompt(sess session.Session, prompt string) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(prompt)
	b.WriteString("\n")

	ctx := sess.Context
	if ctx.ActiveFile != "" {
		fmt.Fprintf(&b, "\nActive file: %s\n", ctx.ActiveFile)
		if content, ok := fileContent(sess, ctx.ActiveFile); ok {
			fmt.Fprintf(&b, "```\n%s\n```\n", content)
		}
	}
	if sel := ctx.Selection; sel != nil && sel.Text != "" {
		fmt.Fprintf(&b, "\nSelection (lines %d-%d):\n```\n%s\n```\n", sel.StartLine, sel.EndLine, sel.Text)
	}
	for path, buf := range ctx.Buffers {
		if path == ctx.ActiveFile {
			continue
		}
		fmt.Fprintf(&b, "\nOpen buffer %s:\n```\n%s\n```\n", path, buf.Content)
	}
	if len(sess.Diagnostics) > 0 {
		b.WriteString("\nDiagnostics:\n")
		for _, d := range sess.Diagnostics {
			fmt.Fprintf(&b, "- %s:%d [%s] %s\n", d.File, d.Line, d.Severity, d.Message)
		}
	}
	return b.String()
}

// fileContent returns the active file's content, buffer-first.
func fileContent(sess session.Session, path string) (string, bool) {
	if buf, ok := sess.Context.Buffers[path]; ok {
		return buf.Content, true
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(sess.WorkspaceRoot, filepath.FromSlash(path))
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// extractDiff pulls the unified diff out of a model reply. Fenced
// ```diff blocks are preferred; a bare reply that itself starts with
// diff headers is accepted as-is. Everything outside the diff becomes
// notes.
func extractDiff(reply string) (diff, notes string) {
	const fence = "```"
	// Scan with absolute offsets so skipping a non-diff fence keeps the
	// text before and inside it in the notes.
	searchFrom := 0
	for {
		start := strings.Index(reply[searchFrom:], fence)
		if start < 0 {
			break
		}
		start += searchFrom
		afterTick := reply[start+len(fence):]
		newline := strings.IndexByte(afterTick, '\n')
		if newline < 0 {
			break
		}
		lang := strings.TrimSpace(afterTick[:newline])
		body := afterTick[newline+1:]
		end := strings.Index(body, fence)
		if end < 0 {
			break
		}
		block := body[:end]
		blockEnd := start + len(fence) + newline + 1 + end + len(fence)
		if lang == "diff" || lang == "patch" || looksLikeDiff(block) {
			notes = strings.TrimSpace(reply[:start] + reply[blockEnd:])
			return strings.TrimRight(block, "\n") + "\n", notes
		}
		searchFrom = blockEnd
	}

	if looksLikeDiff(reply) {
		return strings.TrimRight(reply, "\n") + "\n", ""
	}
	return "", strings.TrimSpace(reply)
}

func looksLikeDiff(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "diff --git ") || strings.HasPrefix(trimmed, "--- ")
}
