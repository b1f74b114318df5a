package diffutil

import (
	"errors"
	"fmt"
	"strings"
)

// ErrApply reports a diff that does not apply cleanly: malformed
// content or hunk context that no longer matches the target. Expected
// and recoverable, not a process fault.
var ErrApply = errors.New("diff does not apply")

// ApplyToContent applies a single file's hunks to content and returns the
// patched text. Each hunk must match at its declared position or within
// maxOffsetDrift lines of it; a hunk whose old lines cannot be located is
// a context mismatch, reported as an error rather than a partial result.
func ApplyToContent(content string, fd *FileDiff) (string, error) {
	if fd.IsNew {
		return newFileContent(fd)
	}

	lines := strings.Split(content, "\n")
	hadTrailingNewline := false
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		hadTrailingNewline = true
	}

	var out []string
	cursor := 0 // next unconsumed index into lines
	delta := 0  // applied-so-far line shift

	for i := range fd.Hunks {
		h := &fd.Hunks[i]

		want := h.OldStart - 1 + delta
		if h.OldLines == 0 {
			// Pure insertion: OldStart names the line it follows.
			want = h.OldStart + delta
		}
		pos, ok := locateHunk(lines, h, want, cursor)
		if !ok {
			return "", fmt.Errorf("%w: hunk @@ -%d,%d @@ for %s: context mismatch", ErrApply, h.OldStart, h.OldLines, fd.Path())
		}

		out = append(out, lines[cursor:pos]...)
		for _, l := range h.Lines {
			switch l.Op {
			case ' ', '+':
				out = append(out, l.Text)
			}
		}
		cursor = pos + h.OldLines
		delta = pos - want + delta
	}
	out = append(out, lines[cursor:]...)

	if len(out) == 0 {
		return "", nil
	}
	result := strings.Join(out, "\n")
	if hadTrailingNewline {
		result += "\n"
	}
	return result, nil
}

func newFileContent(fd *FileDiff) (string, error) {
	var b strings.Builder
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Op == '-' {
				return "", fmt.Errorf("%w: new file %s removes lines", ErrApply, fd.Path())
			}
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// locateHunk finds where a hunk's old lines sit in the file. The declared
// position is tried first, then growing forward/backward offsets up to
// maxOffsetDrift. Matches before cursor are rejected so hunks cannot
// overlap or reorder.
func locateHunk(lines []string, h *Hunk, want, cursor int) (int, bool) {
	tryAt := func(pos int) bool {
		if pos < cursor || pos < 0 || pos+h.OldLines > len(lines) {
			return false
		}
		i := pos
		for _, l := range h.Lines {
			if l.Op == '+' {
				continue
			}
			if lines[i] != l.Text {
				return false
			}
			i++
		}
		return true
	}

	if tryAt(want) {
		return want, true
	}
	for off := 1; off <= maxOffsetDrift; off++ {
		if tryAt(want + off) {
			return want + off, true
		}
		if tryAt(want - off) {
			return want - off, true
		}
	}
	return 0, false
}
