package diffutil

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads a unified diff (git-style or plain) into per-file diffs.
// Hunk bodies are consumed by counting down the ranges the @@ header
// declares, so body content that happens to look like a diff header (a
// removed "-- comment" line serializes as "--- comment") cannot be
// misread, and the empty fragment after a diff's trailing newline is
// never mistaken for a context line. Lines the applier has no use for
// (index, mode, "\ No newline" markers) are tolerated and skipped.
func Parse(diffText string) ([]FileDiff, error) {
	lines := strings.Split(diffText, "\n")

	var diffs []FileDiff
	var cur *FileDiff
	var curHunk *Hunk
	remOld, remNew := 0, 0

	flushHunk := func() error {
		if curHunk == nil {
			return nil
		}
		if remOld > 0 || remNew > 0 {
			return fmt.Errorf("file %s: hunk @@ -%d,%d +%d,%d @@ is truncated",
				cur.Path(), curHunk.OldStart, curHunk.OldLines, curHunk.NewStart, curHunk.NewLines)
		}
		cur.Hunks = append(cur.Hunks, *curHunk)
		curHunk = nil
		return nil
	}
	flushFile := func() error {
		if err := flushHunk(); err != nil {
			return err
		}
		if cur != nil {
			if len(cur.Hunks) == 0 {
				return fmt.Errorf("file %s: no hunks", cur.Path())
			}
			diffs = append(diffs, *cur)
		}
		cur = nil
		return nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if curHunk != nil && (remOld > 0 || remNew > 0) {
			if strings.HasPrefix(line, `\ No newline`) {
				continue
			}
			// A fully blank line is a context line whose leading space
			// some producers trim.
			op, text := byte(' '), ""
			if len(line) > 0 {
				op, text = line[0], line[1:]
			}
			switch op {
			case ' ':
				remOld--
				remNew--
			case '-':
				remOld--
			case '+':
				remNew--
			default:
				return nil, fmt.Errorf("line %d: unexpected %q inside hunk", i+1, line)
			}
			if remOld < 0 || remNew < 0 {
				return nil, fmt.Errorf("line %d: hunk body overruns its declared ranges", i+1)
			}
			curHunk.Lines = append(curHunk.Lines, Line{Op: op, Text: text})
			continue
		}

		switch {
		case strings.HasPrefix(line, "diff --git "):
			if err := flushFile(); err != nil {
				return nil, err
			}
			cur = &FileDiff{}

		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				cur = &FileDiff{}
			}
			if err := flushHunk(); err != nil {
				return nil, err
			}
			p := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			if p == "/dev/null" {
				cur.IsNew = true
			} else {
				cur.OldPath = stripPrefix(p)
			}

		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, fmt.Errorf("line %d: +++ without ---", i+1)
			}
			p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if p == "/dev/null" {
				cur.IsDelete = true
			} else {
				cur.NewPath = stripPrefix(p)
			}

		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, fmt.Errorf("line %d: hunk header outside a file section", i+1)
			}
			if err := flushHunk(); err != nil {
				return nil, err
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			curHunk = h
			remOld, remNew = h.OldLines, h.NewLines

		default:
			// Headers like "index", "new file mode", stray "\ No newline"
			// markers, or prose between file sections.
		}
	}
	if err := flushFile(); err != nil {
		return nil, err
	}

	if len(diffs) == 0 {
		return nil, fmt.Errorf("no file diffs found")
	}
	for i := range diffs {
		if err := validate(&diffs[i]); err != nil {
			return nil, err
		}
	}
	return diffs, nil
}

func stripPrefix(p string) string {
	for _, pre := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, pre) {
			return p[len(pre):]
		}
	}
	return p
}

// parseHunkHeader parses "@@ -l[,c] +l[,c] @@ ...".
func parseHunkHeader(line string) (*Hunk, error) {
	rest := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(rest, " @@")
	if end < 0 {
		return nil, fmt.Errorf("malformed hunk header %q", line)
	}
	parts := strings.Fields(rest[:end])
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "-") || !strings.HasPrefix(parts[1], "+") {
		return nil, fmt.Errorf("malformed hunk header %q", line)
	}

	h := &Hunk{}
	var err error
	h.OldStart, h.OldLines, err = parseRange(parts[0][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	h.NewStart, h.NewLines, err = parseRange(parts[1][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	return h, nil
}

func parseRange(spec string) (start, count int, err error) {
	count = 1
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		count, err = strconv.Atoi(spec[idx+1:])
		if err != nil {
			return 0, 0, err
		}
		spec = spec[:idx]
	}
	start, err = strconv.Atoi(spec)
	return start, count, err
}

// validate checks hunk line counts against their declared ranges.
func validate(fd *FileDiff) error {
	if fd.Path() == "" {
		return fmt.Errorf("file diff with no path")
	}
	for _, h := range fd.Hunks {
		oldN, newN := 0, 0
		for _, l := range h.Lines {
			switch l.Op {
			case ' ':
				oldN++
				newN++
			case '-':
				oldN++
			case '+':
				newN++
			}
		}
		if oldN != h.OldLines || newN != h.NewLines {
			return fmt.Errorf("file %s: hunk @@ -%d,%d +%d,%d @@ has %d/%d actual lines",
				fd.Path(), h.OldStart, h.OldLines, h.NewStart, h.NewLines, oldN, newN)
		}
	}
	return nil
}

// ChangedPaths returns the unique tree paths a diff set touches.
func ChangedPaths(diffs []FileDiff) []string {
	seen := make(map[string]bool, len(diffs))
	var paths []string
	for i := range diffs {
		p := diffs[i].Path()
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}
