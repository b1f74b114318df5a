// Package diffutil generates, parses, and applies unified diffs.
//
// Generation uses the sergi/go-diff line-mode algorithm. Application is
// line-based hunk patching: each hunk's old lines must match the target,
// either at the position the hunk declares or at a nearby offset, so a
// diff produced against one copy of a tree can be re-applied to another
// copy that has drifted in untouched regions.
package diffutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line is one line of a hunk body.
type Line struct {
	Op   byte // ' ', '+', or '-'
	Text string
}

// Hunk is one @@-delimited block of changes.
type Hunk struct {
	OldStart int // 1-based line number in the old file
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// FileDiff holds all hunks for a single file.
type FileDiff struct {
	OldPath  string // path relative to the tree root
	NewPath  string
	IsNew    bool // old side is /dev/null
	IsDelete bool // new side is /dev/null
	Hunks    []Hunk
}

// Path returns the path this diff addresses in the target tree.
func (fd *FileDiff) Path() string {
	if fd.IsDelete {
		return fd.OldPath
	}
	return fd.NewPath
}

// ContextLines is the number of unchanged lines kept around each change
// when generating a diff.
const ContextLines = 3

// maxOffsetDrift bounds how far from its declared position a hunk may be
// relocated during application.
const maxOffsetDrift = 200

// Generate produces a unified diff for one file. Empty oldText with
// non-empty newText is a file creation; the reverse is a deletion.
// Returns "" when the contents are identical.
func Generate(path, oldText, newText string) string {
	if oldText == newText {
		return ""
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var body []Line
	for _, d := range diffs {
		op := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = '+'
		case diffmatchpatch.DiffDelete:
			op = '-'
		}
		for _, text := range splitKeepLines(d.Text) {
			body = append(body, Line{Op: op, Text: text})
		}
	}

	fd := FileDiff{
		OldPath:  path,
		NewPath:  path,
		IsNew:    oldText == "",
		IsDelete: newText == "",
		Hunks:    groupHunks(body),
	}
	if len(fd.Hunks) == 0 {
		return ""
	}
	return Format([]FileDiff{fd})
}

// splitKeepLines splits text into lines without trailing newlines,
// dropping the empty fragment a trailing newline would produce.
func splitKeepLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// groupHunks folds a full-file line sequence into hunks with
// ContextLines of surrounding context.
func groupHunks(body []Line) []Hunk {
	// Indices of changed lines.
	changed := make([]bool, len(body))
	any := false
	for i, l := range body {
		if l.Op != ' ' {
			changed[i] = true
			any = true
		}
	}
	if !any {
		return nil
	}

	// Mark lines to include: every change plus context around it.
	include := make([]bool, len(body))
	for i := range body {
		if !changed[i] {
			continue
		}
		lo := i - ContextLines
		if lo < 0 {
			lo = 0
		}
		hi := i + ContextLines
		if hi >= len(body) {
			hi = len(body) - 1
		}
		for j := lo; j <= hi; j++ {
			include[j] = true
		}
	}

	var hunks []Hunk
	oldLine, newLine := 1, 1
	i := 0
	for i < len(body) {
		if !include[i] {
			if body[i].Op != '+' {
				oldLine++
			}
			if body[i].Op != '-' {
				newLine++
			}
			i++
			continue
		}

		h := Hunk{OldStart: oldLine, NewStart: newLine}
		for i < len(body) && include[i] {
			l := body[i]
			h.Lines = append(h.Lines, l)
			if l.Op != '+' {
				h.OldLines++
				oldLine++
			}
			if l.Op != '-' {
				h.NewLines++
				newLine++
			}
			i++
		}
		// A hunk with no old lines starts "after" the previous line.
		if h.OldLines == 0 {
			h.OldStart--
		}
		if h.NewLines == 0 {
			h.NewStart--
		}
		hunks = append(hunks, h)
	}
	return hunks
}

// Format renders file diffs in unified format with git-style headers.
func Format(diffs []FileDiff) string {
	var b strings.Builder
	for _, fd := range diffs {
		path := fd.Path()
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
		if fd.IsNew {
			b.WriteString("--- /dev/null\n")
		} else {
			fmt.Fprintf(&b, "--- a/%s\n", fd.OldPath)
		}
		if fd.IsDelete {
			b.WriteString("+++ /dev/null\n")
		} else {
			fmt.Fprintf(&b, "+++ b/%s\n", fd.NewPath)
		}
		for _, h := range fd.Hunks {
			fmt.Fprintf(&b, "@@ -%s +%s @@\n", rangeSpec(h.OldStart, h.OldLines), rangeSpec(h.NewStart, h.NewLines))
			for _, l := range h.Lines {
				b.WriteByte(l.Op)
				b.WriteString(l.Text)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func rangeSpec(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
