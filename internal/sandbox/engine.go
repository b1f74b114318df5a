// Package sandbox gives every patch a disposable proving ground: an
// isolated copy of the workspace that diffs are applied to and verified
// in before anything touches real files.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"patchbridge/internal/diffutil"
	"patchbridge/internal/logging"
)

// ErrInvalidPath reports a diff path that would escape the target tree.
var ErrInvalidPath = fmt.Errorf("path escapes tree root")

// Config controls snapshot and verification behaviour.
type Config struct {
	// Root is the directory sandboxes are created under; empty means
	// the OS temp dir.
	Root string

	// CopyExcludes are directory or file names skipped during snapshot.
	CopyExcludes []string

	// AllowedCommands are the binaries a verification command may
	// invoke.
	AllowedCommands []string

	// MaxOutputBytes caps captured verification output.
	MaxOutputBytes int64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		CopyExcludes: []string{
			".git", "node_modules", "__pycache__", ".venv", "venv",
			"dist", "build", ".idea", ".vscode", "target", ".patchbridge",
		},
		AllowedCommands: []string{
			"go", "gofmt", "python", "python3", "pytest",
			"npm", "npx", "node", "cargo", "make", "sh", "bash",
		},
		MaxOutputBytes: 256 << 10,
	}
}

// Engine creates sandboxes and moves diffs through them.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	sandboxes map[string]string // session id -> sandbox path

	watcher *staleWatcher
}

// NewEngine creates a sandbox engine.
func NewEngine(cfg Config) *Engine {
	if len(cfg.CopyExcludes) == 0 {
		cfg.CopyExcludes = DefaultConfig().CopyExcludes
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	return &Engine{
		cfg:       cfg,
		sandboxes: make(map[string]string),
		watcher:   newStaleWatcher(),
	}
}

// Close releases the engine's filesystem watcher and removes all live
// sandboxes.
func (e *Engine) Close() {
	e.watcher.close()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, path := range e.sandboxes {
		_ = os.RemoveAll(path)
		delete(e.sandboxes, id)
	}
}

// Snapshot copies workspaceRoot into a fresh session-scoped sandbox.
// Calling it again for the same session discards the previous sandbox
// first, so it doubles as a reset.
func (e *Engine) Snapshot(sessionID, workspaceRoot string, extraExcludes []string) (string, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Snapshot")
	defer timer.Stop()

	info, err := os.Stat(workspaceRoot)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", workspaceRoot)
	}

	e.mu.Lock()
	if prev, ok := e.sandboxes[sessionID]; ok {
		logging.SandboxDebug("discarding previous sandbox for session %s: %s", sessionID, prev)
		_ = os.RemoveAll(prev)
		delete(e.sandboxes, sessionID)
	}
	e.mu.Unlock()

	base := e.cfg.Root
	if base == "" {
		base = os.TempDir()
	}
	sandboxPath, err := os.MkdirTemp(base, "patchbridge-sandbox-")
	if err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}

	excludes := make(map[string]bool, len(e.cfg.CopyExcludes)+len(extraExcludes))
	for _, x := range e.cfg.CopyExcludes {
		excludes[x] = true
	}
	for _, x := range extraExcludes {
		excludes[x] = true
	}

	files, err := copyTree(workspaceRoot, sandboxPath, excludes)
	if err != nil {
		_ = os.RemoveAll(sandboxPath)
		return "", fmt.Errorf("snapshot %s: %w", workspaceRoot, err)
	}

	e.mu.Lock()
	e.sandboxes[sessionID] = sandboxPath
	e.mu.Unlock()
	e.watcher.track(sessionID, workspaceRoot)

	logging.Sandbox("snapshot for session %s: %d files, %s -> %s", sessionID, files, workspaceRoot, sandboxPath)
	logging.Audit().SandboxCreate(sessionID, workspaceRoot, sandboxPath, files)
	return sandboxPath, nil
}

// SandboxPath returns the live sandbox for a session, if any.
func (e *Engine) SandboxPath(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.sandboxes[sessionID]
	return p, ok
}

// IsStale reports whether the real workspace has changed since the
// session's sandbox was taken.
func (e *Engine) IsStale(sessionID string) bool {
	return e.watcher.isStale(sessionID)
}

// Discard removes a session's sandbox. Safe to call when none exists.
func (e *Engine) Discard(sessionID string) {
	e.mu.Lock()
	path, ok := e.sandboxes[sessionID]
	delete(e.sandboxes, sessionID)
	e.mu.Unlock()
	e.watcher.untrack(sessionID)
	if ok {
		logging.SandboxDebug("discarding sandbox for session %s: %s", sessionID, path)
		_ = os.RemoveAll(path)
	}
}

// ApplyDiff applies parsed file diffs to the tree rooted at root. It is
// used both for the sandbox and, during promotion, for the real
// workspace. All paths are validated against escaping the root. Writes
// go through a temp file and rename so a crash never leaves a
// half-written file.
func (e *Engine) ApplyDiff(root string, diffs []diffutil.FileDiff) error {
	for i := range diffs {
		fd := &diffs[i]
		target, err := resolvePath(root, fd.Path())
		if err != nil {
			return err
		}

		switch {
		case fd.IsDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", fd.Path(), err)
			}

		case fd.IsNew:
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("create %s: file already exists", fd.Path())
			}
			content, err := diffutil.ApplyToContent("", fd)
			if err != nil {
				return err
			}
			if err := atomicWrite(target, []byte(content)); err != nil {
				return fmt.Errorf("write %s: %w", fd.Path(), err)
			}

		default:
			data, err := os.ReadFile(target)
			if err != nil {
				return fmt.Errorf("read %s: %w", fd.Path(), err)
			}
			content, err := diffutil.ApplyToContent(string(data), fd)
			if err != nil {
				return err
			}
			if err := atomicWrite(target, []byte(content)); err != nil {
				return fmt.Errorf("write %s: %w", fd.Path(), err)
			}
		}
	}
	return nil
}

// resolvePath joins a diff path onto root, rejecting absolute paths and
// traversal.
func resolvePath(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(root, clean), nil
}

// copyTree recursively copies src into dst, skipping excluded names.
// Returns the number of files copied.
func copyTree(src, dst string, excludes map[string]bool) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, entry := range entries {
		name := entry.Name()
		if excludes[name] {
			continue
		}
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		switch {
		case entry.IsDir():
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return files, err
			}
			n, err := copyTree(srcPath, dstPath, excludes)
			files += n
			if err != nil {
				return files, err
			}
		case entry.Type().IsRegular():
			if err := copyFile(srcPath, dstPath); err != nil {
				return files, err
			}
			files++
		default:
			// Symlinks and other specials are skipped: a sandbox must
			// never reach outside its own tree through a link.
		}
	}
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".patchbridge-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
