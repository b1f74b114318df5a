package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"patchbridge/internal/diffutil"
	"patchbridge/internal/logging"
)

// ErrPromoteBusy reports that another promote is already running against
// the same workspace root.
var ErrPromoteBusy = fmt.Errorf("another promote is in progress for this workspace")

// promoteLocks serializes promotion per workspace root. Keyed by the
// cleaned root path, not by session: two sessions on the same workspace
// must never race to patch the same files.
var promoteLocks sync.Map // string -> *sync.Mutex

func promoteLock(workspaceRoot string) *sync.Mutex {
	key := filepath.Clean(workspaceRoot)
	v, _ := promoteLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Promote re-applies diffs to the real workspace. The diff — not the
// sandbox file contents — is the source of truth, so concurrent edits to
// files the diff never touches survive promotion untouched.
//
// Touched files are backed up under .patchbridge/backups/<patchID>/
// first; if application fails partway, the backups are restored so the
// workspace is never left half-patched.
func (e *Engine) Promote(sessionID, patchID, workspaceRoot string, diffs []diffutil.FileDiff) error {
	lock := promoteLock(workspaceRoot)
	if !lock.TryLock() {
		return ErrPromoteBusy
	}
	defer lock.Unlock()

	timer := logging.StartTimer(logging.CategorySandbox, "Promote")
	defer timer.Stop()

	backupDir := filepath.Join(workspaceRoot, ".patchbridge", "backups", patchID)
	touched := diffutil.ChangedPaths(diffs)
	backed, err := backupFiles(workspaceRoot, backupDir, touched)
	if err != nil {
		return fmt.Errorf("backup before promote: %w", err)
	}

	if err := e.ApplyDiff(workspaceRoot, diffs); err != nil {
		logging.SandboxError("promote failed for session %s, restoring %d backups: %v", sessionID, len(backed), err)
		if rerr := restoreFiles(workspaceRoot, backupDir, touched, backed); rerr != nil {
			logging.SandboxError("restore after failed promote also failed: %v", rerr)
			return fmt.Errorf("promote failed (%v) and restore failed: %w", err, rerr)
		}
		return err
	}

	logging.Sandbox("promoted patch %s to %s (%d files)", patchID, workspaceRoot, len(touched))
	return nil
}

// backupFiles copies each existing touched file into backupDir, keyed by
// its relative path. Returns the set of paths that existed.
func backupFiles(root, backupDir string, paths []string) (map[string]bool, error) {
	backed := make(map[string]bool, len(paths))
	for _, rel := range paths {
		src, err := resolvePath(root, rel)
		if err != nil {
			return backed, err
		}
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue // new file, nothing to back up
			}
			return backed, err
		}
		dst := filepath.Join(backupDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return backed, err
		}
		if err := copyFile(src, dst); err != nil {
			return backed, err
		}
		backed[rel] = true
	}
	return backed, nil
}

// restoreFiles puts backed-up files back and removes files the diff
// created that had no backup.
func restoreFiles(root, backupDir string, paths []string, backed map[string]bool) error {
	var firstErr error
	for _, rel := range paths {
		dst, err := resolvePath(root, rel)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if backed[rel] {
			src := filepath.Join(backupDir, filepath.FromSlash(rel))
			if err := copyFile(src, dst); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
