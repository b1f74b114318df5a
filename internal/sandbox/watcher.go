package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"patchbridge/internal/logging"
)

// watchSkip names directories whose contents never affect staleness.
// Skipping them also keeps the watch-descriptor count sane on large
// workspaces.
var watchSkip = map[string]bool{
	".git":         true,
	"node_modules": true,
	".patchbridge": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// staleWatcher watches workspace roots and marks a session's sandbox
// stale once the real tree changes underneath it. Staleness is advisory:
// the pipeline reports it so a client can re-snapshot before trusting a
// verification result, but nothing is invalidated automatically.
//
// fsnotify watches are per-directory, so every subdirectory under a
// root is registered, and directories created later are added as their
// create events arrive.
type staleWatcher struct {
	mu      sync.Mutex
	w       *fsnotify.Watcher
	roots   map[string]string   // session id -> watched root
	watched map[string][]string // root -> directories under watch
	stale   map[string]bool     // session id -> workspace changed
	done    chan struct{}
	started bool
}

func newStaleWatcher() *staleWatcher {
	sw := &staleWatcher{
		roots:   make(map[string]string),
		watched: make(map[string][]string),
		stale:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to never-stale rather than failing snapshot.
		logging.SandboxWarn("fsnotify unavailable, sandbox staleness tracking disabled: %v", err)
		return sw
	}
	sw.w = w
	return sw
}

func (sw *staleWatcher) track(sessionID, root string) {
	if sw.w == nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.started {
		sw.started = true
		go sw.loop()
	}

	root = filepath.Clean(root)
	sw.roots[sessionID] = root
	sw.stale[sessionID] = false
	if _, ok := sw.watched[root]; !ok {
		sw.watched[root] = sw.addTree(root)
	}
}

// addTree registers the root and every non-skipped subdirectory with
// the OS watcher, returning the directories added.
func (sw *staleWatcher) addTree(root string) []string {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.SandboxWarn("walk %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && watchSkip[d.Name()] {
			return fs.SkipDir
		}
		if werr := sw.w.Add(path); werr != nil {
			logging.SandboxWarn("watch %s: %v", path, werr)
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		logging.SandboxWarn("watch tree %s: %v", root, err)
	}
	return dirs
}

func (sw *staleWatcher) untrack(sessionID string) {
	if sw.w == nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	root, ok := sw.roots[sessionID]
	delete(sw.roots, sessionID)
	delete(sw.stale, sessionID)
	if !ok {
		return
	}
	// Only drop the OS watches when no other session shares the root.
	for _, r := range sw.roots {
		if r == root {
			return
		}
	}
	for _, dir := range sw.watched[root] {
		_ = sw.w.Remove(dir)
	}
	delete(sw.watched, root)
}

func (sw *staleWatcher) isStale(sessionID string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.stale[sessionID]
}

func (sw *staleWatcher) loop() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.w.Events:
			if !ok {
				return
			}
			if strings.Contains(event.Name, ".patchbridge") {
				continue
			}
			sw.mu.Lock()
			dir := filepath.Dir(event.Name)
			for id, root := range sw.roots {
				if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
					if !sw.stale[id] {
						logging.SandboxDebug("workspace %s changed (%s), marking session %s sandbox stale", root, event.Op, id)
					}
					sw.stale[id] = true
				}
			}
			if event.Op&fsnotify.Create != 0 {
				sw.maybeWatchNewDir(event.Name)
			}
			sw.mu.Unlock()
		case _, ok := <-sw.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// maybeWatchNewDir extends the watch to a directory created after
// track. Caller holds sw.mu.
func (sw *staleWatcher) maybeWatchNewDir(path string) {
	if watchSkip[filepath.Base(path)] {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	for root := range sw.watched {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			if err := sw.w.Add(path); err != nil {
				logging.SandboxWarn("watch %s: %v", path, err)
				return
			}
			sw.watched[root] = append(sw.watched[root], path)
			return
		}
	}
}

func (sw *staleWatcher) close() {
	close(sw.done)
	if sw.w != nil {
		_ = sw.w.Close()
	}
}
