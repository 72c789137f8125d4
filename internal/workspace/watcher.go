package workspace

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/vtcode-ai/vtcode/internal/observability"
)

// Watcher records files modified under the workspace root during a
// turn; the snapshot manager drains the set at each checkpoint.
type Watcher struct {
	root    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	modified map[string]struct{}
	done     chan struct{}
}

// NewWatcher starts watching root. Ignored subtrees: .git, .vtcode,
// node_modules, target.
func NewWatcher(root string, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.Discard()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		root:     root,
		logger:   logger,
		watcher:  fsw,
		modified: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

var ignoredSegments = []string{".git/", ".vtcode/", "node_modules/", "target/"}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := Rel(w.root, event.Name)
			if err != nil {
				continue
			}
			if isIgnored(rel) {
				continue
			}
			w.mu.Lock()
			w.modified[rel] = struct{}{}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "workspace watcher error", "error", err)
		}
	}
}

func isIgnored(rel string) bool {
	slashed := rel + "/"
	for _, seg := range ignoredSegments {
		if strings.HasPrefix(slashed, seg) {
			return true
		}
	}
	return false
}

// Mark records a modification reported directly by a tool runtime,
// bypassing filesystem-event latency.
func (w *Watcher) Mark(relPath string) {
	rel, err := SanitizeRelative(relPath)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.modified[rel] = struct{}{}
	w.mu.Unlock()
}

// Drain returns and clears the modified set.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.modified))
	for path := range w.modified {
		out = append(out, path)
	}
	w.modified = make(map[string]struct{})
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
