// Package watcher watches the credential directory and notifies the session when
// copilot-*.json files appear, change or disappear outside this process.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last relevant event before
// calling OnChange.
const DefaultDebounce = 300 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Dir is the credential directory. It is created when missing.
	Dir string
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// Match selects relevant file names. Defaults to copilot-*.json.
	Match func(name string) bool
	// OnChange runs after a burst of relevant events. Calls never overlap.
	OnChange func(ctx context.Context)
}

// Watcher coalesces file events in one directory into OnChange calls.
type Watcher struct {
	opts Options

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	callMu sync.Mutex
}

// New returns a stopped Watcher.
func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("watcher: directory is required")
	}
	if opts.OnChange == nil {
		return nil, fmt.Errorf("watcher: OnChange is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Match == nil {
		opts.Match = IsCredentialFile
	}
	return &Watcher{opts: opts}, nil
}

// IsCredentialFile reports whether name is a credential file written by the file store.
func IsCredentialFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "copilot-") && strings.HasSuffix(base, ".json")
}

// Start begins watching. It returns once the directory is watched; events are handled
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.opts.Dir, 0o700); err != nil {
		return fmt.Errorf("watcher: failed to create %s: %w", w.opts.Dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if err = fsw.Add(w.opts.Dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watcher: failed to watch %s: %w", w.opts.Dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fs = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	// Capture channels before releasing the lock so Stop cannot race the loop.
	go w.loop(runCtx, fsw.Events, fsw.Errors, w.done)
	log.Debugf("watching %s for credential changes", w.opts.Dir)
	return nil
}

// Stop ends watching and waits for the event loop. Pending notifications are dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fsw, done := w.fs, w.done
	w.fs = nil
	w.mu.Unlock()

	err := fsw.Close()
	<-done
	return err
}

// Running reports whether the watcher is started.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, done chan struct{}) {
	defer close(done)
	defer w.release(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Warnf("credential watcher: %v", err)
		}
	}
}

// release tears down the run that owns done when the loop exits on its own. After Stop
// it does nothing.
func (w *Watcher) release(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.done != done {
		return
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if err := w.fs.Close(); err != nil {
		log.Debugf("credential watcher: close: %v", err)
	}
	w.fs = nil
	log.Debugf("stopped watching %s", w.opts.Dir)
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !w.opts.Match(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	log.Debugf("credential file event: %s %s", event.Op, filepath.Base(event.Name))
	w.schedule(ctx)
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.callMu.Lock()
		defer w.callMu.Unlock()
		w.opts.OnChange(ctx)
	})
}
