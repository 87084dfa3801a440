package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// maxWaitFactor caps a burst at maxWaitFactor debounce intervals.
const maxWaitFactor = 10

// Watcher reports that the journal tree under a root changed.
// Bursts of filesystem events are collapsed into one notification after
// the tree has been quiet for the debounce interval, or after
// maxWaitFactor intervals of continuous change. Appends to existing files
// are not changes: readers already read to EOF. It only says "rescan"; it
// does not tail files.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	logger   *zap.Logger
	changes  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for root. Call Start to begin watching.
func NewWatcher(root string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		watcher:  fw,
		root:     root,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Changes delivers one value per settled burst of changes. Notifications
// are coalesced while nobody is receiving.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start adds the root and its subdirectories and starts the event loop.
// This method is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.addSubdirs(w.root)

	go w.run(ctx)
	return nil
}

// Stop stops the event loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("Failed to close watcher", zap.Error(err))
	}
}

func (w *Watcher) addSubdirs(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == dir {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug("Cannot watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	var burstStart time.Time
	maxWait := maxWaitFactor * w.debounce
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handleEvent(event) {
				continue
			}
			if fire == nil {
				burstStart = time.Now()
			}
			wait := min(w.debounce, maxWait-time.Since(burstStart))
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Stop()
				timer.Reset(wait)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		}
	}
}

// handleEvent reports whether the event is relevant; new directories are
// added to the watch list.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false // Write or Chmod on an existing file
	}

	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Debug("Cannot watch directory", zap.String("path", event.Name), zap.Error(err))
			}
			w.addSubdirs(event.Name)
			return true
		}
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Could be a file or a whole process directory.
		return true
	}

	_, _, ok := ParseFileName(filepath.Base(event.Name), time.UTC)
	return ok
}
