package rules

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// ReloadFunc is invoked after a watched pattern file settles. The key is
// the one passed to Watch, usually a session ID.
type ReloadFunc func(key string)

// Watcher observes pattern files and triggers debounced reloads. One
// fsnotify watcher per key; keys are independent.
type Watcher struct {
	mu      sync.Mutex
	log     *logging.Logger
	reload  ReloadFunc
	watches map[string]*fileWatch
	closed  bool
}

type fileWatch struct {
	key    string
	file   string
	dir    string
	fw     *fsnotify.Watcher
	cancel chan struct{}
}

// NewWatcher creates a watcher that calls reload for changed files.
func NewWatcher(log *logging.Logger, reload ReloadFunc) *Watcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Watcher{
		log:     log.Named("rules.watch"),
		reload:  reload,
		watches: make(map[string]*fileWatch),
	}
}

// Watch starts observing file under the given key, replacing any
// previous watch for that key. The file itself may not exist yet; its
// directory (or, if that is also missing, the parent) is observed so
// creation is picked up.
func (w *Watcher) Watch(key, file string) error {
	if file == "" {
		return errors.New("watch: empty file path")
	}
	file = filepath.Clean(file)
	dir := filepath.Dir(file)

	root := dir
	if _, err := os.Stat(dir); err != nil {
		root = filepath.Dir(dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return err
	}

	wt := &fileWatch{
		key:    key,
		file:   file,
		dir:    dir,
		fw:     fw,
		cancel: make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		fw.Close()
		return errors.New("watch: watcher closed")
	}
	prev := w.watches[key]
	w.watches[key] = wt
	w.mu.Unlock()

	if prev != nil {
		close(prev.cancel)
		prev.fw.Close()
	}

	go w.watchLoop(wt)
	return nil
}

// Unwatch stops observing the file for a key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	wt, ok := w.watches[key]
	if ok {
		delete(w.watches, key)
	}
	w.mu.Unlock()

	if ok {
		close(wt.cancel)
		wt.fw.Close()
	}
}

// Shutdown stops all watches. The watcher accepts no new ones after.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	w.closed = true
	keys := make([]string, 0, len(w.watches))
	for key := range w.watches {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(wt *fileWatch) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			select {
			case <-wt.cancel:
				return
			default:
			}
			w.log.Debug("Pattern file changed",
				zap.String("key", wt.key),
				zap.String("file", wt.file))
			w.reload(wt.key)
		})
	}

	for {
		select {
		case <-wt.cancel:
			return

		case ev, ok := <-wt.fw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)

			// The patterns directory appeared after the watch started.
			if ev.Has(fsnotify.Create) && name == wt.dir {
				if err := wt.fw.Add(wt.dir); err == nil {
					if _, serr := os.Stat(wt.file); serr == nil {
						fire()
					}
				}
				continue
			}
			if name != wt.file {
				continue
			}
			fire()

		case err, ok := <-wt.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("Watch error",
				zap.String("key", wt.key),
				zap.Error(err))
		}
	}
}
