package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher observes a config file and invokes onChange with each successfully
// loaded new config. Parse and validation failures are logged and skipped so
// a half-written file never reaches the reload path.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	debounce *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

const watchDebounceInterval = 200 * time.Millisecond

// NewWatcher constructs a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the file and its directory (the directory watch
// catches atomic renames editors and config writers produce).
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	log.WithField("path", w.path).Info("config watcher started")
	go w.loop()
	return nil
}

// Stop tears down the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) loop() {
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")

		case <-w.stopCh:
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounceInterval, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).WithField("path", w.path).Warn("ignoring config change that failed to load")
		return
	}
	w.onChange(cfg)
}
