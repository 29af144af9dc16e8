package config

import (
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config from disk whenever the underlying file
// changes and hands the new value to a callback. The engine reads each
// hot-reloaded tunable the next time it uses it, which can be in the
// middle of a running session; max_concurrent_agents is not hot-reloaded.
type Watcher struct {
	path    string
	logger  *log.Logger
	fw      *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher starts watching path for changes. onReload is invoked with
// the newly parsed config whenever the file is written; parse errors are
// logged and the previous config is left in effect.
func NewWatcher(path string, logger *log.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config path %s: %w", path, err)
	}

	w := &Watcher{path: path, logger: logger, fw: fw, onReload: onReload}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Printf("config reload: read %s: %v", w.path, err)
		return
	}
	cfg, err := Parse(data)
	if err != nil {
		w.logger.Printf("config reload: invalid config, keeping previous: %v", err)
		return
	}
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
