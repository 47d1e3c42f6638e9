package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the persisted config file for external edits made while
// PAM itself holds no lock on it (e.g. a human editing the YAML by hand).
// It feeds the control API's restart-status divergence detection: an
// external change means the running config may no longer match disk.
type Watcher struct {
	fsw     *fsnotify.Watcher
	path    string
	Changed chan struct{}
}

// NewWatcher starts watching path. Callers should defer Close().
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, path: path, Changed: make(chan struct{}, 1)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("[Config] external change detected on %s: %s", w.path, event.Op)
				select {
				case w.Changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] watch error on %s: %v", w.path, err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
