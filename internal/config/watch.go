package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes on disk and hands valid
// reloads to a callback. Invalid edits are logged and skipped; the previous
// config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path. onReload is called from the watcher goroutine
// with each successfully validated config.
func Watch(path string, onReload func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which drops an inode-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{path: path, watcher: watcher, done: make(chan struct{})}
	go w.loop(onReload)
	return w, nil
}

func (w *Watcher) loop(onReload func(Config)) {
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors fire several events per save.
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watch error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload skipped: %v", err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			onReload(cfg)
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	w.watcher.Close()
}
