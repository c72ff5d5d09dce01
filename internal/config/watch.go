package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
	"github.com/grantwise/adam6000-counter/internal/log"
)

// Watcher watches a config file for write/create events and reloads
// it. The containing directory is watched and events are filtered to
// the one file of interest, since fsnotify has no single-file watch
// mode that survives editors' atomic rename-on-save.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// WatchFile watches path's containing directory and calls onChange
// with a freshly loaded, validated config every time path itself is
// written or recreated. overrides are re-applied on every reload, so a
// process started with CLI flag overrides keeps them across reloads. A
// reload that fails validation is logged and does not invoke onChange,
// leaving the caller's current config intact.
func WatchFile(path string, onChange func(*apiv1.Config), overrides ...func(*apiv1.Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		defer w.Close()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadAndValidate(path, overrides...)
				if err != nil {
					log.Logger.Warnw("config reload from file watch failed, keeping current config", "path", path, "error", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Logger.Warnw("config file watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return &Watcher{w: w, done: done}, nil
}

// Close stops the watcher.
func (cw *Watcher) Close() error {
	close(cw.done)
	return nil
}
