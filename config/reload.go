package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the user configuration file and re-runs Loader.Load
// whenever it changes, pushing the new Config onto C. It backs the
// operator "reload" request (spec.md §6 event bus contract) as well as
// editor-driven config changes on disk.
type Reloader struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *log.Logger
	C       chan Config
}

// NewReloader starts watching loader's user file (if set) for writes and
// renames, the two events editors commonly produce when saving.
func NewReloader(loader *Loader, logger *log.Logger) (*Reloader, error) {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if loader.userPath != "" {
		if err := watcher.Add(loader.userPath); err != nil {
			logger.Printf("config: could not watch %s: %v", loader.userPath, err)
		}
	}
	r := &Reloader{loader: loader, watcher: watcher, logger: logger, C: make(chan Config, 1)}
	go r.run()
	return r, nil
}

func (r *Reloader) run() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Printf("config: watcher error: %v", err)
		}
	}
}

// Reload forces an immediate re-read, used by the operator "reload" request.
func (r *Reloader) Reload() { r.reload() }

func (r *Reloader) reload() {
	cfg, err := r.loader.Load()
	if err != nil {
		r.logger.Printf("config: reload failed: %v", err)
		return
	}
	select {
	case r.C <- cfg:
	default:
		// drain the stale value so the freshest config always wins
		select {
		case <-r.C:
		default:
		}
		r.C <- cfg
	}
}

// Close stops the underlying filesystem watch.
func (r *Reloader) Close() error {
	return r.watcher.Close()
}
