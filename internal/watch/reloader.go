// Package watch reloads the phasegate runtime when its config files change.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/workflow"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Loader builds a fresh runtime from the files on disk.
type Loader func() (*workflow.Runtime, error)

// Swapper receives each successfully loaded runtime.
type Swapper interface {
	Swap(rt *workflow.Runtime) *workflow.Runtime
}

type Options struct {
	// Paths lists the watched files or directories. Changes to anything
	// else in their parent directories are ignored.
	Paths    []string
	Debounce time.Duration
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Reloader replaces the runtime wholesale on change. A load that fails
// keeps the previous runtime in place.
type Reloader struct {
	load    Loader
	target  Swapper
	paths   map[string]bool
	dirs    map[string]bool
	opts    Options
	log     *logging.Logger
	flight  singleflight.Group
	mu      sync.Mutex
	pending *time.Timer
}

func New(load Loader, target Swapper, opts Options) (*Reloader, error) {
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("watch: no paths")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	r := &Reloader{
		load:   load,
		target: target,
		paths:  make(map[string]bool),
		dirs:   make(map[string]bool),
		opts:   opts,
		log:    log.With("watch"),
	}
	for _, p := range opts.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
		r.paths[abs] = true
		if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
			r.dirs[abs] = true
		} else {
			r.dirs[filepath.Dir(abs)] = true
		}
	}
	return r, nil
}

// Reload loads and installs a new runtime now. Concurrent calls share one
// load.
func (r *Reloader) Reload() error {
	_, err, _ := r.flight.Do("reload", func() (any, error) {
		rt, err := r.load()
		if err != nil {
			r.opts.Metrics.RecordConfigReload("failure")
			r.log.Errorf("reload failed, keeping current config: %v", err)
			r.publish(map[string]any{"status": "failure", "error": err.Error()})
			return nil, err
		}
		r.target.Swap(rt)
		r.opts.Metrics.RecordConfigReload("success")
		r.log.Infof("config reloaded (%d policies)", len(rt.Policies.Policies()))
		r.publish(map[string]any{"status": "success", "policies": len(rt.Policies.Policies())})
		return nil, nil
	})
	return err
}

func (r *Reloader) publish(data map[string]any) {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(events.EventReload, "", data)
	}
}

// Run watches until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for dir := range r.dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		r.log.Debugf("watching %s", dir)
	}
	defer r.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event) {
				continue
			}
			r.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			r.schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Errorf("fsnotify error=%v", err)
		}
	}
}

func (r *Reloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if r.paths[name] {
		return true
	}
	// Files inside a watched directory, e.g. a policies dir.
	return r.paths[filepath.Dir(name)]
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(r.opts.Debounce, func() {
		_ = r.Reload()
	})
}

func (r *Reloader) stopPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}
