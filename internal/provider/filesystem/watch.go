package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/unisearch/internal/provider"
)

// change is the coalesced state of one path inside the debounce window.
type change int

const (
	changeWrite change = iota
	changeRemove
)

// debouncer merges bursts of events per path. The last event wins, except
// that a file created and removed within one window produces nothing.
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]change
	created map[string]bool
	timer   *time.Timer
	out     chan map[string]change
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]change),
		created: make(map[string]bool),
		out:     make(chan map[string]change, 16),
	}
}

func (d *debouncer) add(path string, c change, isCreate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if _, seen := d.pending[path]; !seen && isCreate {
		d.created[path] = true
	}
	if c == changeRemove && d.created[path] {
		delete(d.pending, path)
		delete(d.created, path)
	} else {
		d.pending[path] = c
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}
	batch := d.pending
	d.pending = make(map[string]change)
	d.created = make(map[string]bool)
	select {
	case d.out <- batch:
	default:
		slog.Warn("filesystem_watch_batch_dropped", slog.Int("paths", len(batch)))
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}

// Watch streams file changes under the root until ctx ends. New
// directories are watched as they appear.
func (a *Adapter) Watch(ctx context.Context) (<-chan provider.RawRecord, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := a.watchTree(fw, a.root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	deb := newDebouncer(a.window)
	out := make(chan provider.RawRecord, 64)

	go func() {
		defer deb.stop()
		defer func() { _ = fw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				a.observe(fw, deb, ev)
			case werr, ok := <-fw.Errors:
				if !ok {
					return
				}
				a.logger.Warn("filesystem_watch_error", slog.String("source", a.name), slog.String("error", werr.Error()))
			}
		}
	}()

	go func() {
		defer close(out)
		for batch := range deb.out {
			for _, rec := range a.resolve(batch) {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	a.logger.Info("filesystem_watch_started", slog.String("source", a.name), slog.String("root", a.root))
	return out, nil
}

func (a *Adapter) watchTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := a.relative(p); ok && a.ignore.match(rel, true) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (a *Adapter) observe(fw *fsnotify.Watcher, deb *debouncer, ev fsnotify.Event) {
	rel, ok := a.relative(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		deb.add(rel, changeRemove, false)
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if a.ignore.match(rel, true) {
				return
			}
			if err := a.watchTree(fw, ev.Name); err != nil {
				a.logger.Warn("filesystem_watch_add_failed", slog.String("path", rel), slog.String("error", err.Error()))
			}
			// Files written before the watch was added.
			_ = filepath.WalkDir(ev.Name, func(p string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					if r, ok := a.relative(p); ok {
						deb.add(r, changeWrite, true)
					}
				}
				return nil
			})
			return
		}
		deb.add(rel, changeWrite, true)
	case ev.Has(fsnotify.Write):
		deb.add(rel, changeWrite, false)
	}
}

// resolve turns a debounced batch into records. Writes are re-read from
// disk; a path that vanished meanwhile becomes a deletion.
func (a *Adapter) resolve(batch map[string]change) []provider.RawRecord {
	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []provider.RawRecord
	for _, rel := range paths {
		if batch[rel] == changeRemove {
			if a.exts[extOf(rel)] {
				out = append(out, provider.RawRecord{ID: rel, Deleted: true})
			}
			continue
		}
		if !a.wanted(rel) {
			continue
		}
		abs := filepath.Join(a.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			out = append(out, provider.RawRecord{ID: rel, Deleted: true})
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}
		rec, err := a.read(abs, rel)
		if err != nil {
			a.logger.Warn("filesystem_read_failed", slog.String("path", rel), slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out
}
