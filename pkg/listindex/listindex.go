// Package listindex aggregates several range indexes, one per configured list file,
// and answers "is this address in any list" queries.
package listindex

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gtriggiano/netwatchz/pkg/rangeindex"
)

// reloadDelay lets a writer finish before the file is re-read.
const reloadDelay = 100 * time.Millisecond

// ReloadObserver is notified after every reload attempt of a member list.
type ReloadObserver func(path string, ranges int, err error)

// Set is a fixed collection of list indexes. Lists that fail to load stay empty and
// never match until a later reload succeeds.
type Set struct {
	indexes  []*rangeindex.Index
	byPath   map[string]*rangeindex.Index
	logger   *zap.Logger
	observer ReloadObserver
}

// Option customizes a Set.
type Option func(*Set)

// WithReloadObserver registers a callback invoked after each reload attempt.
func WithReloadObserver(fn ReloadObserver) Option {
	return func(s *Set) {
		s.observer = fn
	}
}

// New builds a set over the given list files and loads each of them. Individual load
// failures are logged and leave that list out of matching.
func New(paths []string, logger *zap.Logger, opts ...Option) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Set{
		byPath: make(map[string]*rangeindex.Index, len(paths)),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if _, dup := s.byPath[abs]; dup {
			continue
		}
		idx := rangeindex.New(abs)
		s.indexes = append(s.indexes, idx)
		s.byPath[abs] = idx
	}

	s.ReloadAll()
	return s
}

// IsInAny reports whether ip is contained in any loaded list.
func (s *Set) IsInAny(ip string) bool {
	for _, idx := range s.indexes {
		if idx.Contains(ip) {
			return true
		}
	}
	return false
}

// Matching returns the paths of every list containing ip.
func (s *Set) Matching(ip string) []string {
	var out []string
	for _, idx := range s.indexes {
		if idx.Contains(ip) {
			out = append(out, idx.Path())
		}
	}
	return out
}

// ReloadAll re-reads every member list and returns how many loaded successfully.
// A list that fails keeps its previous snapshot.
func (s *Set) ReloadAll() int {
	loaded := 0
	for _, idx := range s.indexes {
		if s.reload(idx) == nil {
			loaded++
		}
	}
	return loaded
}

// Reload re-reads the member list stored at path.
func (s *Set) Reload(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	idx, ok := s.byPath[abs]
	if !ok {
		return fmt.Errorf("list %s is not part of the set", path)
	}
	return s.reload(idx)
}

// Paths returns the member list files.
func (s *Set) Paths() []string {
	out := make([]string, 0, len(s.indexes))
	for _, idx := range s.indexes {
		out = append(out, idx.Path())
	}
	return out
}

// Len returns the number of member lists, loaded or not.
func (s *Set) Len() int {
	return len(s.indexes)
}

// Loaded returns the number of member lists with an active snapshot.
func (s *Set) Loaded() int {
	n := 0
	for _, idx := range s.indexes {
		if idx.Loaded() {
			n++
		}
	}
	return n
}

func (s *Set) reload(idx *rangeindex.Index) error {
	err := idx.Reload()
	if err != nil {
		s.logger.Warn("could not load ip list", zap.String("list", idx.Path()), zap.Error(err))
	} else {
		s.logger.Debug("ip list loaded", zap.String("list", idx.Path()), zap.Int("ranges", idx.Len()))
	}
	if s.observer != nil {
		s.observer(idx.Path(), idx.Len(), err)
	}
	return err
}

// Watch reloads member lists when their files are written or replaced. It watches the
// parent directories so atomic renames are observed, and returns once ctx is done.
func (s *Set) Watch(ctx context.Context) error {
	if len(s.indexes) == 0 {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create list watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for path := range s.byPath {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("could not watch list directory %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			idx, ok := s.byPath[filepath.Clean(event.Name)]
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reloadDelay):
			}
			if s.reload(idx) == nil {
				s.logger.Info("ip list reloaded", zap.String("list", idx.Path()), zap.Int("ranges", idx.Len()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("list watcher error", zap.Error(err))
		}
	}
}
