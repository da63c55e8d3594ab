package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/cryostat/internal/config"
)

type fileDoc struct {
	Loops map[string]config.LoopConfig `yaml:"loops"`
}

// cachedDoc is a parsed file tagged with the change generation it was read
// under.
type cachedDoc struct {
	doc *fileDoc
	gen uint64
}

type statusDoc struct {
	Status map[string]string `yaml:"status"`
}

// File keeps loop records in a YAML document that operators may edit by
// hand. Parsed contents are cached until the file changes on disk. Status
// strings go to a sibling .status.yaml file so that engine writes never
// race an operator's editor.
type File struct {
	path       string
	statusPath string
	logger     *zap.Logger

	mu      sync.Mutex
	status  map[string]string
	cache   atomic.Pointer[cachedDoc]
	gen     atomic.Uint64
	watcher *fsnotify.Watcher
	closed  bool
}

func NewFile(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f := &File{
		path:       path,
		statusPath: strings.TrimSuffix(path, filepath.Ext(path)) + ".status.yaml",
		logger:     logger,
		status:     make(map[string]string),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := f.save(&fileDoc{Loops: map[string]config.LoopConfig{}}); err != nil {
			return nil, err
		}
	}
	if data, err := os.ReadFile(f.statusPath); err == nil {
		var doc statusDoc
		if err := yaml.Unmarshal(data, &doc); err == nil && doc.Status != nil {
			f.status = doc.Status
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	// editors replace files by rename, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("store: watch %q: %w", path, err)
	}
	f.watcher = w
	go f.watch()

	return f, nil
}

func (f *File) watch() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			f.invalidate()
			f.logger.Debug("loop config file changed", zap.String("op", ev.Op.String()))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.invalidate()
			f.logger.Warn("loop config watcher failed", zap.Error(err))
		}
	}
}

func (f *File) invalidate() {
	f.gen.Add(1)
	f.cache.Store(nil)
}

// load returns the cached document unless the file changed since it was
// read. A document read before a change lands is served once and never
// reused.
func (f *File) load() (*fileDoc, error) {
	gen := f.gen.Load()
	if c := f.cache.Load(); c != nil && c.gen == gen {
		return c.doc, nil
	}
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	f.cache.Store(&cachedDoc{doc: doc, gen: gen})
	return doc, nil
}

func (f *File) read() (*fileDoc, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	doc := &fileDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", f.path, err)
	}
	if doc.Loops == nil {
		doc.Loops = map[string]config.LoopConfig{}
	}
	return doc, nil
}

func (f *File) save(doc *fileDoc) error {
	return writeYAML(f.path, doc)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *File) ReadLoopConfig(ctx context.Context, id string) (config.LoopConfig, error) {
	doc, err := f.load()
	if err != nil {
		return config.LoopConfig{}, err
	}
	cfg, ok := doc.Loops[id]
	if !ok {
		return config.LoopConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg, nil
}

func (f *File) WriteLoopConfig(ctx context.Context, id string, cfg config.LoopConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	// always start from disk so a concurrent hand edit is not lost
	doc, err := f.read()
	if err != nil {
		return err
	}
	loops := make(map[string]config.LoopConfig, len(doc.Loops)+1)
	for k, v := range doc.Loops {
		loops[k] = v
	}
	loops[id] = cfg
	next := &fileDoc{Loops: loops}
	gen := f.gen.Load()
	if err := f.save(next); err != nil {
		return err
	}
	f.cache.Store(&cachedDoc{doc: next, gen: gen})
	return nil
}

func (f *File) WriteLoopStatus(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.status[id] = status
	return writeYAML(f.statusPath, statusDoc{Status: f.status})
}

func (f *File) LoopStatus(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (f *File) List(ctx context.Context) ([]string, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.Loops))
	for id := range doc.Loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.watcher.Close()
}
