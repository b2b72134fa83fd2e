package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// Cache owns the loaded model handles of the process, keyed by model file.
// The first Open of a file loads it; later opens share the handle on the
// next context slot.
type Cache struct {
	loader Loader
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*cacheEntry
	closed  bool
}

type cacheEntry struct {
	model Model
	slots int
}

func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, entries: make(map[string]*cacheEntry)}
}

// Open returns the next context slot for file, loading it on first use.
// Slots are numbered from 1.
func (c *Cache) Open(ctx context.Context, file string) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrCacheClosed
	}
	if e, ok := c.entries[file]; ok && e.model != nil {
		e.slots++
		slot := e.slots
		c.mu.Unlock()
		return slot, nil
	}
	c.mu.Unlock()

	if _, err := c.load(ctx, file); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[file]
	e.slots++
	return e.slots, nil
}

func (c *Cache) load(ctx context.Context, file string) (Model, error) {
	v, err, _ := c.group.Do(file, func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries[file]; ok && e.model != nil {
			c.mu.Unlock()
			return e.model, nil
		}
		c.mu.Unlock()

		m, err := c.loader.Load(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", file, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[file]
		if !ok {
			e = &cacheEntry{}
			c.entries[file] = e
		}
		e.model = m
		logger.InfoCF("session", "Model loaded", map[string]interface{}{"file": file})
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

// Model returns the current handle for file.
func (c *Cache) Model(file string) (Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[file]
	if !ok || e.model == nil {
		return nil, false
	}
	return e.model, true
}

// Reload disposes the handle for file and loads a fresh one. Every slot
// opened on file sees the new handle.
func (c *Cache) Reload(ctx context.Context, file string) error {
	c.mu.Lock()
	e, ok := c.entries[file]
	var old Model
	if ok {
		old = e.model
		e.model = nil
	}
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.WarnCF("session", "Dispose model failed", map[string]interface{}{"file": file, "error": err.Error()})
		}
	}
	_, err := c.load(ctx, file)
	return err
}

// Files lists the loaded model files.
func (c *Cache) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	files := make([]string, 0, len(c.entries))
	for f := range c.entries {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Close disposes every handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.closed = true
	c.mu.Unlock()

	var err error
	for file, e := range entries {
		if e.model == nil {
			continue
		}
		if cerr := e.model.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close model %s: %w", file, cerr))
		}
	}
	return err
}
