package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msgcode/msgcode/internal/observability"
)

// Cache memoizes per-workspace configs. Entries are dropped when a
// caller writes through the store and when fsnotify reports an external
// edit of a watched config.json, so hand edits take effect without a
// daemon restart.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Workspace

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *observability.Logger
}

// NewCache creates an empty cache. Call StartWatching to enable
// external-edit invalidation.
func NewCache(logger *observability.Logger) *Cache {
	return &Cache{entries: map[string]*Workspace{}, logger: logger}
}

// Get returns the cached config for workspace, loading it on miss.
// The containing .msgcode directory is added to the watch set.
func (c *Cache) Get(workspace string) (*Workspace, error) {
	c.mu.Lock()
	if w, ok := c.entries[workspace]; ok {
		c.mu.Unlock()
		return w, nil
	}
	c.mu.Unlock()

	w, err := LoadWorkspace(workspace)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[workspace] = w
	watcher := c.watcher
	c.mu.Unlock()

	if watcher != nil {
		// Watch the directory, not the file: editors replace files.
		_ = watcher.Add(WorkspaceDotDir(workspace))
	}
	return w, nil
}

// Invalidate drops the cached entry for workspace.
func (c *Cache) Invalidate(workspace string) {
	c.mu.Lock()
	delete(c.entries, workspace)
	c.mu.Unlock()
}

// Mutate runs fn against the workspace config and invalidates the
// cache entry afterwards so the next Get observes the write.
func (c *Cache) Mutate(workspace string, fn func(*Workspace) error) error {
	w, err := c.Get(workspace)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	c.Invalidate(workspace)
	return nil
}

// StartWatching begins invalidating entries on external file edits.
func (c *Cache) StartWatching(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for workspace := range c.entries {
		_ = watcher.Add(WorkspaceDotDir(workspace))
	}

	c.wg.Add(1)
	go c.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher.
func (c *Cache) Close() error {
	c.mu.Lock()
	watcher := c.watcher
	c.watcher = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Cache) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "config.json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// event.Name = <workspace>/.msgcode/config.json
			workspace := filepath.Dir(filepath.Dir(event.Name))
			c.Invalidate(workspace)
			if c.logger != nil {
				c.logger.Debug(ctx, "workspace config reloaded after external edit", "workspace", workspace)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
