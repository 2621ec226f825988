// Package zonefile is a hot-reloadable file-backed override cache for
// zone and group membership, consulted when internal/store is
// unreachable so aggregation and alerting degrade gracefully rather
// than stalling. One fsnotify watcher, debounced reload, atomic status.
package zonefile

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Overrides is the on-disk shape: zone -> device ids, group -> user ids.
type Overrides struct {
	Zones  map[string][]string `json:"zones"`
	Groups map[string][]string `json:"groups"`
}

// Cache serves the most recently loaded Overrides, reloading whenever
// the backing file changes.
type Cache struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	data Overrides

	watcher *fsnotify.Watcher
	status  atomic.Value // string: "loaded", "stale", "unavailable"

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New loads path once synchronously (best-effort: a missing or invalid
// file yields an empty cache rather than an error, matching the
// degrade-don't-fail posture this package exists for).
func New(path string, log zerolog.Logger) *Cache {
	c := &Cache{path: path, log: log.With().Str("component", "zonefile").Logger()}
	c.status.Store("unavailable")
	c.reload()
	return c
}

// Start begins watching the backing file for changes. Safe to call even
// if the file does not yet exist (fsnotify.Add on its parent directory).
func (c *Cache) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = w

	dir := dirOf(c.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go c.watchLoop()
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (c *Cache) watchLoop() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name != c.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c.scheduleReload()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn().Err(err).Msg("fsnotify error watching zone override file")
		}
	}
}

// scheduleReload debounces rapid writes by 300ms.
func (c *Cache) scheduleReload() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(300*time.Millisecond, c.reload)
}

func (c *Cache) reload() {
	// A failed load leaves "unavailable" in place until a load has succeeded.
	failed := func() {
		if c.Status() != "unavailable" {
			c.status.Store("stale")
		}
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		failed()
		return
	}

	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("invalid zone override file, keeping prior data")
		failed()
		return
	}

	c.mu.Lock()
	c.data = o
	c.mu.Unlock()
	c.status.Store("loaded")
	c.log.Info().Int("zones", len(o.Zones)).Int("groups", len(o.Groups)).Msg("zone override file reloaded")
}

// Status reports "loaded", "stale" (last load failed, serving prior
// data), or "unavailable" (never successfully loaded).
func (c *Cache) Status() string {
	s, _ := c.status.Load().(string)
	return s
}

// DevicesInZone returns the override device list for zoneID, if any.
func (c *Cache) DevicesInZone(zoneID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.data.Zones[zoneID]
	return ids, ok
}

// UsersInGroup returns the override member list for groupID, if any.
func (c *Cache) UsersInGroup(groupID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.data.Groups[groupID]
	return ids, ok
}

// Stop closes the underlying fsnotify watcher.
func (c *Cache) Stop() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}
