// Package cache is a bounded, lazily loading cache of closeable instances.
// Evicted instances are closed asynchronously, and a key is never loaded
// again while the close of its previous instance is still running.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-wave/internal/future"
	"github.com/i5heu/ouroboros-wave/pkg/clock"
)

var ErrStopped = errors.New("cache: stopped")

// Loader creates the instance for key.
type Loader[K comparable, V any] func(key K) (V, error)

// Closer starts the close of an instance and returns its completion.
type Closer[V any] func(v V) *future.Future[struct{}]

type Config struct {
	Name string
	// MaxEntries bounds the number of live instances. Zero means unbounded.
	MaxEntries int
	// ExpireAfterAccess evicts instances not accessed for this long. Zero
	// disables expiry.
	ExpireAfterAccess time.Duration
	// SweepInterval runs expiry in the background. Zero leaves expiry to
	// Get and Sweep.
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

type entry[K comparable, V any] struct {
	key        K
	ready      *future.Future[V]
	lastAccess time.Time
}

type Cache[K comparable, V any] struct {
	config  Config
	load    Loader[K, V]
	closeFn Closer[V]
	log     *slog.Logger

	mu      sync.Mutex
	lru     *list.List
	entries map[K]*list.Element
	closing map[K]*future.Future[struct{}]
	stopped bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New[K comparable, V any](config Config, load Loader[K, V], closer Closer[V]) *Cache[K, V] {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	c := &Cache[K, V]{
		config:  config,
		load:    load,
		closeFn: closer,
		log:     config.Logger.With(logKeyCache, config.Name),
		lru:     list.New(),
		entries: make(map[K]*list.Element),
		closing: make(map[K]*future.Future[struct{}]),
		stop:    make(chan struct{}),
	}
	if config.SweepInterval > 0 && config.ExpireAfterAccess > 0 {
		c.wg.Add(1)
		go c.janitor()
	}
	return c
}

// Get returns the instance for key and loads it on first access. If an
// earlier instance of key is still closing, Get waits for that close
// before loading.
func (c *Cache[K, V]) Get(key K) (V, error) {
	var zero V
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return zero, ErrStopped
		}
		evicted := c.expireLocked()

		if el, ok := c.entries[key]; ok {
			e := el.Value.(*entry[K, V])
			e.lastAccess = c.config.Clock.Now()
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			c.closeAll(evicted)
			return e.ready.Result()
		}

		if closing, ok := c.closing[key]; ok {
			c.mu.Unlock()
			c.closeAll(evicted)
			c.log.Debug("waiting for close before reload", logKeyKey, fmt.Sprint(key))
			_, _ = closing.Result()
			continue
		}

		e := &entry[K, V]{
			key:        key,
			ready:      future.New[V](),
			lastAccess: c.config.Clock.Now(),
		}
		el := c.lru.PushFront(e)
		c.entries[key] = el
		evicted = append(evicted, c.evictOverflowLocked()...)
		c.mu.Unlock()
		c.closeAll(evicted)

		v, err := c.load(key)
		if err != nil {
			c.mu.Lock()
			if cur, ok := c.entries[key]; ok && cur == el {
				c.lru.Remove(el)
				delete(c.entries, key)
			}
			c.mu.Unlock()
			c.log.Warn("load failed", logKeyKey, fmt.Sprint(key), logKeyError, err)
		}
		e.ready.Complete(v, err)
		return v, err
	}
}

// GetIfPresent returns a loaded instance without loading or touching it.
func (c *Cache[K, V]) GetIfPresent(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	el, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !e.ready.IsDone() {
		return zero, false
	}
	v, err := e.ready.Result()
	if err != nil {
		return zero, false
	}
	return v, true
}

// Close invalidates key and returns the completion of its close. The
// future is already complete when key is neither live nor closing.
func (c *Cache[K, V]) Close(key K) *future.Future[struct{}] {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		p := c.removeLocked(el)
		c.mu.Unlock()
		c.startClose(p)
		return p.done
	}
	closing, ok := c.closing[key]
	c.mu.Unlock()
	if ok {
		return closing
	}
	return future.Completed(struct{}{}, nil)
}

// CloseIf closes the loaded instance of key only if match accepts it. It
// reports whether a close was started. A key that was replaced by a newer
// instance in the meantime is left alone.
func (c *Cache[K, V]) CloseIf(key K, match func(V) bool) (*future.Future[struct{}], bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*entry[K, V])
	if !e.ready.IsDone() {
		c.mu.Unlock()
		return nil, false
	}
	if v, err := e.ready.Result(); err != nil || !match(v) {
		c.mu.Unlock()
		return nil, false
	}
	p := c.removeLocked(el)
	c.mu.Unlock()
	c.startClose(p)
	return p.done, true
}

// CloseAll closes every live instance and waits for all outstanding closes,
// each for at most grace.
func (c *Cache[K, V]) CloseAll(grace time.Duration) error {
	c.mu.Lock()
	var evicted []pendingClose[K, V]
	for c.lru.Len() > 0 {
		evicted = append(evicted, c.removeLocked(c.lru.Back()))
	}
	waits := make(map[K]*future.Future[struct{}], len(c.closing))
	for k, f := range c.closing {
		waits[k] = f
	}
	c.mu.Unlock()
	c.closeAll(evicted)

	var errs []error
	for k, f := range waits {
		if _, err := f.AwaitTimeout(grace); err != nil {
			c.log.Warn("close did not finish", logKeyKey, fmt.Sprint(k), logKeyError, err)
			errs = append(errs, fmt.Errorf("close %v: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Sweep evicts expired instances.
func (c *Cache[K, V]) Sweep() {
	c.mu.Lock()
	evicted := c.expireLocked()
	c.mu.Unlock()
	c.closeAll(evicted)
}

// Stop rejects further loads and ends the background sweep. Live instances
// stay open until CloseAll.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.stop)
	})
	c.wg.Wait()
}

// Len returns the number of live instances.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Closing reports whether a close of key is in flight.
func (c *Cache[K, V]) Closing(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.closing[key]
	return ok
}

func (c *Cache[K, V]) janitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
