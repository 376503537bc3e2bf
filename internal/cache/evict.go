package cache

import (
	"container/list"
	"fmt"

	"github.com/i5heu/ouroboros-wave/internal/future"
)

type pendingClose[K comparable, V any] struct {
	entry *entry[K, V]
	done  *future.Future[struct{}]
}

// removeLocked drops el from the cache and registers its close. Must be
// called with mu held.
func (c *Cache[K, V]) removeLocked(el *list.Element) pendingClose[K, V] {
	e := el.Value.(*entry[K, V])
	c.lru.Remove(el)
	delete(c.entries, e.key)
	p := pendingClose[K, V]{entry: e, done: future.New[struct{}]()}
	c.closing[e.key] = p.done
	return p
}

// evictOverflowLocked removes least recently used entries above the bound.
func (c *Cache[K, V]) evictOverflowLocked() []pendingClose[K, V] {
	if c.config.MaxEntries <= 0 {
		return nil
	}
	var out []pendingClose[K, V]
	for c.lru.Len() > c.config.MaxEntries {
		out = append(out, c.removeLocked(c.lru.Back()))
	}
	return out
}

// expireLocked removes entries not accessed within ExpireAfterAccess.
func (c *Cache[K, V]) expireLocked() []pendingClose[K, V] {
	if c.config.ExpireAfterAccess <= 0 {
		return nil
	}
	cutoff := c.config.Clock.Now().Add(-c.config.ExpireAfterAccess)
	var out []pendingClose[K, V]
	for el := c.lru.Back(); el != nil; el = c.lru.Back() {
		if el.Value.(*entry[K, V]).lastAccess.After(cutoff) {
			break
		}
		out = append(out, c.removeLocked(el))
	}
	return out
}

func (c *Cache[K, V]) closeAll(pending []pendingClose[K, V]) {
	for _, p := range pending {
		c.startClose(p)
	}
}

// startClose closes the instance once its load finished. The closing entry
// is removed before the future completes, so a waiter that wakes up finds
// the key free.
func (c *Cache[K, V]) startClose(p pendingClose[K, V]) {
	c.log.Debug("closing instance", logKeyKey, fmt.Sprint(p.entry.key))
	go func() {
		var err error
		if v, loadErr := p.entry.ready.Result(); loadErr == nil {
			_, err = c.closeFn(v).Result()
		}
		if err != nil {
			c.log.Error("close failed", logKeyKey, fmt.Sprint(p.entry.key), logKeyError, err)
		}

		c.mu.Lock()
		if c.closing[p.entry.key] == p.done {
			delete(c.closing, p.entry.key)
		}
		c.mu.Unlock()
		p.done.Complete(struct{}{}, err)
	}()
}
