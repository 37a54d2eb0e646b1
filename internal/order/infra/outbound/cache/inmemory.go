package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/davicafu/orderflow/internal/shared/infra/clock"
	sharedCache "github.com/davicafu/orderflow/internal/shared/infra/platform/cache"
)

type cacheItem struct {
	value     []byte // bytes serializados, igual que Redis
	expiresAt time.Time
}

// InMemoryCache es la alternativa a Redis en un solo proceso.
// SetNX es atómico bajo el mismo mutex, así que también sirve para deduplicar entregas.
type InMemoryCache struct {
	store      map[string]cacheItem
	mu         sync.RWMutex
	defaultTTL time.Duration
	clock      clock.Clock
	stopOnce   sync.Once
	stopChan   chan struct{}
}

var _ sharedCache.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache arranca la limpieza periódica; llamar a Stop al apagar.
func NewInMemoryCache(defaultTTL, cleanupInterval time.Duration, clk clock.Clock) *InMemoryCache {
	if clk == nil {
		clk = clock.NewSystem()
	}
	c := &InMemoryCache{
		store:      make(map[string]cacheItem),
		defaultTTL: defaultTTL,
		clock:      clk,
		stopChan:   make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.store[key]
	if !ok || c.expired(item) {
		return false, nil
	}

	if err := json.Unmarshal(item.value, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, val interface{}, ttlSecs int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.store[key] = c.newItem(data, ttlSecs)
	return nil
}

func (c *InMemoryCache) SetNX(ctx context.Context, key string, val interface{}, ttlSecs int) (bool, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.store[key]; ok && !c.expired(item) {
		return false, nil
	}
	c.store[key] = c.newItem(data, ttlSecs)
	return true, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.store, key)
	return nil
}

// Stop detiene la goroutine de limpieza. Es seguro llamarlo más de una vez.
func (c *InMemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *InMemoryCache) newItem(data []byte, ttlSecs int) cacheItem {
	ttl := c.defaultTTL
	if ttlSecs > 0 {
		ttl = time.Duration(ttlSecs) * time.Second
	}
	return cacheItem{value: data, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *InMemoryCache) expired(item cacheItem) bool {
	return c.clock.Now().After(item.expiresAt)
}

func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for key, item := range c.store {
				if c.expired(item) {
					delete(c.store, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
