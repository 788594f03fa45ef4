package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"clubapi/internal/metrics"
	"clubapi/internal/store"
)

// studentCache stores students under their application number. Lookups by
// any other key go through aliases, which map a key's String form to the
// application number the store resolved it to. Aliases are dropped when
// the student they point at leaves the cache.
type studentCache struct {
	lru   *expirable.LRU[int64, store.Student]
	group singleflight.Group
	log   *zap.Logger

	mu      sync.Mutex
	aliases map[string]int64
	owned   map[int64][]string
}

func newStudentCache(p Policy, log *zap.Logger) *studentCache {
	c := &studentCache{
		log:     log,
		aliases: make(map[string]int64),
		owned:   make(map[int64][]string),
	}
	c.lru = expirable.NewLRU[int64, store.Student](p.Size, c.evicted, p.TTL)
	return c
}

// lookup resolves key against the cache. An untyped number is first tried
// as an application number, matching the store's resolution order.
func (c *studentCache) lookup(key store.StudentKey) (store.Student, bool) {
	if key.Kind == store.ByApplication || key.Kind == store.ByNumber {
		if s, ok := c.lru.Get(key.Number); ok {
			return s, true
		}
		if key.Kind == store.ByApplication {
			return store.Student{}, false
		}
	}
	c.mu.Lock()
	app, ok := c.aliases[key.String()]
	c.mu.Unlock()
	if !ok {
		return store.Student{}, false
	}
	return c.lru.Get(app)
}

func (c *studentCache) get(ctx context.Context, key store.StudentKey, load func(context.Context) (store.Student, error)) (store.Student, error) {
	if s, ok := c.lookup(key); ok {
		metrics.CacheLookups.WithLabelValues("student", "hit").Inc()
		c.log.Debug("cache hit", zap.String("kind", "student"), zap.Stringer("key", key))
		return s.Clone(), nil
	}
	res, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.load(ctx, key, load)
	})
	if err != nil {
		return store.Student{}, err
	}
	return res.(store.Student).Clone(), nil
}

func (c *studentCache) fetch(ctx context.Context, key store.StudentKey, load func(context.Context) (store.Student, error)) (store.Student, error) {
	s, err := c.load(ctx, key, load)
	if err != nil {
		return store.Student{}, err
	}
	return s.Clone(), nil
}

func (c *studentCache) load(ctx context.Context, key store.StudentKey, load func(context.Context) (store.Student, error)) (store.Student, error) {
	s, err := load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues("student", "not_found").Inc()
			return store.Student{}, err
		}
		metrics.CacheLookups.WithLabelValues("student", "error").Inc()
		return store.Student{}, fmt.Errorf("load student %s: %w", key, err)
	}
	metrics.CacheLookups.WithLabelValues("student", "miss").Inc()
	c.log.Debug("cache miss", zap.String("kind", "student"), zap.Stringer("key", key))
	c.put(key, s)
	return s, nil
}

// put stores s and records every alias it can be reached by. The LRU is
// never called with mu held because its eviction callback takes mu.
func (c *studentCache) put(key store.StudentKey, s store.Student) {
	c.lru.Add(s.ApplicationNumber, s.Clone())

	aliases := []string{store.RegistrationKey(s.RegistrationNumber).String()}
	if s.Email != "" {
		aliases = append(aliases, store.EmailKey(s.Email).String())
	}
	if key.Kind == store.ByNumber && key.Number != s.ApplicationNumber {
		aliases = append(aliases, strconv.FormatInt(key.Number, 10))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range aliases {
		if prev, ok := c.aliases[a]; ok && prev == s.ApplicationNumber {
			continue
		}
		c.aliases[a] = s.ApplicationNumber
		c.owned[s.ApplicationNumber] = append(c.owned[s.ApplicationNumber], a)
	}
}

func (c *studentCache) evicted(app int64, _ store.Student) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.owned[app] {
		if c.aliases[a] == app {
			delete(c.aliases, a)
		}
	}
	delete(c.owned, app)
}

func (c *studentCache) aliasCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aliases)
}
