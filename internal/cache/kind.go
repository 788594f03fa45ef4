package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"clubapi/internal/metrics"
	"clubapi/internal/store"
)

// kind is the cache of one entity type. Values are cloned on the way in
// and on the way out so callers never share memory with a cached entry.
type kind[K comparable, V any] struct {
	name  string
	lru   *expirable.LRU[K, V]
	clone func(V) V
	group singleflight.Group
	log   *zap.Logger
}

func newKind[K comparable, V any](name string, p Policy, clone func(V) V, log *zap.Logger) *kind[K, V] {
	return &kind[K, V]{
		name:  name,
		lru:   expirable.NewLRU[K, V](p.Size, nil, p.TTL),
		clone: clone,
		log:   log,
	}
}

// get is read-through. Concurrent misses for the same flight key share one
// store read.
func (k *kind[K, V]) get(ctx context.Context, key K, flight string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := k.lru.Get(key); ok {
		metrics.CacheLookups.WithLabelValues(k.name, "hit").Inc()
		k.log.Debug("cache hit", zap.String("kind", k.name), zap.Any("key", key))
		return k.clone(v), nil
	}
	res, err, _ := k.group.Do(flight, func() (any, error) {
		return k.load(ctx, key, load)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return k.clone(res.(V)), nil
}

// fetch always reads the store and replaces the cached entry.
func (k *kind[K, V]) fetch(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	v, err := k.load(ctx, key, load)
	if err != nil {
		return v, err
	}
	return k.clone(v), nil
}

func (k *kind[K, V]) load(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	v, err := load(ctx)
	if err != nil {
		var zero V
		if errors.Is(err, store.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues(k.name, "not_found").Inc()
			return zero, err
		}
		metrics.CacheLookups.WithLabelValues(k.name, "error").Inc()
		return zero, fmt.Errorf("load %s %v: %w", k.name, key, err)
	}
	metrics.CacheLookups.WithLabelValues(k.name, "miss").Inc()
	k.log.Debug("cache miss", zap.String("kind", k.name), zap.Any("key", key))
	k.put(key, v)
	return v, nil
}

func (k *kind[K, V]) put(key K, v V) {
	k.lru.Add(key, k.clone(v))
}

func (k *kind[K, V]) values() []V {
	vals := k.lru.Values()
	out := make([]V, 0, len(vals))
	for _, v := range vals {
		out = append(out, k.clone(v))
	}
	return out
}
