// Package cache はフィード組み立てで使うクライアント側キャッシュを提供する。
// 店舗・メニュー用のTTLキャッシュ、プロフィール用の容量制限付きキャッシュ、
// 先頭ページのstale-while-revalidateキャッシュの3種類がある。
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL はエントリの既定の有効期間。
const DefaultTTL = 5 * time.Minute

// Recorder はキャッシュのメトリクス記録インターフェース。
type Recorder interface {
	RecordCacheLookup(cache string, hit bool)
	RecordCacheEviction(cache string)
}

// Loader はキャッシュミス時に値を読み込む関数。
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Option はキャッシュの生成オプション。
type Option func(*options)

type options struct {
	now    func() time.Time
	policy EvictionPolicy
}

// WithClock は有効期限の判定に使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, policy: EvictInsertionOrder}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache はエントリごとに有効期限を持つ容量無制限のキャッシュ。
// 期限切れのエントリは参照時に削除される。Sweepで一括削除もできる。
type TTLCache[V any] struct {
	mu      sync.Mutex
	name    string
	ttl     time.Duration
	entries map[string]ttlEntry[V]
	now     func() time.Time
	metrics Recorder
}

// NewTTLCache はTTLCacheの新しいインスタンスを生成する。
// nameはメトリクスのラベルに使う。
func NewTTLCache[V any](name string, ttl time.Duration, metrics Recorder, opts ...Option) *TTLCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := buildOptions(opts)
	return &TTLCache[V]{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]ttlEntry[V]),
		now:     o.now,
		metrics: metrics,
	}
}

// Get は有効期限内のエントリを返す。
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.metrics.RecordCacheLookup(c.name, ok)
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set はエントリを保存する。既存のエントリは有効期限ごと上書きされる。
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete はエントリを削除する。
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetOrLoad はキャッシュにあればその値を、無ければloaderで読み込んで保存した値を返す。
// loaderがエラーを返した場合は保存しない。
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := loader(ctx, key)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Len は保存中のエントリ数を返す。期限切れで未削除のものも含む。
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep は期限切れのエントリを削除し、削除件数を返す。
func (c *TTLCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Name はメトリクスのラベルに使うキャッシュ名を返す。
func (c *TTLCache[V]) Name() string {
	return c.name
}
