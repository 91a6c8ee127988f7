package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultProfileCapacity はProfileCacheの既定の最大エントリ数。
const DefaultProfileCapacity = 100

// EvictionPolicy は容量超過時にどのエントリを追い出すかを表す。
type EvictionPolicy int

const (
	// EvictInsertionOrder は最初に挿入されたエントリから追い出す。参照しても順序は変わらない。
	EvictInsertionOrder EvictionPolicy = iota
	// EvictLeastRecentlyUsed は最も長く参照されていないエントリから追い出す。
	EvictLeastRecentlyUsed
)

// ParseEvictionPolicy は設定値の文字列をEvictionPolicyに変換する。
func ParseEvictionPolicy(s string) (EvictionPolicy, bool) {
	switch s {
	case "", "insertion":
		return EvictInsertionOrder, true
	case "lru":
		return EvictLeastRecentlyUsed, true
	}
	return EvictInsertionOrder, false
}

// WithPolicy はProfileCacheの追い出し方式を指定する。
func WithPolicy(p EvictionPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

type profileNode[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	prev      *profileNode[V]
	next      *profileNode[V]
}

// ProfileCache は最大エントリ数とTTLを持つキャッシュ。
// 有効期限は追い出しとは独立に判定する。
// エントリはheadの直後が最新、tailの直前が次に追い出される位置となる双方向リストで管理する。
type ProfileCache[V any] struct {
	mu       sync.Mutex
	name     string
	capacity int
	ttl      time.Duration
	policy   EvictionPolicy
	items    map[string]*profileNode[V]
	head     *profileNode[V]
	tail     *profileNode[V]
	now      func() time.Time
	metrics  Recorder
}

// NewProfileCache はProfileCacheの新しいインスタンスを生成する。
func NewProfileCache[V any](name string, capacity int, ttl time.Duration, metrics Recorder, opts ...Option) *ProfileCache[V] {
	if capacity <= 0 {
		capacity = DefaultProfileCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := buildOptions(opts)

	c := &ProfileCache[V]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		policy:   o.policy,
		items:    make(map[string]*profileNode[V], capacity),
		head:     &profileNode[V]{},
		tail:     &profileNode[V]{},
		now:      o.now,
		metrics:  metrics,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get は有効期限内のエントリを返す。
// LRU方式の場合、見つかったエントリは最新の位置へ移動する。
func (c *ProfileCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if ok && !c.now().Before(n.expiresAt) {
		c.unlink(n)
		ok = false
	}
	c.metrics.RecordCacheLookup(c.name, ok)
	if !ok {
		var zero V
		return zero, false
	}
	if c.policy == EvictLeastRecentlyUsed {
		c.unlink(n)
		c.pushFront(n)
	}
	return n.value, true
}

// Set はエントリを保存し、容量を超えた分を追い出す。
// 既存キーの更新は、挿入順方式では位置を変えず、LRU方式では最新の位置へ移動する。
func (c *ProfileCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if n, ok := c.items[key]; ok {
		n.value = value
		n.expiresAt = expiresAt
		if c.policy == EvictLeastRecentlyUsed {
			c.unlink(n)
			c.pushFront(n)
		}
		return
	}

	n := &profileNode[V]{key: key, value: value, expiresAt: expiresAt}
	c.pushFront(n)
	for len(c.items) > c.capacity {
		c.unlink(c.tail.prev)
		c.metrics.RecordCacheEviction(c.name)
	}
}

// Delete はエントリを削除する。
func (c *ProfileCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[key]; ok {
		c.unlink(n)
	}
}

// GetOrLoad はキャッシュにあればその値を、無ければloaderで読み込んで保存した値を返す。
// loaderがエラーを返した場合は保存しない。
func (c *ProfileCache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
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

// Len は保存中のエントリ数を返す。
func (c *ProfileCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys は追い出し順の逆順（最新から古い順）でキーを返す。
func (c *ProfileCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for n := c.head.next; n != c.tail; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Sweep は期限切れのエントリを削除し、削除件数を返す。
func (c *ProfileCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for n := c.head.next; n != c.tail; {
		next := n.next
		if !now.Before(n.expiresAt) {
			c.unlink(n)
			removed++
		}
		n = next
	}
	return removed
}

// Name はメトリクスのラベルに使うキャッシュ名を返す。
func (c *ProfileCache[V]) Name() string {
	return c.name
}

func (c *ProfileCache[V]) pushFront(n *profileNode[V]) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
	c.items[n.key] = n
}

func (c *ProfileCache[V]) unlink(n *profileNode[V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
	delete(c.items, n.key)
}
