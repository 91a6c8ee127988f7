package cache

import "context"

// LoadingCache はGetOrLoadを持つキャッシュ。TTLCacheとProfileCacheが満たす。
type LoadingCache[V any] interface {
	GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error)
	Delete(key string)
}

// Lookup はリポジトリのFindByIDをキャッシュ越しに呼び出すアダプタ。
// 見つからなかった結果（nil）もTTLの間は保存する。
type Lookup[V any] struct {
	cache LoadingCache[V]
	load  Loader[V]
}

// NewLookup はLookupの新しいインスタンスを生成する。
func NewLookup[V any](cache LoadingCache[V], load Loader[V]) *Lookup[V] {
	return &Lookup[V]{cache: cache, load: load}
}

// FindByID はキャッシュを経由して値を取得する。
func (l *Lookup[V]) FindByID(ctx context.Context, id string) (V, error) {
	return l.cache.GetOrLoad(ctx, id, l.load)
}

// Invalidate はキャッシュ済みの値を破棄する。
func (l *Lookup[V]) Invalidate(id string) {
	l.cache.Delete(id)
}
