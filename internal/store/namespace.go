package store

import "context"

// Namespaced prefixes every key of an underlying store, so several
// workspaces can share one backend without their scenario keys colliding.
type Namespaced struct {
	inner  Store
	prefix string
}

// WithNamespace returns a view of inner whose keys live under ns.
func WithNamespace(inner Store, ns string) *Namespaced {
	return &Namespaced{inner: inner, prefix: ns + "/"}
}

// Key returns the underlying key for key.
func (s *Namespaced) Key(key string) string { return s.prefix + key }

func (s *Namespaced) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, s.Key(key))
}

func (s *Namespaced) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.Key(key), value)
}

func (s *Namespaced) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.Key(key))
}
