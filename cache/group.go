package cache

import "context"

// Group is a logical view over a manager that prefixes keys with a
// namespace and tags every write with "group:<ns>", so the whole group
// can be invalidated in one call on tag-capable backends.
type Group struct {
	manager   *Manager
	namespace string
}

// Group creates a namespaced view of the manager.
func (m *Manager) Group(namespace string) *Group {
	return &Group{manager: m, namespace: namespace}
}

// Key returns the fully qualified key for this group.
func (g *Group) Key(key string) string {
	return g.namespace + ":" + key
}

// Tag returns the tag shared by every entry written through this group.
func (g *Group) Tag() string {
	return "group:" + g.namespace
}

// GroupGet retrieves a key from the group.
func GroupGet[T any](ctx context.Context, g *Group, key string) (Result[T], error) {
	return Get[T](ctx, g.manager, g.Key(key))
}

// GroupSet stores a value in the group, automatically adding the group
// tag.
func GroupSet[T any](ctx context.Context, g *Group, key string, value T, opts ...Option) error {
	opts = append(opts, WithTags(g.Tag()))
	return Set(ctx, g.manager, g.Key(key), value, opts...)
}

// GroupGetOrCompute runs the cache-aside pattern inside the group.
func GroupGetOrCompute[T any](ctx context.Context, g *Group, key string, producer func(context.Context) (T, error), opts ...Option) (Result[T], error) {
	opts = append(opts, WithTags(g.Tag()))
	return GetOrCompute(ctx, g.manager, g.Key(key), producer, opts...)
}

// Invalidate removes a single group key with cascade invalidation.
func (g *Group) Invalidate(ctx context.Context, key string) (int64, error) {
	return g.manager.Invalidate(ctx, g.Key(key))
}

// InvalidateAll removes every entry in the group. Requires a tag-capable
// backend.
func (g *Group) InvalidateAll(ctx context.Context) (int64, error) {
	return g.manager.InvalidateByTag(ctx, g.Tag())
}

// Keys lists every key currently in the group. Requires a tag-capable
// backend.
func (g *Group) Keys(ctx context.Context) ([]string, error) {
	tb, ok := g.manager.backend.(TagBackend)
	if !ok {
		return nil, ErrUnsupported
	}
	return tb.KeysByTag(ctx, g.Tag())
}
