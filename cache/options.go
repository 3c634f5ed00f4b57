package cache

import "time"

// Options carries the per-write settings recognized by the manager and
// backends. Zero values mean "unset"; the manager applies defaults and
// jitter before the options reach a backend.
type Options struct {
	// TTL is the fresh duration. Subject to jitter at write time.
	TTL time.Duration
	// SWR is the additional duration during which an expired entry
	// remains usable while a refresh runs.
	SWR time.Duration
	// Tags register the entry for bulk invalidation.
	Tags []string
	// Dependencies are parent keys; registering them runs the cycle
	// check and enables cascade invalidation.
	Dependencies []string
	// Cost is an advisory weight for cost-aware eviction. Defaults to 1.
	Cost uint64
	// EarlyRefresh opts this entry into probabilistic early refresh, in
	// addition to the manager-wide setting.
	EarlyRefresh bool
	// Coalesce opts a GetOrCompute call into request coalescing.
	Coalesce bool
	// ETag is an opaque compatibility token carried through reads.
	ETag string
	// Negative marks the entry as a known-absent sentinel.
	Negative bool
	// IfVersion makes the write conditional: it succeeds only when the
	// existing entry's version equals this value.
	IfVersion *uint64
}

// Option configures a single write or lookup.
type Option func(*Options)

// ApplyOptions folds opts into a fresh Options value.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{Cost: 1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Clone returns a copy safe to mutate (defaults, jitter) without touching
// the caller's options.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{Cost: 1}
	}
	c := *o
	c.Tags = append([]string(nil), o.Tags...)
	c.Dependencies = append([]string(nil), o.Dependencies...)
	if o.IfVersion != nil {
		v := *o.IfVersion
		c.IfVersion = &v
	}
	return &c
}

// WithTTL sets the fresh duration.
func WithTTL(d time.Duration) Option {
	return func(o *Options) { o.TTL = d }
}

// WithSWR sets the stale-while-revalidate window.
func WithSWR(d time.Duration) Option {
	return func(o *Options) { o.SWR = d }
}

// WithTags adds tags for bulk invalidation.
func WithTags(tags ...string) Option {
	return func(o *Options) { o.Tags = append(o.Tags, tags...) }
}

// DependsOn declares parent keys this entry depends on.
func DependsOn(keys ...string) Option {
	return func(o *Options) { o.Dependencies = append(o.Dependencies, keys...) }
}

// WithCost sets the advisory eviction weight.
func WithCost(cost uint64) Option {
	return func(o *Options) { o.Cost = cost }
}

// WithEarlyRefresh opts the entry into probabilistic early refresh.
func WithEarlyRefresh() Option {
	return func(o *Options) { o.EarlyRefresh = true }
}

// WithCoalescing opts a GetOrCompute call into request coalescing.
func WithCoalescing() Option {
	return func(o *Options) { o.Coalesce = true }
}

// WithETag attaches an opaque compatibility token.
func WithETag(etag string) Option {
	return func(o *Options) { o.ETag = etag }
}

// AsNegative marks the entry as a known-absent sentinel.
func AsNegative() Option {
	return func(o *Options) { o.Negative = true }
}

// IfVersion makes the write conditional on the current entry version.
func IfVersion(v uint64) Option {
	return func(o *Options) { o.IfVersion = &v }
}
