// Package cache implements the Multi-Tier Cache: an ordered stack of
// cachestore.Store tiers, fastest first, with promotion on hit, a
// process-local tag index, glob-pattern deletion, and
// single-flight-coalesced wrap/memoize helpers.
//
// Design Notes:
//   - Tier probing and promotion follow a fetch-with-fallback shape,
//     generalized from a fixed two-tier L1/L2 split to an arbitrary
//     tier list.
//   - wrap/memoize use golang.org/x/sync/singleflight rather than a
//     hand-rolled request coalescer, since the real package already
//     implements the "one resolver call per concurrent fingerprint"
//     contract directly.
package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/distcore/enginekit/cachestore"
)

// Options configure a single set call.
type Options struct {
	TTL  time.Duration
	Tags []string
}

// WrapOptions configure Wrap.
type WrapOptions struct {
	TTL     time.Duration
	Tags    []string
	Refresh bool
}

// MemoizeOptions configure Memoize.
type MemoizeOptions struct {
	TTL         time.Duration
	Tags        []string
	KeyResolver func(args ...any) string
}

// ErrNoTiers is returned by New when constructed with zero tiers.
var ErrNoTiers = errors.New("cache: at least one tier is required")

// Tier pairs a cachestore.Store with an optional per-tier TTL override.
type Tier struct {
	Store      cachestore.Store
	TTLOverride time.Duration // 0 means "use the value passed to Set"
}

// AuditRecorder receives one event per invalidation-affecting operation
// (delete, deletePattern, invalidateTags).
type AuditRecorder interface {
	RecordInvalidation(ctx context.Context, pattern string, keys []string, triggeredBy string)
}

// MultiTierCache is the C5 component.
type MultiTierCache struct {
	tiers      []Tier
	defaultTTL time.Duration
	tags       *tagIndex
	group      singleflight.Group
	audit      AuditRecorder
}

// New constructs a MultiTierCache over tiers (index 0 = fastest).
func New(tiers []Tier, defaultTTL time.Duration) (*MultiTierCache, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	return &MultiTierCache{
		tiers:      tiers,
		defaultTTL: defaultTTL,
		tags:       newTagIndex(),
	}, nil
}

// SetAuditRecorder attaches an audit sink for invalidation events.
func (c *MultiTierCache) SetAuditRecorder(a AuditRecorder) { c.audit = a }

// Get probes tiers in order and promotes a hit at index i>0 into every
// faster tier.
func (c *MultiTierCache) Get(key string) (any, bool) {
	for i, tier := range c.tiers {
		entry, ok := tier.Store.Get(key)
		if !ok {
			continue
		}
		if i > 0 {
			c.promote(key, entry, i)
		}
		return entry.Value, true
	}
	return nil, false
}

func (c *MultiTierCache) promote(key string, entry cachestore.Entry, hitIndex int) {
	ttl := time.Duration(0)
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return
		}
	}
	for i := 0; i < hitIndex; i++ {
		effectiveTTL := ttl
		if c.tiers[i].TTLOverride > 0 {
			effectiveTTL = c.tiers[i].TTLOverride
		}
		c.tiers[i].Store.Set(key, entry.Value, effectiveTTL)
	}
}

// Set writes value to every tier, applying each tier's TTL override
// where configured, and records tags if given.
func (c *MultiTierCache) Set(key string, value any, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	for _, tier := range c.tiers {
		effectiveTTL := ttl
		if tier.TTLOverride > 0 {
			effectiveTTL = tier.TTLOverride
		}
		tier.Store.Set(key, value, effectiveTTL)
	}

	if len(opts.Tags) > 0 {
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
		c.tags.record(key, expiresAt, opts.Tags)
	}
	return nil
}

// Delete removes key from every tier and scrubs the tag index.
func (c *MultiTierCache) Delete(ctx context.Context, key string) {
	for _, tier := range c.tiers {
		tier.Store.Delete(key)
	}
	c.tags.removeKey(key)
	c.recordAudit(ctx, key, []string{key}, "delete")
}

// globToRegex translates a "*"/"?" glob into an anchored regex.
func globToRegex(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch ch := glob[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return regexp.Compile("^" + b.String() + "$")
}

// DeletePattern deletes every key matching globPattern from every tier
// that exposes Keys, then scrubs the tag index for those keys.
func (c *MultiTierCache) DeletePattern(ctx context.Context, globPattern string) (int, error) {
	re, err := globToRegex(globPattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalid pattern %q: %w", globPattern, err)
	}

	matched := make(map[string]struct{})
	for _, tier := range c.tiers {
		keys, err := tier.Store.Keys(globPattern)
		if err != nil {
			continue
		}
		for _, key := range keys {
			if re.MatchString(key) {
				matched[key] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(matched))
	for key := range matched {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, tier := range c.tiers {
			tier.Store.Delete(key)
		}
		c.tags.removeKey(key)
	}

	c.recordAudit(ctx, globPattern, keys, "deletePattern")
	return len(keys), nil
}

// InvalidateTags deletes every key recorded under any of tags and
// drops the tags themselves.
func (c *MultiTierCache) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	keys := c.tags.keysForTags(tags)
	for _, key := range keys {
		for _, tier := range c.tiers {
			tier.Store.Delete(key)
		}
	}
	c.tags.dropTags(tags)
	c.recordAudit(ctx, strings.Join(tags, ","), keys, "invalidateTags")
	return len(keys), nil
}

func (c *MultiTierCache) recordAudit(ctx context.Context, pattern string, keys []string, triggeredBy string) {
	if c.audit == nil {
		return
	}
	c.audit.RecordInvalidation(ctx, pattern, keys, triggeredBy)
}

// Resolver produces the value to cache on a miss.
type Resolver func(ctx context.Context) (any, error)

// Wrap returns the cached value for key unless opts.Refresh is true or
// the key is absent, in which case it calls resolver, single-flighted
// per key so concurrent misses share one resolver call, stores the
// result, and returns it.
func (c *MultiTierCache) Wrap(ctx context.Context, key string, resolver Resolver, opts WrapOptions) (any, error) {
	if !opts.Refresh {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := resolver(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(key, result, Options{TTL: opts.TTL, Tags: opts.Tags}); err != nil {
			return nil, err
		}
		return result, nil
	})
	return v, err
}

// Memoized is the function type returned by Memoize.
type Memoized func(ctx context.Context, args ...any) (any, error)

// Memoize adapts fn into a cached function: each call's key is computed
// by opts.KeyResolver (default: a stable serialization of args), and
// the body's execution is delegated to Wrap.
func (c *MultiTierCache) Memoize(fn func(ctx context.Context, args ...any) (any, error), opts MemoizeOptions) Memoized {
	keyResolver := opts.KeyResolver
	if keyResolver == nil {
		keyResolver = stableArgsKey
	}
	return func(ctx context.Context, args ...any) (any, error) {
		key := keyResolver(args...)
		return c.Wrap(ctx, key, func(ctx context.Context) (any, error) {
			return fn(ctx, args...)
		}, WrapOptions{TTL: opts.TTL, Tags: opts.Tags})
	}
}

// stableArgsKey serializes args into a deterministic cache key using
// each argument's fmt.Sprintf("%#v", ...) representation, joined by a
// separator unlikely to appear in a %#v rendering.
func stableArgsKey(args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%#v", a)
	}
	return strings.Join(parts, "\x1f")
}
