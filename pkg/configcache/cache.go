package configcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrymomot/flagkit/pkg/kv"
)

const (
	identifiedPrefix = "IDENTIFIED_CONFIG"
	anonymousPrefix  = "ANONYMOUS_CONFIG"

	expirySuffix    = ".EXPIRY_DATE"
	legacyUserIDKey = ".USER_ID"
	legacyFetchKey  = ".FETCH_DATE"

	migrationFlagKey = "MIGRATION_COMPLETED"

	// DefaultTTL is how long a cached config stays usable without a refresh.
	DefaultTTL = 30 * 24 * time.Hour
)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default 30 day entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for migration and sweep diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache stores serialized bucketed configs per user with a TTL, plus small
// scalar values such as the generated anonymous user id.
type Cache struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// New creates a cache on top of store, then runs the one-time legacy
// migration and an eager sweep of expired entries. Both are best-effort:
// their failures are logged and never surface to the caller.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	c := &Cache{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.migrate(ctx)
	c.sweep(ctx)

	return c, nil
}

// SaveConfig stores the serialized config for the user and stamps its expiry
// at now + ttl. The payload replaces any previous entry wholesale.
func (c *Cache) SaveConfig(ctx context.Context, userID string, anonymous bool, config []byte) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	key := configKey(userID, anonymous)
	if err := c.store.Set(ctx, key, string(config)); err != nil {
		return err
	}
	expiry := c.now().Add(c.ttl).UnixMilli()
	return c.store.Set(ctx, key+expirySuffix, strconv.FormatInt(expiry, 10))
}

// GetConfig returns the serialized config for the user, or false when there
// is no usable entry. An entry past its expiry is deleted and reported as a
// miss, as is one whose payload is not valid JSON (a corrupt or partial
// write).
func (c *Cache) GetConfig(ctx context.Context, userID string, anonymous bool) ([]byte, bool) {
	if userID == "" {
		return nil, false
	}

	key := configKey(userID, anonymous)
	payload, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}

	rawExpiry, ok, err := c.store.Get(ctx, key+expirySuffix)
	expiry := int64(0)
	if err == nil && ok {
		expiry, _ = strconv.ParseInt(rawExpiry, 10, 64)
	}

	if c.now().UnixMilli() > expiry {
		c.deleteEntry(ctx, key)
		return nil, false
	}

	if !json.Valid([]byte(payload)) {
		c.log.Warn("discarding corrupt cached config", "user_id", userID)
		c.deleteEntry(ctx, key)
		return nil, false
	}

	return []byte(payload), true
}

// SaveString stores a small scalar value, e.g. the generated anonymous id.
func (c *Cache) SaveString(ctx context.Context, key, value string) error {
	return c.store.Set(ctx, key, value)
}

// GetString returns a previously saved scalar value.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return v, ok
}

// Remove deletes a scalar value.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// migrate moves the legacy single-slot layout into the per-user layout.
// It runs at most once, guarded by a persisted flag, and always cleans up
// the legacy keys even when they hold partial or unusable data.
func (c *Cache) migrate(ctx context.Context) {
	done, ok, err := c.store.Get(ctx, migrationFlagKey)
	if err != nil {
		c.log.Warn("config cache migration check failed", "error", err)
		return
	}
	if ok && done == "true" {
		return
	}

	for _, prefix := range []string{identifiedPrefix, anonymousPrefix} {
		if err := c.migratePartition(ctx, prefix); err != nil {
			c.log.Warn("config cache migration failed", "partition", prefix, "error", err)
		}
	}

	if err := c.store.Set(ctx, migrationFlagKey, "true"); err != nil {
		c.log.Warn("could not persist migration flag", "error", err)
	}
}

func (c *Cache) migratePartition(ctx context.Context, prefix string) error {
	payload, hasPayload, err := c.store.Get(ctx, prefix)
	if err != nil {
		return err
	}
	userID, hasUserID, err := c.store.Get(ctx, prefix+legacyUserIDKey)
	if err != nil {
		return err
	}
	rawFetch, hasFetch, err := c.store.Get(ctx, prefix+legacyFetchKey)
	if err != nil {
		return err
	}

	if hasPayload && hasUserID && hasFetch && userID != "" {
		newKey := prefix + "." + userID
		_, exists, err := c.store.Get(ctx, newKey)
		if err != nil {
			return err
		}
		if !exists {
			fetchedAt, perr := strconv.ParseInt(rawFetch, 10, 64)
			if perr == nil {
				expiry := time.UnixMilli(fetchedAt).Add(c.ttl).UnixMilli()
				if err := c.store.Set(ctx, newKey, payload); err != nil {
					return err
				}
				if err := c.store.Set(ctx, newKey+expirySuffix, strconv.FormatInt(expiry, 10)); err != nil {
					return err
				}
				c.log.Info("migrated legacy cached config", "partition", prefix, "user_id", userID)
			}
		}
	}

	// Legacy keys are removed regardless of whether anything was migrated.
	for _, key := range []string{prefix, prefix + legacyUserIDKey, prefix + legacyFetchKey} {
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// sweep deletes every stored entry whose expiry has passed. Runs once at
// construction so long-dead entries do not linger until their next read.
func (c *Cache) sweep(ctx context.Context) {
	for _, prefix := range []string{identifiedPrefix, anonymousPrefix} {
		keys, err := c.store.Keys(ctx, prefix+".")
		if err != nil {
			c.log.Warn("config cache sweep failed", "partition", prefix, "error", err)
			continue
		}
		for _, key := range keys {
			if !strings.HasSuffix(key, expirySuffix) {
				continue
			}
			rawExpiry, ok, err := c.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			expiry, err := strconv.ParseInt(rawExpiry, 10, 64)
			if err != nil || c.now().UnixMilli() > expiry {
				c.deleteEntry(ctx, strings.TrimSuffix(key, expirySuffix))
			}
		}
	}
}

func (c *Cache) deleteEntry(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("could not delete cached config", "key", key, "error", err)
	}
	if err := c.store.Delete(ctx, key+expirySuffix); err != nil {
		c.log.Warn("could not delete cached config expiry", "key", key, "error", err)
	}
}

func configKey(userID string, anonymous bool) string {
	if anonymous {
		return anonymousPrefix + "." + userID
	}
	return identifiedPrefix + "." + userID
}
