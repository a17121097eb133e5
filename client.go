package flagkit

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/flagkit/pkg/configcache"
	"github.com/dmitrymomot/flagkit/pkg/events"
	"github.com/dmitrymomot/flagkit/pkg/transport"
)

// Event is a custom occurrence reported through Track. Type is required;
// the rest is contextual to the event type.
type Event struct {
	Type     string
	Target   string
	Value    float64
	MetaData map[string]any
}

// pendingFetch is one identify/reset/refetch request that arrived while a
// fetch was already in flight. When the queue drains, the entry with the
// latest enqueue time wins and every collected callback receives that single
// fetch's outcome.
type pendingFetch struct {
	user       populatedUser
	callback   ConfigCallback
	enqueuedAt time.Time
}

// Client is the SDK entry point: it owns the current user and bucketed
// config, serializes config fetches through a single-flight gate, and feeds
// the event queue and variable handles. All methods are safe for concurrent
// use.
type Client struct {
	sdkKey string
	cfg    *config

	transport *transport.Client
	cache     *configcache.Cache
	queue     *events.Queue
	registry  *variableRegistry

	// mu guards the current user/config pair and the latest identified user.
	mu               sync.Mutex
	user             populatedUser
	bucketed         *transport.BucketedConfig
	configFromCache  bool
	latestIdentified populatedUser

	// fetchMu guards the single-flight gate and the wait queue.
	fetchMu   sync.Mutex
	inFlight  bool
	waitQueue []pendingFetch

	// drainMu serializes queue draining so completion callbacks that
	// re-identify cannot interleave two drain loops.
	drainMu sync.Mutex

	initialized atomic.Bool
	initFuture  *Future[VariableMap]
	closed      atomic.Bool
}

// NewClient constructs a client for the given user and starts the initial
// config fetch in the background. A cached config for the user, when
// present, is applied immediately so variable lookups have data before the
// network round-trip completes; await Initialized for the fresh config.
func NewClient(sdkKey string, user User, opts ...Option) (*Client, error) {
	if sdkKey == "" {
		return nil, ErrEmptySDKKey
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()

	cache, err := configcache.New(ctx, cfg.store,
		configcache.WithTTL(cfg.configCacheTTL),
		configcache.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}

	transportOpts := []transport.Option{transport.WithLogger(cfg.log)}
	if cfg.apiURL != "" {
		transportOpts = append(transportOpts, transport.WithAPIURL(cfg.apiURL))
	}
	if cfg.eventsURL != "" {
		transportOpts = append(transportOpts, transport.WithEventsURL(cfg.eventsURL))
	}
	if cfg.httpClient != nil {
		transportOpts = append(transportOpts, transport.WithHTTPClient(cfg.httpClient))
	}
	tc, err := transport.New(sdkKey, transportOpts...)
	if err != nil {
		return nil, err
	}

	populated := populateUser(ctx, user, cache)

	c := &Client{
		sdkKey:           sdkKey,
		cfg:              cfg,
		transport:        tc,
		cache:            cache,
		registry:         newVariableRegistry(cfg.log),
		user:             populated,
		latestIdentified: populated,
		initFuture:       newFuture[VariableMap](),
	}

	c.queue, err = events.NewQueue(tc, c.userSnapshot,
		events.WithFlushInterval(cfg.flushInterval),
		events.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}

	c.useCachedConfig(ctx, populated)

	c.fetchMu.Lock()
	c.inFlight = true
	c.fetchMu.Unlock()
	go func() {
		err := c.fetchConfig(ctx, populated, transport.ConfigOptions{})
		if err != nil {
			c.cfg.log.Error("initial config fetch failed", "error", err)
			c.initFuture.complete(nil, err)
		} else {
			c.initialized.Store(true)
			c.initFuture.complete(c.AllVariables(), nil)
		}
		c.finishFetch(ctx)
	}()

	return c, nil
}

// Initialized resolves once the initial config fetch completes, with the
// variable map on success.
func (c *Client) Initialized() *Future[VariableMap] {
	return c.initFuture
}

// OnInitialized invokes callback with the initial fetch's outcome, or
// immediately if it already completed.
func (c *Client) OnInitialized(callback ConfigCallback) {
	if callback == nil {
		return
	}
	go func() {
		callback(c.initFuture.Await())
	}()
}

// IsInitialized reports whether the initial config fetch has succeeded.
func (c *Client) IsInitialized() bool {
	return c.initialized.Load()
}

// IdentifyUser switches the client to a new user and fetches their config.
// Identifying with the current user's id updates the profile fields in
// place instead. The optional callback and the returned future both receive
// the same single outcome.
//
// When the network fetch fails but a cached config for the new user exists,
// the cached config is applied and the operation reports success; with no
// cached fallback the previous user is restored and the error surfaces.
func (c *Client) IdentifyUser(ctx context.Context, user User, callback ConfigCallback) *Future[VariableMap] {
	if c.closed.Load() {
		return failFetch(callback, ErrClientClosed)
	}

	c.mu.Lock()
	current := c.user
	c.mu.Unlock()

	var (
		updated populatedUser
		err     error
	)
	if user.UserID != "" && user.UserID == current.UserID {
		updated, err = current.merge(user)
		if err != nil {
			return failFetch(callback, err)
		}
	} else {
		updated = populateUser(ctx, user, c.cache)
	}

	// Events tracked against the old identity go out before the switch.
	c.FlushEvents(ctx, nil)

	c.mu.Lock()
	previous := c.latestIdentified
	c.latestIdentified = updated
	c.mu.Unlock()

	future := newFuture[VariableMap]()
	c.fetchConfigForUser(ctx, updated, transport.ConfigOptions{}, func(variables VariableMap, fetchErr error) {
		if fetchErr == nil {
			deliver(callback, future, variables, nil)
			return
		}
		c.cfg.log.Debug("config fetch failed, trying cache",
			"user_id", updated.UserID, "error", fetchErr)
		if c.useCachedConfig(ctx, updated) {
			deliver(callback, future, c.AllVariables(), nil)
			return
		}
		c.mu.Lock()
		c.latestIdentified = previous
		c.mu.Unlock()
		deliver(callback, future, nil, fetchErr)
	})
	return future
}

// ResetUser discards the current identity, builds a fresh anonymous user
// with a newly generated id, and fetches its config. On failure the previous
// anonymous id and user are restored.
func (c *Client) ResetUser(ctx context.Context, callback ConfigCallback) *Future[VariableMap] {
	if c.closed.Load() {
		return failFetch(callback, ErrClientClosed)
	}

	previousAnonID, hadAnonID := c.cache.GetString(ctx, anonymousIDKey)
	if hadAnonID {
		if err := c.cache.Remove(ctx, anonymousIDKey); err != nil {
			c.cfg.log.Warn("could not clear anonymous id", "error", err)
		}
	}

	newUser := populateUser(ctx, User{}, c.cache)

	c.mu.Lock()
	previous := c.latestIdentified
	c.latestIdentified = newUser
	c.mu.Unlock()

	c.FlushEvents(ctx, nil)

	future := newFuture[VariableMap]()
	c.fetchConfigForUser(ctx, newUser, transport.ConfigOptions{}, func(variables VariableMap, fetchErr error) {
		if fetchErr == nil {
			deliver(callback, future, variables, nil)
			return
		}
		if hadAnonID {
			if err := c.cache.SaveString(ctx, anonymousIDKey, previousAnonID); err != nil {
				c.cfg.log.Warn("could not restore anonymous id", "error", err)
			}
		}
		c.mu.Lock()
		c.latestIdentified = previous
		c.mu.Unlock()
		deliver(callback, future, nil, fetchErr)
	})
	return future
}

// RefetchConfig re-fetches the latest identified user's config, typically in
// response to a realtime-push notification. lastModified and etag decorate
// the request when the push message carried them; pass zero values
// otherwise.
func (c *Client) RefetchConfig(ctx context.Context, lastModified int64, etag string, callback ConfigCallback) *Future[VariableMap] {
	if c.closed.Load() {
		return failFetch(callback, ErrClientClosed)
	}

	c.mu.Lock()
	user := c.latestIdentified
	c.mu.Unlock()

	opts := transport.ConfigOptions{SSE: true, LastModified: lastModified, ETag: etag}
	future := newFuture[VariableMap]()
	c.fetchConfigForUser(ctx, user, opts, func(variables VariableMap, fetchErr error) {
		deliver(callback, future, variables, fetchErr)
	})
	return future
}

// HandlePushMessage decodes a raw realtime-push notification and triggers a
// refetch when it asks for one. The embedding application owns the push
// connection and forwards every message body here.
func (c *Client) HandlePushMessage(ctx context.Context, raw []byte) error {
	msg, err := ParsePushMessage(raw)
	if err != nil {
		return err
	}
	if msg.Type == "refetchConfig" || msg.Type == "" {
		c.cfg.log.Debug("push message: refetching config")
		c.RefetchConfig(ctx, msg.LastModified, msg.ETag, nil)
	}
	return nil
}

// Track records a custom event for the current user. Events are batched and
// flushed in the background. Calls after Close are dropped silently.
func (c *Client) Track(event Event) {
	if c.queue.Closed() {
		c.cfg.log.Debug("client closed, skipping call to Track")
		return
	}
	if c.cfg.disableCustomEventLogging {
		return
	}

	c.mu.Lock()
	userID := c.user.UserID
	featureVars := c.featureVariationMapLocked()
	c.mu.Unlock()

	tracked := events.NewCustomEvent(event.Type, event.Target, event.Value, event.MetaData)
	tracked.UserID = userID
	tracked.FeatureVars = featureVars
	c.queue.QueueEvent(tracked)
}

// FlushEvents submits all queued events now instead of waiting for the
// background flush. The optional callback and the returned future share the
// outcome.
func (c *Client) FlushEvents(ctx context.Context, callback func(error)) *Future[string] {
	future := newFuture[string]()
	go func() {
		result := c.queue.Flush(ctx, true)
		if callback != nil {
			callback(result.Err)
		}
		if result.Err != nil {
			future.complete("", result.Err)
			return
		}
		future.complete("Successfully flushed events", nil)
	}()
	return future
}

// Variable returns the live handle for key, initialized from the current
// config or the given default when the config has nothing usable. Handles
// are cached per (key, default) pair: repeated lookups return the same
// instance while the previous one is still referenced.
func (c *Client) Variable(key string, defaultValue any) (*Variable, error) {
	c.mu.Lock()
	bucketed := c.bucketed
	userID := c.user.UserID
	featureVars := c.featureVariationMapLocked()
	c.mu.Unlock()

	v, err := c.registry.getOrCreate(key, defaultValue, bucketed)
	if err != nil {
		return nil, err
	}

	if !c.cfg.disableAutomaticEventLogging {
		ev := events.NewVariableEvent(v.IsDefaulted(), key, nil)
		ev.UserID = userID
		ev.FeatureVars = featureVars
		if err := c.queue.QueueAggregateEvent(ev); err != nil {
			c.cfg.log.Error("could not queue variable event", "key", key, "error", err)
		}
	}
	return v, nil
}

// VariableValue returns the variable's current value. It never fails: an
// unusable key or default yields the default value back.
func (c *Client) VariableValue(key string, defaultValue any) any {
	v, err := c.Variable(key, defaultValue)
	if err != nil {
		c.cfg.log.Error("variable lookup failed, returning default", "key", key, "error", err)
		return defaultValue
	}
	return v.Value()
}

// AllVariables returns a copy of the variable map from the current config.
func (c *Client) AllVariables() VariableMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bucketed == nil {
		return VariableMap{}
	}
	return maps.Clone(c.bucketed.Variables)
}

// AllFeatures returns a copy of the feature map from the current config.
func (c *Client) AllFeatures() map[string]Feature {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bucketed == nil {
		return map[string]Feature{}
	}
	return maps.Clone(c.bucketed.Features)
}

// SSEParams returns the realtime-push connection parameters from the
// current config, or nil when there are none or realtime updates are
// disabled. The embedding application uses them to establish the push
// connection feeding HandlePushMessage.
func (c *Client) SSEParams() *SSE {
	if c.cfg.disableRealtimeUpdates {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bucketed == nil || c.bucketed.SSE == nil {
		return nil
	}
	sse := *c.bucketed.SSE
	return &sse
}

// Close stops accepting trackable work and drains remaining events
// best-effort. It does not cancel an in-flight config fetch.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	return c.queue.Close(ctx)
}

// fetchConfigForUser is the single-flight gate: an idle client issues the
// fetch immediately, a busy one queues the request for the drain loop.
func (c *Client) fetchConfigForUser(ctx context.Context, user populatedUser, opts transport.ConfigOptions, callback ConfigCallback) {
	c.fetchMu.Lock()
	if c.inFlight {
		c.waitQueue = append(c.waitQueue, pendingFetch{
			user:       user,
			callback:   callback,
			enqueuedAt: time.Now(),
		})
		c.fetchMu.Unlock()
		c.cfg.log.Debug("config fetch queued behind in-flight request", "user_id", user.UserID)
		return
	}
	c.inFlight = true
	c.fetchMu.Unlock()

	go func() {
		err := c.fetchConfig(ctx, user, opts)
		if callback != nil {
			if err != nil {
				callback(nil, err)
			} else {
				callback(c.AllVariables(), nil)
			}
		}
		c.finishFetch(ctx)
	}()
}

// finishFetch drains queued requests and clears the single-flight flag. The
// flag only clears while the queue is verifiably empty under fetchMu, so a
// request arriving between the last drain pass and the clear is picked up
// here instead of stranding.
func (c *Client) finishFetch(ctx context.Context) {
	for {
		c.drainQueue(ctx)
		c.fetchMu.Lock()
		if len(c.waitQueue) == 0 {
			c.inFlight = false
			c.fetchMu.Unlock()
			return
		}
		c.fetchMu.Unlock()
	}
}

// drainQueue replays requests that queued up behind an in-flight fetch. Each
// pass collapses the queue to the entry with the latest enqueue time, issues
// exactly one fetch for it, and fans that fetch's outcome out to every
// collected callback. Completion callbacks may queue further requests, so
// the loop re-checks until the queue is truly empty.
func (c *Client) drainQueue(ctx context.Context) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	for {
		c.fetchMu.Lock()
		batch := c.waitQueue
		c.waitQueue = nil
		c.fetchMu.Unlock()

		if len(batch) == 0 {
			return
		}

		winner := batch[0]
		callbacks := make([]ConfigCallback, 0, len(batch))
		for _, pending := range batch {
			if pending.enqueuedAt.After(winner.enqueuedAt) {
				winner = pending
			}
			if pending.callback != nil {
				callbacks = append(callbacks, pending.callback)
			}
		}

		err := c.fetchConfig(ctx, winner.user, transport.ConfigOptions{})
		if err != nil {
			for _, cb := range callbacks {
				cb(nil, err)
			}
			continue
		}
		variables := c.AllVariables()
		for _, cb := range callbacks {
			cb(variables, nil)
		}
	}
}

// fetchConfig performs one complete fetch: network exchange, durable cache
// write, atomic current user/config swap, then the broadcast to variable
// handles. The ordering guarantees handles never observe a partially applied
// update. The EdgeDB side-call is best-effort and never fails the fetch.
func (c *Client) fetchConfig(ctx context.Context, user populatedUser, opts transport.ConfigOptions) error {
	opts.EnableEdgeDB = c.cfg.enableEdgeDB

	bucketed, err := c.transport.GetConfig(ctx, user.queryParams(), opts)
	if err != nil {
		return err
	}

	if data, merr := json.Marshal(bucketed); merr == nil {
		if err := c.cache.SaveConfig(ctx, user.UserID, user.IsAnonymous, data); err != nil {
			c.cfg.log.Warn("could not persist fetched config", "user_id", user.UserID, "error", err)
		}
	}

	c.mu.Lock()
	c.bucketed = bucketed
	c.user = user
	c.configFromCache = false
	c.mu.Unlock()

	c.registry.broadcast(bucketed)
	c.cfg.log.Debug("new config applied", "user_id", user.UserID)

	if c.edgeDBEnabled(bucketed) && !user.IsAnonymous {
		if err := c.transport.SaveEntity(ctx, user.UserID, user); err != nil {
			c.cfg.log.Error("could not save user entity", "user_id", user.UserID, "error", err)
		}
	}
	return nil
}

// useCachedConfig loads the user's cached config when present and not
// disabled, applying it as the current config. The user swaps in together
// with the config so events tracked afterwards are attributed to the user
// the config belongs to. Reports whether anything was applied.
func (c *Client) useCachedConfig(ctx context.Context, user populatedUser) bool {
	if c.cfg.disableConfigCache {
		return false
	}
	data, ok := c.cache.GetConfig(ctx, user.UserID, user.IsAnonymous)
	if !ok {
		return false
	}
	bucketed := &transport.BucketedConfig{}
	if err := json.Unmarshal(data, bucketed); err != nil {
		c.cfg.log.Warn("cached config does not decode, ignoring", "user_id", user.UserID, "error", err)
		return false
	}

	c.mu.Lock()
	c.bucketed = bucketed
	c.user = user
	c.configFromCache = true
	c.mu.Unlock()

	c.registry.broadcast(bucketed)
	c.cfg.log.Debug("loaded config from cache", "user_id", user.UserID)
	return true
}

func (c *Client) edgeDBEnabled(bucketed *transport.BucketedConfig) bool {
	if !c.cfg.enableEdgeDB {
		return false
	}
	if bucketed.Project == nil || !bucketed.Project.Settings.EdgeDB.Enabled {
		c.cfg.log.Debug("edgedb not enabled for this project, using local user data only")
		return false
	}
	return true
}

// featureVariationMapLocked copies the feature->variation map used to
// enrich events. Caller must hold c.mu.
func (c *Client) featureVariationMapLocked() map[string]string {
	if c.bucketed == nil {
		return nil
	}
	return maps.Clone(c.bucketed.FeatureVariationMap)
}

// userSnapshot returns the point-in-time user copy event payloads are bound
// to.
func (c *Client) userSnapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func deliver(callback ConfigCallback, future *Future[VariableMap], variables VariableMap, err error) {
	if callback != nil {
		callback(variables, err)
	}
	future.complete(variables, err)
}

func failFetch(callback ConfigCallback, err error) *Future[VariableMap] {
	if callback != nil {
		callback(nil, err)
	}
	return resolvedFuture[VariableMap](nil, err)
}
