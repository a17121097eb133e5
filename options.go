package flagkit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/flagkit/pkg/configcache"
	"github.com/dmitrymomot/flagkit/pkg/kv"
)

// config holds the resolved client configuration.
type config struct {
	apiURL    string
	eventsURL string

	flushInterval  time.Duration
	configCacheTTL time.Duration

	disableConfigCache           bool
	disableRealtimeUpdates       bool
	disableAutomaticEventLogging bool
	disableCustomEventLogging    bool
	enableEdgeDB                 bool

	httpClient *http.Client
	store      kv.Store
	log        *slog.Logger
}

func defaultConfig() *config {
	return &config{
		flushInterval:  10 * time.Second,
		configCacheTTL: configcache.DefaultTTL,
		store:          kv.NewMemoryStore(),
		log:            slog.Default(),
	}
}

// Option configures a Client.
type Option func(*config)

// WithAPIURL points the client at a config API proxy.
func WithAPIURL(u string) Option {
	return func(c *config) {
		if u != "" {
			c.apiURL = u
		}
	}
}

// WithEventsURL points the client at an events API proxy.
func WithEventsURL(u string) Option {
	return func(c *config) {
		if u != "" {
			c.eventsURL = u
		}
	}
}

// WithFlushInterval sets the debounce delay between tracking an event and
// the background flush it triggers. Default is 10 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithConfigCacheTTL overrides how long cached configs stay usable.
// Default is 30 days.
func WithConfigCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.configCacheTTL = ttl
		}
	}
}

// WithDisableConfigCache turns off reading cached configs. Fetched configs
// are still persisted for a later client that re-enables the cache.
func WithDisableConfigCache() Option {
	return func(c *config) { c.disableConfigCache = true }
}

// WithDisableRealtimeUpdates stops the client from requesting push
// connection parameters; SSEParams will return nil.
func WithDisableRealtimeUpdates() Option {
	return func(c *config) { c.disableRealtimeUpdates = true }
}

// WithDisableAutomaticEventLogging suppresses the per-access variable
// evaluation events.
func WithDisableAutomaticEventLogging() Option {
	return func(c *config) { c.disableAutomaticEventLogging = true }
}

// WithDisableCustomEventLogging makes Track a no-op.
func WithDisableCustomEventLogging() Option {
	return func(c *config) { c.disableCustomEventLogging = true }
}

// WithEnableEdgeDB opts into mirroring user profiles into server-side
// storage when the project has it enabled.
func WithEnableEdgeDB() Option {
	return func(c *config) { c.enableEdgeDB = true }
}

// WithHTTPClient replaces the HTTP client used for all API exchanges.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStore sets the persistence backend for cached configs and the
// anonymous id. Default is an in-memory store that does not survive
// restarts; see pkg/kv for file- and Redis-backed stores.
func WithStore(store kv.Store) Option {
	return func(c *config) {
		if store != nil {
			c.store = store
		}
	}
}

// WithLogger sets the logger used by the client and every component it
// constructs. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}
