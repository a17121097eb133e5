package flagkit

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the declarative form of the client options, loadable from
// environment variables or a YAML file. Zero values mean "use the default".
//
//	settings, err := flagkit.SettingsFromEnv()
//	client, err := flagkit.NewClient(settings.SDKKey, user, settings.Options()...)
type Settings struct {
	SDKKey                       string        `env:"FLAGKIT_SDK_KEY" yaml:"sdk_key"`
	APIURL                       string        `env:"FLAGKIT_API_URL" yaml:"api_url"`
	EventsURL                    string        `env:"FLAGKIT_EVENTS_URL" yaml:"events_url"`
	FlushInterval                time.Duration `env:"FLAGKIT_FLUSH_INTERVAL" yaml:"flush_interval"`
	ConfigCacheTTL               time.Duration `env:"FLAGKIT_CONFIG_CACHE_TTL" yaml:"config_cache_ttl"`
	DisableConfigCache           bool          `env:"FLAGKIT_DISABLE_CONFIG_CACHE" yaml:"disable_config_cache"`
	DisableRealtimeUpdates       bool          `env:"FLAGKIT_DISABLE_REALTIME_UPDATES" yaml:"disable_realtime_updates"`
	DisableAutomaticEventLogging bool          `env:"FLAGKIT_DISABLE_AUTOMATIC_EVENT_LOGGING" yaml:"disable_automatic_event_logging"`
	DisableCustomEventLogging    bool          `env:"FLAGKIT_DISABLE_CUSTOM_EVENT_LOGGING" yaml:"disable_custom_event_logging"`
	EnableEdgeDB                 bool          `env:"FLAGKIT_ENABLE_EDGEDB" yaml:"enable_edgedb"`
}

// UnmarshalYAML decodes duration fields from the "30s"/"720h" string form,
// which the yaml package does not do for time.Duration on its own.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	type settingsYAML struct {
		SDKKey                       string `yaml:"sdk_key"`
		APIURL                       string `yaml:"api_url"`
		EventsURL                    string `yaml:"events_url"`
		FlushInterval                string `yaml:"flush_interval"`
		ConfigCacheTTL               string `yaml:"config_cache_ttl"`
		DisableConfigCache           bool   `yaml:"disable_config_cache"`
		DisableRealtimeUpdates       bool   `yaml:"disable_realtime_updates"`
		DisableAutomaticEventLogging bool   `yaml:"disable_automatic_event_logging"`
		DisableCustomEventLogging    bool   `yaml:"disable_custom_event_logging"`
		EnableEdgeDB                 bool   `yaml:"enable_edgedb"`
	}

	var raw settingsYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parseDuration := func(field, v string) (time.Duration, error) {
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		return d, nil
	}

	flushInterval, err := parseDuration("flush_interval", raw.FlushInterval)
	if err != nil {
		return err
	}
	cacheTTL, err := parseDuration("config_cache_ttl", raw.ConfigCacheTTL)
	if err != nil {
		return err
	}

	*s = Settings{
		SDKKey:                       raw.SDKKey,
		APIURL:                       raw.APIURL,
		EventsURL:                    raw.EventsURL,
		FlushInterval:                flushInterval,
		ConfigCacheTTL:               cacheTTL,
		DisableConfigCache:           raw.DisableConfigCache,
		DisableRealtimeUpdates:       raw.DisableRealtimeUpdates,
		DisableAutomaticEventLogging: raw.DisableAutomaticEventLogging,
		DisableCustomEventLogging:    raw.DisableCustomEventLogging,
		EnableEdgeDB:                 raw.EnableEdgeDB,
	}
	return nil
}

var dotenvOnce sync.Once

// SettingsFromEnv loads settings from FLAGKIT_* environment variables,
// reading a .env file first if one exists.
func SettingsFromEnv() (Settings, error) {
	dotenvOnce.Do(func() {
		// The .env file is optional; absence is not an error.
		_ = godotenv.Load()
	})

	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("flagkit: parse environment settings: %w", err)
	}
	return s, nil
}

// SettingsFromYAML loads settings from a YAML file.
func SettingsFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("flagkit: read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Join(fmt.Errorf("flagkit: invalid settings file %s", path), err)
	}
	return s, nil
}

// Options converts the settings into the functional options NewClient
// accepts. Zero-valued fields contribute nothing, so defaults still apply.
func (s Settings) Options() []Option {
	var opts []Option
	if s.APIURL != "" {
		opts = append(opts, WithAPIURL(s.APIURL))
	}
	if s.EventsURL != "" {
		opts = append(opts, WithEventsURL(s.EventsURL))
	}
	if s.FlushInterval > 0 {
		opts = append(opts, WithFlushInterval(s.FlushInterval))
	}
	if s.ConfigCacheTTL > 0 {
		opts = append(opts, WithConfigCacheTTL(s.ConfigCacheTTL))
	}
	if s.DisableConfigCache {
		opts = append(opts, WithDisableConfigCache())
	}
	if s.DisableRealtimeUpdates {
		opts = append(opts, WithDisableRealtimeUpdates())
	}
	if s.DisableAutomaticEventLogging {
		opts = append(opts, WithDisableAutomaticEventLogging())
	}
	if s.DisableCustomEventLogging {
		opts = append(opts, WithDisableCustomEventLogging())
	}
	if s.EnableEdgeDB {
		opts = append(opts, WithEnableEdgeDB())
	}
	return opts
}
