// Package config loads process configuration from an optional TOML file
// overlaid by RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/store"
)

// Duration is a time.Duration read from strings such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Notification sinks.
const (
	SinkLog  = "log"
	SinkMQTT = "mqtt"
	SinkNATS = "nats"
)

// Config is the whole configuration of every subcommand.
type Config struct {
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`

	HTTP      HTTP      `toml:"http"`
	Auth      Auth      `toml:"auth"`
	Store     Store     `toml:"store"`
	Reconcile Reconcile `toml:"reconcile"`
	Cloud     Cloud     `toml:"cloud"`
	MQTT      MQTT      `toml:"mqtt"`
	Notify    Notify    `toml:"notify"`
	Agent     Agent     `toml:"agent"`
}

type HTTP struct {
	Addr string `toml:"addr"`
}

type Auth struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
}

type Store struct {
	Backend       string `toml:"backend"`
	DSN           string `toml:"dsn"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Redis returns the Redis connection settings.
func (s Store) Redis() store.RedisConfig {
	return store.RedisConfig{Addr: s.RedisAddr, Password: s.RedisPassword, DB: s.RedisDB}
}

type Reconcile struct {
	ForegroundInterval Duration `toml:"foreground_interval"`
	BackgroundInterval Duration `toml:"background_interval"`
	// WatchLease closes an open output left idle this long.
	WatchLease Duration `toml:"watch_lease"`
	// Background is "available", "restricted" or "denied".
	Background string `toml:"background"`
}

// Capability reports the configured background availability.
func (r Reconcile) Capability() schedule.StaticCapability {
	switch r.Background {
	case "restricted":
		return schedule.StaticCapability(schedule.BackgroundRestricted)
	case "denied":
		return schedule.StaticCapability(schedule.BackgroundDenied)
	}
	return schedule.StaticCapability(schedule.BackgroundAvailable)
}

type Cloud struct {
	BaseURL   string   `toml:"base_url"`
	FlashURL  string   `toml:"flash_url"`
	SourceURL string   `toml:"source_url"`
	Timeout   Duration `toml:"timeout"`
	// Mirror disables pushing schedules to the device cloud when false.
	Mirror bool `toml:"mirror"`
}

type MQTT struct {
	Broker     string `toml:"broker"`
	ClientID   string `toml:"client_id"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	BufferSize int    `toml:"buffer_size"`
}

type Notify struct {
	Sinks   []string `toml:"sinks"`
	NATSURL string   `toml:"nats_url"`
}

type Agent struct {
	DeviceID  string         `toml:"device_id"`
	Chip      string         `toml:"chip"`
	Pins      map[string]int `toml:"pins"`
	ActiveLow bool           `toml:"active_low"`
	Tick      Duration       `toml:"tick"`
	Heartbeat Duration       `toml:"heartbeat"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment: "production",
		HTTP:        HTTP{Addr: ":8080"},
		Auth:        Auth{TokenTTL: Duration{24 * time.Hour}},
		Store:       Store{Backend: store.BackendSQLite, DSN: "relay-scheduler.db"},
		Reconcile: Reconcile{
			ForegroundInterval: Duration{schedule.DefaultForegroundInterval},
			BackgroundInterval: Duration{schedule.DefaultBackgroundInterval},
			WatchLease:         Duration{schedule.DefaultWatchLease},
			Background:         "available",
		},
		Cloud: Cloud{Timeout: Duration{15 * time.Second}, Mirror: true},
		MQTT:  MQTT{ClientID: "relay-scheduler"},
		Notify: Notify{
			Sinks: []string{SinkLog},
		},
		Agent: Agent{
			Chip:      "gpiochip0",
			Tick:      Duration{time.Second},
			Heartbeat: Duration{15 * time.Minute},
		},
	}
}

// Load reads path (when non-empty) over the defaults and applies the
// process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		fh, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config %s: %w", path, err)
		}
		defer fh.Close()

		dec := toml.NewDecoder(fh)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				*dst = true
			case "false", "0", "no":
				*dst = false
			default:
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			}
		}
	}

	str("RELAY_ENV", &cfg.Environment)
	str("RELAY_LOG_LEVEL", &cfg.LogLevel)
	str("RELAY_HTTP_ADDR", &cfg.HTTP.Addr)
	str("RELAY_JWT_SECRET", &cfg.Auth.JWTSecret)
	duration("RELAY_TOKEN_TTL", &cfg.Auth.TokenTTL)
	str("RELAY_STORE_BACKEND", &cfg.Store.Backend)
	str("RELAY_STORE_DSN", &cfg.Store.DSN)
	str("RELAY_REDIS_ADDR", &cfg.Store.RedisAddr)
	str("RELAY_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	integer("RELAY_REDIS_DB", &cfg.Store.RedisDB)
	duration("RELAY_FOREGROUND_INTERVAL", &cfg.Reconcile.ForegroundInterval)
	duration("RELAY_BACKGROUND_INTERVAL", &cfg.Reconcile.BackgroundInterval)
	duration("RELAY_WATCH_LEASE", &cfg.Reconcile.WatchLease)
	str("RELAY_BACKGROUND", &cfg.Reconcile.Background)
	str("RELAY_CLOUD_URL", &cfg.Cloud.BaseURL)
	boolean("RELAY_CLOUD_MIRROR", &cfg.Cloud.Mirror)
	str("RELAY_MQTT_BROKER", &cfg.MQTT.Broker)
	str("RELAY_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("RELAY_MQTT_USERNAME", &cfg.MQTT.Username)
	str("RELAY_MQTT_PASSWORD", &cfg.MQTT.Password)
	str("RELAY_NATS_URL", &cfg.Notify.NATSURL)
	if v, ok := lookup("RELAY_NOTIFY_SINKS"); ok && v != "" {
		cfg.Notify.Sinks = splitList(v)
	}
	str("RELAY_DEVICE_ID", &cfg.Agent.DeviceID)
	duration("RELAY_AGENT_TICK", &cfg.Agent.Tick)
	duration("RELAY_HEARTBEAT", &cfg.Agent.Heartbeat)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the settings a server run depends on.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendSQLite, store.BackendPostgres, store.BackendMySQL:
		if c.Store.Backend != store.BackendMemory && c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend))
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store backend %q", c.Store.Backend))
	}
	if c.Reconcile.ForegroundInterval.Duration <= 0 {
		errs = append(errs, errors.New("reconcile.foreground_interval must be positive"))
	}
	if c.Reconcile.BackgroundInterval.Duration <= 0 {
		errs = append(errs, errors.New("reconcile.background_interval must be positive"))
	}
	if c.Reconcile.WatchLease.Duration <= 0 {
		errs = append(errs, errors.New("reconcile.watch_lease must be positive"))
	}
	switch c.Reconcile.Background {
	case "available", "restricted", "denied":
	default:
		errs = append(errs, fmt.Errorf("reconcile.background must be available, restricted or denied, got %q", c.Reconcile.Background))
	}
	for _, s := range c.Notify.Sinks {
		switch s {
		case SinkLog:
		case SinkMQTT:
			if c.MQTT.Broker == "" {
				errs = append(errs, errors.New("notify sink mqtt needs mqtt.broker"))
			}
		case SinkNATS:
			if c.Notify.NATSURL == "" {
				errs = append(errs, errors.New("notify sink nats needs notify.nats_url"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notify sink %q", s))
		}
	}
	return errors.Join(errs...)
}

// ValidateServe additionally requires a token signing secret.
func (c Config) ValidateServe() error {
	err := c.Validate()
	if c.Auth.JWTSecret == "" {
		err = errors.Join(err, errors.New("auth.jwt_secret (RELAY_JWT_SECRET) is required"))
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		err = errors.Join(err, errors.New("auth.token_ttl must be positive"))
	}
	return err
}

// ValidateAgent checks the settings the relay agent depends on.
func (c Config) ValidateAgent() error {
	var errs []error
	if c.Agent.DeviceID == "" {
		errs = append(errs, errors.New("agent.device_id (RELAY_DEVICE_ID) is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker (RELAY_MQTT_BROKER) is required"))
	}
	if c.Agent.Tick.Duration <= 0 {
		errs = append(errs, errors.New("agent.tick must be positive"))
	}
	return errors.Join(errs...)
}
