package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LIMESCAN_"

type Config struct {
	Relay     RelayConfig `yaml:"relay"`
	Sweep     SweepConfig `yaml:"sweep"`
	HTTP      HTTPConfig  `yaml:"http"`
	Etcd      EtcdConfig  `yaml:"etcd"`
	Log       LogConfig   `yaml:"log"`
	SessionID string      `yaml:"session_id"`
}

type RelayConfig struct {
	// URLs are used when the relay directory is unavailable or empty.
	URLs           []string      `yaml:"urls"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// ReadLimit caps one inbound frame in bytes; 0 means no limit.
	ReadLimit      int64         `yaml:"read_limit"`
	// FailoverAfter failed dials in a row move the session to the next
	// relay on the ring.
	FailoverAfter  int           `yaml:"failover_after"`
	// PowDifficulty is the bit count /message checks stamps against.
	PowDifficulty  int           `yaml:"pow_difficulty"`
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type EtcdConfig struct {
	// Endpoints may be empty, which disables the relay directory.
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URLs:           []string{"wss://relay-production-e4f7.up.railway.app"},
			ReconnectDelay: 3000 * time.Millisecond,
			FailoverAfter:  3,
			PowDifficulty:  20,
		},
		Sweep: SweepConfig{Interval: 5000 * time.Millisecond},
		HTTP:  HTTPConfig{Listen: ":4211"},
		Etcd:  EtcdConfig{Prefix: "/limescan/relays/"},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Load applies defaults, then the YAML file at path (if any), then the
// .env file at dotenv (if present), then LIMESCAN_* environment variables.
// Flags are applied by the caller on top.
func Load(path, dotenv string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := parseYAML(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if dotenv != "" {
		// a missing .env is not an error
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = SplitList(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}

	size := func(key string, dst *int64) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	num := func(key string, dst *int) error {
		var n int64
		if err := size(key, &n); err != nil || n == 0 {
			return err
		}
		*dst = int(n)
		return nil
	}

	list("RELAY_URLS", &c.Relay.URLs)
	if err := dur("RECONNECT_DELAY", &c.Relay.ReconnectDelay); err != nil {
		return err
	}
	if err := size("RELAY_READ_LIMIT", &c.Relay.ReadLimit); err != nil {
		return err
	}
	if err := num("RELAY_FAILOVER_AFTER", &c.Relay.FailoverAfter); err != nil {
		return err
	}
	if err := num("POW_DIFFICULTY", &c.Relay.PowDifficulty); err != nil {
		return err
	}
	if err := dur("SWEEP_INTERVAL", &c.Sweep.Interval); err != nil {
		return err
	}
	str("HTTP_LISTEN", &c.HTTP.Listen)
	list("ETCD_ENDPOINTS", &c.Etcd.Endpoints)
	str("ETCD_PREFIX", &c.Etcd.Prefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SESSION_ID", &c.SessionID)
	return nil
}

// SplitList splits a comma-separated value, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if len(c.Relay.URLs) == 0 && len(c.Etcd.Endpoints) == 0 {
		return errors.New("config: no relay urls and no etcd endpoints")
	}
	for _, u := range c.Relay.URLs {
		if err := validateRelayURL(u); err != nil {
			return err
		}
	}
	if c.Relay.ReconnectDelay <= 0 {
		return fmt.Errorf("config: relay.reconnect_delay must be positive, got %s", c.Relay.ReconnectDelay)
	}
	if c.Relay.ReadLimit < 0 {
		return fmt.Errorf("config: relay.read_limit must not be negative, got %d", c.Relay.ReadLimit)
	}
	if c.Relay.FailoverAfter <= 0 {
		return fmt.Errorf("config: relay.failover_after must be positive, got %d", c.Relay.FailoverAfter)
	}
	if c.Relay.PowDifficulty <= 0 || c.Relay.PowDifficulty > 256 {
		return fmt.Errorf("config: relay.pow_difficulty must be in 1..256, got %d", c.Relay.PowDifficulty)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config: sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.HTTP.Listen == "" {
		return errors.New("config: http.listen is empty")
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: relay url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("config: relay url %q: missing host", raw)
	}
	return nil
}
