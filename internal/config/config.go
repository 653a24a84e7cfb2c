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

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KPIBOARD_"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Status   StatusConfig   `yaml:"status"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

type UpstreamConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// StatusConfig controls re-polling of Pending tasks. A zero PollInterval
// only logs the status.
type StatusConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// SnapshotConfig locates the last-rendered snapshot. Dir "-" disables it;
// an empty Dir uses the XDG state directory.
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Disabled reports whether persistence is turned off.
func (s SnapshotConfig) Disabled() bool {
	return s.Dir == "-"
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8090,
			Host:           "127.0.0.1",
			MaxConnections: 64,
		},
		Upstream: UpstreamConfig{
			URL:           "ws://localhost:5000/ws",
			WriteTimeout:  10 * time.Second,
			PingInterval:  30 * time.Second,
			PongTimeout:   60 * time.Second,
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Status: StatusConfig{
			MaxPolls: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides (KPIBOARD_*, optionally from a .env file next to
// the working directory) are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("HOST", &c.Server.Host)
	str("AUTH_TOKEN", &c.Server.AuthToken)
	if v := strings.TrimSpace(getenv(EnvPrefix + "ALLOWED_ORIGINS")); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	str("UPSTREAM_URL", &c.Upstream.URL)
	str("UPSTREAM_TOKEN", &c.Upstream.Token)
	str("SNAPSHOT_DIR", &c.Snapshot.Dir)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File)

	return errors.Join(
		num("PORT", &c.Server.Port),
		num("MAX_POLLS", &c.Status.MaxPolls),
		dur("POLL_INTERVAL", &c.Status.PollInterval),
	)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if u, err := url.Parse(c.Upstream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url %q must be a ws:// or wss:// URL", c.Upstream.URL))
	}
	for name, d := range map[string]time.Duration{
		"upstream.write_timeout":  c.Upstream.WriteTimeout,
		"upstream.ping_interval":  c.Upstream.PingInterval,
		"upstream.pong_timeout":   c.Upstream.PongTimeout,
		"upstream.reconnect_base": c.Upstream.ReconnectBase,
		"upstream.reconnect_max":  c.Upstream.ReconnectMax,
		"status.poll_interval":    c.Status.PollInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Status.MaxPolls < 0 {
		errs = append(errs, errors.New("status.max_polls must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
