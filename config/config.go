package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Port          int
	AdminAddr     string
	Store         string
	SQLiteDSN     string
	HashCost      int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	LogLevel      string
	ControlSocket string
}

func Default() *Config {
	return &Config{
		Port:          6000,
		AdminAddr:     ":6080",
		Store:         "memory",
		SQLiteDSN:     ":memory:",
		HashCost:      12,
		ReadTimeout:   0,
		WriteTimeout:  30 * time.Second,
		LogLevel:      "info",
		ControlSocket: "/tmp/courier.sock",
	}
}

// Load builds the configuration from defaults, then COURIER_* environment
// variables, then command line flags in args.
func Load(args []string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("courier", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port for client connections")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP address for stats and the WebSocket bridge, empty to disable")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "storage backend: memory or sqlite")
	fs.StringVar(&cfg.SQLiteDSN, "sqlite-dsn", cfg.SQLiteDSN, "sqlite data source name")
	fs.IntVar(&cfg.HashCost, "hash-cost", cfg.HashCost, "bcrypt cost for new accounts")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "idle timeout per connection, 0 disables it")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "timeout for each write")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "unix socket for stats and shutdown, empty to disable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("COURIER_ADMIN_ADDR", &c.AdminAddr)
	str("COURIER_STORE", &c.Store)
	str("COURIER_SQLITE_DSN", &c.SQLiteDSN)
	str("COURIER_LOG_LEVEL", &c.LogLevel)
	str("COURIER_CONTROL_SOCKET", &c.ControlSocket)

	for _, err := range []error{
		num("COURIER_PORT", &c.Port),
		num("COURIER_HASH_COST", &c.HashCost),
		dur("COURIER_READ_TIMEOUT", &c.ReadTimeout),
		dur("COURIER_WRITE_TIMEOUT", &c.WriteTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go durations and bare numbers of seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch strings.ToLower(c.Store) {
	case "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.HashCost < bcrypt.MinCost || c.HashCost > bcrypt.MaxCost {
		return fmt.Errorf("hash cost %d outside %d..%d", c.HashCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps LogLevel onto slog.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
