// Package config loads the demo binaries' configuration from a TOML file,
// then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/rai/clean-txpropagation-go/internal/platform/httpserver"
	"github.com/rai/clean-txpropagation-go/internal/platform/logger"
	"github.com/rai/clean-txpropagation-go/internal/platform/resource/sqlconn"
	"github.com/rai/clean-txpropagation-go/internal/platform/spanner"
	"github.com/rai/clean-txpropagation-go/internal/platform/telemetry"
)

// Resource drivers.
const (
	DriverMemory  = "memory"
	DriverSQL     = "sql"
	DriverSpanner = "spanner"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log       logger.Config     `toml:"log"`
	Telemetry telemetry.Config  `toml:"telemetry"`
	HTTP      httpserver.Config `toml:"http"`
	Resource  Resource          `toml:"resource"`
}

// Resource selects and configures the transaction.Connection.
type Resource struct {
	Driver  string         `toml:"driver"`
	SQL     sqlconn.Config `toml:"sql"`
	Spanner spanner.Config `toml:"spanner"`
}

func Default() Config {
	return Config{
		Log:       logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry: telemetry.Config{ServiceName: "txcoordinator", TraceSampleRatio: 1},
		HTTP:      httpserver.DefaultConfig(),
		Resource: Resource{
			Driver: DriverMemory,
			Spanner: spanner.Config{
				ProjectID:  "local-project",
				InstanceID: "local-instance",
				DatabaseID: "app-db",
			},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Resource.Driver = getEnv("TX_RESOURCE_DRIVER", c.Resource.Driver)
	c.Resource.SQL.DSN = getEnv("DATABASE_URL", c.Resource.SQL.DSN)
	c.Resource.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Resource.Spanner.ProjectID)
	c.Resource.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Resource.Spanner.InstanceID)
	c.Resource.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Resource.Spanner.DatabaseID)

	if port := os.Getenv("HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: HTTP_PORT %q: %w", ErrInvalidConfig, port, err)
		}
		c.HTTP.Port = p
	}
	return nil
}

// Validate checks the settings needed by the selected resource driver.
func (c Config) Validate() error {
	switch c.Resource.Driver {
	case DriverMemory:
	case DriverSQL:
		if c.Resource.SQL.DSN == "" {
			return fmt.Errorf("%w: resource.sql.dsn is required for the sql driver", ErrInvalidConfig)
		}
	case DriverSpanner:
		if err := c.Resource.Spanner.Validate(); err != nil {
			return fmt.Errorf("%w: resource.spanner: %w", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: unknown resource driver %q", ErrInvalidConfig, c.Resource.Driver)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port %d out of range", ErrInvalidConfig, c.HTTP.Port)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
