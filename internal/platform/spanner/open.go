// Package spanner provides a Cloud Spanner backed transaction.Connection.
package spanner

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned by Open for an incomplete or inconsistent Config.
var ErrInvalidConfig = errors.New("invalid spanner config")

// newClient is replaced in tests.
var newClient = func(ctx context.Context, database string, cfg spanner.ClientConfig) (*spanner.Client, error) {
	return spanner.NewClientWithConfig(ctx, database, cfg)
}

// Config holds Spanner connection configuration.
// SPANNER_EMULATOR_HOST is honoured by the client library.
type Config struct {
	ProjectID  string `toml:"project_id"`
	InstanceID string `toml:"instance_id"`
	DatabaseID string `toml:"database_id"`
	// DatabaseRole is the fine-grained access control role of the sessions, if any.
	DatabaseRole string `toml:"database_role"`
	// MinSessions and MaxSessions bound the session pool; zero keeps the library default.
	MinSessions uint64 `toml:"min_sessions"`
	MaxSessions uint64 `toml:"max_sessions"`
}

// DSN returns the Spanner database name.
func (c Config) DSN() string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s",
		c.ProjectID, c.InstanceID, c.DatabaseID)
}

func (c Config) Validate() error {
	if c.ProjectID == "" || c.InstanceID == "" || c.DatabaseID == "" {
		return fmt.Errorf("%w: project_id, instance_id and database_id are required", ErrInvalidConfig)
	}
	if c.MaxSessions > 0 && c.MinSessions > c.MaxSessions {
		return fmt.Errorf("%w: min_sessions %d exceeds max_sessions %d", ErrInvalidConfig, c.MinSessions, c.MaxSessions)
	}
	return nil
}

func (c Config) clientConfig() spanner.ClientConfig {
	pool := spanner.DefaultSessionPoolConfig
	if c.MinSessions > 0 {
		pool.MinOpened = c.MinSessions
	}
	if c.MaxSessions > 0 {
		pool.MaxOpened = c.MaxSessions
	}
	return spanner.ClientConfig{
		SessionPoolConfig: pool,
		DatabaseRole:      c.DatabaseRole,
	}
}

// Open creates a Spanner client for cfg and a Connection over it.
// The caller closes the Connection, which closes the client.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := newClient(ctx, cfg.DSN(), cfg.clientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client for %s: %w", cfg.DSN(), err)
	}

	conn := NewConnection(client, logger)
	conn.client = client
	conn.logger.Info("connected to spanner",
		zap.String("dsn", cfg.DSN()),
		zap.String("database_role", cfg.DatabaseRole))
	return conn, nil
}
