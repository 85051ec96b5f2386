package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/tillsync/internal/authority"
	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/httpapi"
	"github.com/livinlefevreloca/tillsync/internal/logging"
	"github.com/livinlefevreloca/tillsync/internal/stats"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config represents the application configuration
type Config struct {
	Node      NodeConfig       `toml:"node"`
	Database  db.Config        `toml:"database"`
	Syncer    syncer.Config    `toml:"syncer"`
	Transport transport.Config `toml:"transport"`
	HTTP      httpapi.Config   `toml:"http"`
	Authority authority.Config `toml:"authority"`
	Logging   logging.Config   `toml:"logging"`
	Stats     stats.Config     `toml:"stats"`
}

// NodeConfig identifies this terminal and the tables it synchronizes
type NodeConfig struct {
	// ID is generated and persisted on first start when empty.
	ID     string   `toml:"id"`
	Tables []string `toml:"tables"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Tables: append([]string(nil), changelog.DefaultTables...),
		},
		Database:  db.DefaultConfig(),
		Syncer:    syncer.DefaultConfig(),
		Transport: transport.DefaultConfig(),
		HTTP:      httpapi.DefaultConfig(),
		Authority: authority.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
		Stats:     stats.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig returns the defaults when configPath is empty, otherwise the
// file layered over them. Command-line flags are applied by the caller.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks the settings a terminal needs
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %q (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Node validation
	if len(c.Node.Tables) == 0 {
		return fmt.Errorf("node tables must list at least one table")
	}
	for _, t := range c.Node.Tables {
		if !tableName.MatchString(t) {
			return fmt.Errorf("invalid table name in node tables: %q", t)
		}
	}

	if err := c.Syncer.Validate(); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	return nil
}

// ValidateAuthority checks the settings the reference authority needs
func (c *Config) ValidateAuthority() error {
	if err := c.Authority.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
