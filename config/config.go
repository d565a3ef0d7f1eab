// Package config loads the gojotx server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/sqlconn"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete server configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Transaction TransactionConfig `yaml:"transaction"`
	Server      ServerConfig      `yaml:"server"`
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// DatabaseConfig describes the shared connection.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	OpenRetries uint64        `yaml:"open_retries"`
}

type TransactionConfig struct {
	// BeginStatement is issued to open a transaction, e.g. "BEGIN IMMEDIATE".
	BeginStatement string `yaml:"begin_statement"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// IdleTimeout closes sessions that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	TLS         TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns a configuration that runs a plaintext server on a local
// SQLite file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:      sqlconn.DefaultDriver,
			DSN:         "gojotx.db",
			BusyTimeout: 5 * time.Second,
			OpenRetries: 3,
		},
		Transaction: TransactionConfig{BeginStatement: transaction.DefaultBeginStatement},
		Server:      ServerConfig{ListenAddr: "127.0.0.1:7070"},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			ServiceName:      logger.DefaultService,
			MetricsAddr:      ":9464",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults. ${VAR} references are expanded from the
// environment before parsing; unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem found, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Database.Driver) == "":
		return fmt.Errorf("%w: database.driver is required", ErrInvalidConfig)
	case strings.TrimSpace(c.Database.DSN) == "":
		return fmt.Errorf("%w: database.dsn is required", ErrInvalidConfig)
	case c.Database.BusyTimeout < 0:
		return fmt.Errorf("%w: database.busy_timeout must not be negative", ErrInvalidConfig)
	case !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(c.Transaction.BeginStatement)), "BEGIN"):
		return fmt.Errorf("%w: transaction.begin_statement must start with BEGIN, got %q", ErrInvalidConfig, c.Transaction.BeginStatement)
	case c.Server.ListenAddr == "":
		return fmt.Errorf("%w: server.listen_addr is required", ErrInvalidConfig)
	case c.Server.IdleTimeout < 0:
		return fmt.Errorf("%w: server.idle_timeout must not be negative", ErrInvalidConfig)
	case c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1:
		return fmt.Errorf("%w: telemetry.trace_sample_ratio must be within [0, 1]", ErrInvalidConfig)
	}
	if t := c.Server.TLS; t.Enabled && (t.CAFile == "" || t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("%w: server.tls needs ca_file, cert_file and key_file when enabled", ErrInvalidConfig)
	}
	return nil
}
