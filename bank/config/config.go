// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the bank daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	// BackendBolt selects the boltdb ledger.
	BackendBolt = "bolt"

	// BackendPgx selects the PostgreSQL ledger.
	BackendPgx = "pgx"

	defaultLogLevel = "NOTICE"
)

// Ledger is the ledger backend configuration.
type Ledger struct {
	// Backend is one of "bolt" or "pgx".
	Backend string

	// File is the bolt database path.
	File string

	// DataSourceName is the PostgreSQL connection string.
	DataSourceName string
}

func (l *Ledger) validate() error {
	switch l.Backend {
	case BackendBolt:
		if l.File == "" {
			return errors.New("config: Ledger.File is not set")
		}
	case BackendPgx:
		if l.DataSourceName == "" {
			return errors.New("config: Ledger.DataSourceName is not set")
		}
	default:
		return fmt.Errorf("config: invalid Ledger.Backend: '%v'", l.Backend)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log file, if empty logging goes to stdout.
	File string

	// Level is the log level.
	Level string
}

func (l *Logging) validate() error {
	switch l.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		l.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: invalid Logging.Level: '%v'", l.Level)
	}
	return nil
}

// Config is the bank daemon configuration.
type Config struct {
	// Addr is the UDP listen address.
	Addr string

	// NumWorkers bounds the RSA worker pool.
	NumWorkers int

	// QueueDepth bounds the pending request queue.
	QueueDepth int

	// Keys maps each value tier to its PEM signing key file.
	Keys map[string]string

	// MetricsAddr is the prometheus listen address, empty disables it.
	MetricsAddr string

	Ledger  *Ledger
	Logging *Logging
}

// Validate returns nil if the config is valid.
func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return errors.New("config: Addr is not set")
	}
	if len(cfg.Keys) == 0 {
		return errors.New("config: no value tier Keys configured")
	}
	if cfg.Ledger == nil {
		return errors.New("config: Ledger section is missing")
	}
	if err := cfg.Ledger.validate(); err != nil {
		return err
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{Level: defaultLogLevel}
	}
	return cfg.Logging.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
