// config.go - server configuration.
// Copyright (C) 2026  mnpw.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the server configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"net"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/mnpw/redis/core/log"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPort     = 6379
	defaultMaxConns = 1024
	defaultLogLevel = "NOTICE"
)

// Server is the main server configuration.
type Server struct {
	// Host is the bind address.
	Host string

	// Port is the bind port.
	Port int

	// MaxConns caps the number of concurrently served connections.
	MaxConns int
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Host == "" {
		sCfg.Host = defaultHost
	}
	if sCfg.Port == 0 {
		sCfg.Port = defaultPort
	}
	if sCfg.MaxConns == 0 {
		sCfg.MaxConns = defaultMaxConns
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Port < 0 || sCfg.Port > 65535 {
		return fmt.Errorf("config: Server: Port '%v' is invalid", sCfg.Port)
	}
	if sCfg.MaxConns < 1 {
		return fmt.Errorf("config: Server: MaxConns '%v' is invalid", sCfg.MaxConns)
	}
	return nil
}

// Replication is the replication configuration.  Setting both primary
// fields switches the server into the replica role.
type Replication struct {
	// PrimaryHost is the primary's address.
	PrimaryHost string

	// PrimaryPort is the primary's port.
	PrimaryPort int
}

func (rCfg *Replication) validate() error {
	if rCfg.PrimaryHost == "" {
		return fmt.Errorf("config: Replication: PrimaryHost is missing")
	}
	if rCfg.PrimaryPort < 1 || rCfg.PrimaryPort > 65535 {
		return fmt.Errorf("config: Replication: PrimaryPort '%v' is invalid", rCfg.PrimaryPort)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log file, if omitted stdout is used.
	File string

	// Level is the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if err := log.ValidateLevel(lCfg.Level); err != nil {
		return err
	}
	return nil
}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Metrics is the instrumentation configuration.
type Metrics struct {
	// Listen is the address the metrics endpoint is served on.  Empty
	// disables the endpoint; counters are still maintained.
	Listen string
}

// Config is the top level server configuration.
type Config struct {
	Server      *Server
	Replication *Replication
	Logging     *Logging
	Metrics     *Metrics
}

// ListenAddr returns the host:port the server binds.
func (cfg *Config) ListenAddr() string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

// IsReplica returns true iff a primary is configured.
func (cfg *Config) IsReplica() bool {
	return cfg.Replication != nil
}

// FixupAndValidate applies defaults to unset fields and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = new(Server)
	}
	cfg.Server.applyDefaults()
	if err := cfg.Server.validate(); err != nil {
		return err
	}

	if cfg.Replication != nil {
		if err := cfg.Replication.validate(); err != nil {
			return err
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	if cfg.Metrics == nil {
		cfg.Metrics = new(Metrics)
	}

	return nil
}

// Load parses and validates the provided TOML document, and returns the
// Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: document contains unknown keys: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
