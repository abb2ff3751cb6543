// main.go - key/value server binary.
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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/mnpw/redis/core/log"
	"github.com/mnpw/redis/server"
	"github.com/mnpw/redis/server/config"
)

func main() {
	cfgFile := flag.String("f", "", "Path to the server config file.")
	host := flag.String("host", "127.0.0.1", "Bind address.")
	port := flag.Int("port", 6379, "Bind port.")
	replicaOf := flag.String("replicaof", "", "Primary to follow, as \"<host> <port>\"; presence switches the role to replica.")
	logFile := flag.String("log_file", "", "Log file, defaults to stdout.")
	logLevel := flag.String("log_level", "NOTICE", "Log level: ERROR, WARNING, NOTICE, INFO, DEBUG.")
	version := flag.Bool("version", false, "Print the version and exit.")
	flag.Parse()

	if *version {
		fmt.Printf("redis-server %s\n", versioninfo.Short())
		return
	}

	cfg, err := loadConfig(*cfgFile, *host, *port, *replicaOf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(-1)
	}

	// The log flags, when given, override the config file's Logging section.
	logFileName, logLvl := cfg.Logging.File, cfg.Logging.Level
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log_file":
			logFileName = *logFile
		case "log_level":
			logLvl = *logLevel
		}
	})
	logBackend, err := log.New(logFileName, logLvl, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(-1)
	}
	serverLog := logBackend.GetLogger("main")

	svr, err := server.New(cfg, logBackend)
	if err != nil {
		serverLog.Critical("Failed to start server: %v", err)
		os.Exit(-1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		serverLog.Notice("Shutting down")
		svr.Shutdown()
	}()

	svr.Wait()
}

// loadConfig builds the configuration from the optional config file with
// command line overrides applied on top.
func loadConfig(cfgFile, host string, port int, replicaOf string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = new(config.Config)
		if err = cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
	}

	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if setFlags["host"] {
		cfg.Server.Host = host
	}
	if setFlags["port"] {
		cfg.Server.Port = port
	}
	if setFlags["replicaof"] {
		tokens := strings.Fields(replicaOf)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("replicaof expects \"<host> <port>\", got %q", replicaOf)
		}
		primaryPort, err := strconv.Atoi(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("replicaof port %q: %v", tokens[1], err)
		}
		cfg.Replication = &config.Replication{
			PrimaryHost: tokens[0],
			PrimaryPort: primaryPort,
		}
	}

	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
