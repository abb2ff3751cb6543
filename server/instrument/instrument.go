// instrument.go - server instrumentation.
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

// Package instrument exposes the server's prometheus instrumentation.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

const namespace = "redis"

var (
	incomingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_connections_total",
			Help:      "Number of accepted connections",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of dispatched commands",
		},
		[]string{"command"},
	)
	unknownCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_commands_total",
			Help:      "Number of unrecognized commands",
		},
	)
	malformedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Number of malformed frames received",
		},
	)
	handshakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Number of completed replica handshakes",
		},
	)
)

func init() {
	prometheus.MustRegister(incomingConns)
	prometheus.MustRegister(commands)
	prometheus.MustRegister(unknownCommands)
	prometheus.MustRegister(malformedFrames)
	prometheus.MustRegister(handshakes)
}

// IncomingConn increments the accepted connection counter.
func IncomingConn() {
	incomingConns.Inc()
}

// Command increments the dispatch counter for the named command.
func Command(name string) {
	commands.With(prometheus.Labels{"command": name}).Inc()
}

// UnknownCommand increments the unrecognized command counter.
func UnknownCommand() {
	unknownCommands.Inc()
}

// MalformedFrame increments the malformed frame counter.
func MalformedFrame() {
	malformedFrames.Inc()
}

// HandshakeCompleted increments the completed handshake counter.
func HandshakeCompleted() {
	handshakes.Inc()
}

// StartMetricsEndpoint serves the prometheus metrics endpoint on addr.
func StartMetricsEndpoint(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics endpoint failure: %v", err)
		}
	}()
	log.Noticef("Metrics endpoint listening on %v", addr)
}
