// server.go - server bootstrap and accept loop.
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

// Package server implements the key/value server: socket bootstrap, the
// accept loop, and the per-connection command dispatch.
package server

import (
	"container/list"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/mnpw/redis/core/log"
	"github.com/mnpw/redis/core/worker"
	"github.com/mnpw/redis/replication"
	"github.com/mnpw/redis/server/config"
	"github.com/mnpw/redis/server/instrument"
	"github.com/mnpw/redis/store"
)

// BindError is the error used to indicate that the listening endpoint
// could not be acquired.  It is fatal to the process.
type BindError struct {
	// Err is the original error that caused the bind to fail.
	Err error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind failed: %v", e.Err)
}

func newBindError(f string, a ...interface{}) error {
	return &BindError{Err: errors.Errorf(f, a...)}
}

// Server is the key/value server.  The role is immutable after New
// returns; the store is shared across all connection workers.
type Server struct {
	worker.Worker

	cfg   *config.Config
	role  *replication.Role
	store *store.Store

	logBackend *log.Backend
	log        *logging.Logger

	listener net.Listener

	connLock sync.Mutex
	conns    *list.List
}

// New constructs a Server from the validated configuration: it binds the
// listening endpoint, derives the role, performs the replica handshake
// when a primary is configured, and starts the accept loop.  Bind and
// handshake failures are fatal and returned to the caller.
func New(cfg *config.Config, logBackend *log.Backend) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		store:      store.New(),
		logBackend: logBackend,
		log:        logBackend.GetLogger("server"),
		conns:      list.New(),
	}

	if cfg.IsReplica() {
		s.role = replication.NewReplica(cfg.Replication.PrimaryHost, cfg.Replication.PrimaryPort)
	} else {
		s.role = replication.NewPrimary()
		s.log.Noticef("Replication ID: %v", s.role.ReplicationID)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return nil, newBindError("%v: %v", cfg.ListenAddr(), err)
	}
	s.listener = netutil.LimitListener(ln, cfg.Server.MaxConns)
	s.log.Noticef("Listening on: %v", s.listener.Addr())

	// A replica completes its handshake with the primary before serving.
	if cfg.IsReplica() {
		err = replication.Handshake(&replication.HandshakeConfig{
			PrimaryHost:   cfg.Replication.PrimaryHost,
			PrimaryPort:   cfg.Replication.PrimaryPort,
			ListeningPort: cfg.Server.Port,
			Log:           logBackend.GetLogger("replication"),
		})
		if err != nil {
			s.listener.Close()
			return nil, err
		}
		instrument.HandshakeCompleted()
	}

	if cfg.Metrics.Listen != "" {
		instrument.StartMetricsEndpoint(cfg.Metrics.Listen, logBackend.GetLogger("instrument"))
	}

	s.Go(s.haltWorker)
	s.Go(s.acceptWorker)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown gracefully halts the accept loop and all connection workers.
func (s *Server) Shutdown() {
	s.Halt()
}

// haltWorker tears down the listener and all live connections once a
// halt is signaled, unblocking the workers' reads.
func (s *Server) haltWorker() {
	<-s.HaltCh()
	s.listener.Close()

	s.connLock.Lock()
	for e := s.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).conn.Close()
	}
	s.connLock.Unlock()
}

func (s *Server) acceptWorker() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				// Orderly shutdown.
			default:
				// Accept loop errors are fatal to the loop but not to
				// the workers already running.
				s.log.Errorf("Accept failure: %v", err)
			}
			return
		}
		instrument.IncomingConn()
		s.onNewConn(conn)
	}
}

func (s *Server) onNewConn(conn net.Conn) {
	c := newIncomingConn(s, conn)

	// The halt check is made under connLock so that a connection accepted
	// while a halt is in flight is either closed here or swept by
	// haltWorker, never orphaned.
	s.connLock.Lock()
	select {
	case <-s.HaltCh():
		s.connLock.Unlock()
		conn.Close()
		return
	default:
	}
	c.e = s.conns.PushFront(c)
	s.connLock.Unlock()

	s.Go(c.worker)
}

func (s *Server) onClosedConn(c *incomingConn) {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	s.conns.Remove(c.e)
}
