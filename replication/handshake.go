// handshake.go - replica to primary handshake.
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

package replication

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mnpw/redis/core/wire"
)

const (
	defaultHandshakeTimeout = 1 * time.Minute

	// readChunkSize is the size of each read off the primary's reply
	// stream.  Replies during the handshake are tiny, apart from the
	// snapshot payload which is accumulated across reads.
	readChunkSize = 1024
)

// HandshakeError is the error used to indicate that the handshake with
// the primary failed.  It is fatal to a replica.
type HandshakeError struct {
	// Err is the original error that caused the handshake to fail.
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("replication: handshake failed: %v", e.Err)
}

func newHandshakeError(f string, a ...interface{}) error {
	return &HandshakeError{Err: errors.Errorf(f, a...)}
}

// HandshakeConfig parameterizes a replica's startup handshake.
type HandshakeConfig struct {
	// PrimaryHost and PrimaryPort identify the primary to dial.
	PrimaryHost string
	PrimaryPort int

	// ListeningPort is the port this replica serves on, announced to the
	// primary via REPLCONF listening-port.
	ListeningPort int

	// Timeout bounds the entire handshake.  Defaults to 1 minute.
	Timeout time.Duration

	// Log is the logger used for handshake progress.
	Log *logging.Logger
}

// handshakeConn drives the ordered, synchronous handshake conversation
// over a fresh connection to the primary.
type handshakeConn struct {
	conn    net.Conn
	log     *logging.Logger
	pending []byte
	buf     []byte
}

// Handshake performs the replica's startup handshake against the
// configured primary.  The conversation is strictly ordered; each step
// awaits its reply before the next request is sent.  Any failure is
// returned as a *HandshakeError and is expected to be fatal to the
// process.  The connection to the primary is closed on return; no
// replication stream follows the handshake.
func Handshake(cfg *HandshakeConfig) error {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}

	addr := net.JoinHostPort(cfg.PrimaryHost, strconv.Itoa(cfg.PrimaryPort))
	cfg.Log.Noticef("Dialing primary: %v", addr)
	deadline := time.Now().Add(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return newHandshakeError("failed to dial primary %v: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	c := &handshakeConn{
		conn: conn,
		log:  cfg.Log,
		buf:  make([]byte, readChunkSize),
	}

	// Step 1: PING, expect PONG.
	if err = c.roundTrip(wire.NewCommand("PING"), "PONG"); err != nil {
		return err
	}

	// Step 2: announce our listening port, expect OK.
	port := strconv.Itoa(cfg.ListeningPort)
	if err = c.roundTrip(wire.NewCommand("REPLCONF", "listening-port", port), "OK"); err != nil {
		return err
	}

	// Step 3: announce capabilities, expect OK.
	if err = c.roundTrip(wire.NewCommand("REPLCONF", "capa", "psync2"), "OK"); err != nil {
		return err
	}

	// Step 4: request a full resync, expect FULLRESYNC followed by the
	// bulk-framed snapshot.
	if err = c.roundTrip(wire.NewCommand("PSYNC", "?", "-1"), "FULLRESYNC"); err != nil {
		return err
	}
	n, err := c.readSnapshot()
	if err != nil {
		return err
	}
	c.log.Noticef("Handshake complete, received %d byte snapshot.", n)

	return nil
}

// roundTrip sends one command and verifies the reply contains the
// expected token, matched case-insensitively.
func (c *handshakeConn) roundTrip(cmd wire.Value, token string) error {
	if _, err := c.conn.Write(wire.Encode(cmd)); err != nil {
		return newHandshakeError("failed to send %v: %v", cmd.Items[0].String(), err)
	}
	reply, err := c.readFrame()
	if err != nil {
		return err
	}
	if !containsToken(reply, token) {
		return newHandshakeError("unexpected reply to %v: %q (expecting %q)", cmd.Items[0].String(), reply.Bytes, token)
	}
	c.log.Debugf("%v acknowledged.", cmd.Items[0].String())
	return nil
}

// readFrame reads until one complete frame decodes, preserving residual
// bytes for subsequent reads.
func (c *handshakeConn) readFrame() (wire.Value, error) {
	for {
		if len(c.pending) > 0 {
			v, rest, err := wire.Decode(c.pending)
			switch {
			case err == nil:
				c.pending = rest
				return v, nil
			case errors.Is(err, wire.ErrIncomplete):
				// Fall through to read more.
			default:
				return wire.Value{}, newHandshakeError("malformed reply from primary: %v", err)
			}
		}
		if err := c.fill(); err != nil {
			return wire.Value{}, err
		}
	}
}

// readSnapshot consumes the bulk-framed snapshot payload: $<len>\r\n
// followed by exactly len bytes, with no trailing terminator.  The
// payload is opaque and discarded.
func (c *handshakeConn) readSnapshot() (int, error) {
	for {
		if i := bytes.Index(c.pending, []byte("\r\n")); i >= 0 {
			header := c.pending[:i]
			if len(header) < 2 || header[0] != '$' {
				return 0, newHandshakeError("bad snapshot header %q", header)
			}
			size, err := strconv.Atoi(string(header[1:]))
			if err != nil || size < 0 {
				return 0, newHandshakeError("bad snapshot length %q", header[1:])
			}
			c.pending = c.pending[i+2:]
			for len(c.pending) < size {
				if err := c.fill(); err != nil {
					return 0, err
				}
			}
			// The snapshot is not parsed or validated.
			c.pending = c.pending[size:]
			return size, nil
		}
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
}

func (c *handshakeConn) fill() error {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		c.pending = append(c.pending, c.buf[:n]...)
	}
	if err != nil {
		return newHandshakeError("read from primary failed: %v", err)
	}
	return nil
}

// containsToken reports whether the frame's text contains token,
// case-insensitively.  Array replies never occur during the handshake.
func containsToken(v wire.Value, token string) bool {
	return bytes.Contains(bytes.ToUpper(v.Bytes), []byte(token))
}
