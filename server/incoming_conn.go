// incoming_conn.go - server incoming connection worker.
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

package server

import (
	"bytes"
	"container/list"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mnpw/redis/core/wire"
	"github.com/mnpw/redis/replication"
	"github.com/mnpw/redis/server/instrument"
	"github.com/mnpw/redis/store"
)

// readBufferSize is the capacity of each read off the connection.  Every
// command the server accepts fits comfortably; larger requests simply
// span multiple reads.
const readBufferSize = 1024

var incomingConnID uint64

type incomingConn struct {
	s    *Server
	conn net.Conn
	e    *list.Element
	log  *logging.Logger

	store *store.Store
	role  *replication.Role
}

func newIncomingConn(s *Server, conn net.Conn) *incomingConn {
	id := atomic.AddUint64(&incomingConnID, 1)
	c := &incomingConn{
		s:     s,
		conn:  conn,
		log:   s.logBackend.GetLogger(fmt.Sprintf("incoming:%d", id)),
		store: s.store,
		role:  s.role,
	}

	// Command/reply pairs are small and latency sensitive.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())
	return c
}

// worker drives the connection: read, drain every complete frame out of
// the pending buffer, dispatch, loop.  Residual bytes from a partial
// frame are preserved across reads.
func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing")
		c.conn.Close()
		c.s.onClosedConn(c)
	}()

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}
		switch {
		case err == io.EOF:
			c.log.Debugf("Peer closed connection")
			return
		case err != nil:
			c.log.Debugf("Read failure: %v", err)
			return
		case n == 0:
			// A zero byte read is end of stream.
			return
		}

		for len(pending) > 0 {
			v, rest, err := wire.Decode(pending)
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				// Malformed frames are logged and the tainted buffer
				// discarded; the connection survives.
				c.log.Errorf("Malformed frame: %v", err)
				instrument.MalformedFrame()
				if werr := c.writeValue(wire.NewError("ERR protocol error")); werr != nil {
					return
				}
				pending = pending[:0]
				break
			}
			pending = rest
			if err = c.dispatch(v); err != nil {
				c.log.Debugf("Write failure: %v", err)
				return
			}
		}
	}
}

// dispatch routes one decoded frame to its command handler.  Commands
// arrive as an Array of BulkStrings; a bare SimpleString or BulkString
// containing "ping" is also answered.
func (c *incomingConn) dispatch(v wire.Value) error {
	switch v.Kind {
	case wire.Array:
		if len(v.Items) == 0 {
			return c.writeValue(wire.NewError("ERR empty command"))
		}
		name := string(bytes.ToUpper(v.Items[0].Bytes))
		handler, ok := commandTable[name]
		if !ok {
			c.log.Warningf("Unknown command: %v", name)
			instrument.UnknownCommand()
			return c.writeValue(wire.NewError("ERR unknown command"))
		}
		instrument.Command(name)
		return handler(c, v.Items[1:])
	case wire.SimpleString, wire.BulkString:
		if bytes.EqualFold(v.Bytes, []byte("ping")) {
			return c.writeValue(wire.NewSimpleString("PONG"))
		}
		return c.writeValue(wire.NewError("ERR unknown command"))
	default:
		return c.writeValue(wire.NewError("ERR protocol error"))
	}
}

func (c *incomingConn) writeValue(v wire.Value) error {
	return c.writeRaw(wire.Encode(v))
}

func (c *incomingConn) writeRaw(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}
