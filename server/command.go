// command.go - command handlers.
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
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/mnpw/redis/core/wire"
)

// commandHandler consumes the argument frames positioned just past the
// command token and writes the framed reply.
type commandHandler func(c *incomingConn, args []wire.Value) error

// Command tokens are matched case-insensitively; dispatch uppercases
// before the lookup.
var commandTable = map[string]commandHandler{
	"PING":     cmdPing,
	"ECHO":     cmdEcho,
	"INFO":     cmdInfo,
	"SET":      cmdSet,
	"GET":      cmdGet,
	"REPLCONF": cmdReplConf,
	"PSYNC":    cmdPSync,
}

// snapshotPayload is the fixed opaque snapshot delivered in the PSYNC
// reply: an empty data set image.  Its content is never parsed.
var snapshotPayload []byte

func init() {
	const emptySnapshotHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"
	var err error
	snapshotPayload, err = hex.DecodeString(emptySnapshotHex)
	if err != nil {
		panic("server: invalid snapshot constant: " + err.Error())
	}
}

func (c *incomingConn) writeArityError(cmd string) error {
	return c.writeValue(wire.NewError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd)))
}

// cmdPing replies +PONG.  Arguments, if any, are not inspected.
func cmdPing(c *incomingConn, args []wire.Value) error {
	return c.writeValue(wire.NewSimpleString("PONG"))
}

// cmdEcho replies the message argument as a bulk string.
func cmdEcho(c *incomingConn, args []wire.Value) error {
	if len(args) != 1 {
		return c.writeArityError("echo")
	}
	return c.writeValue(wire.NewBulkString(args[0].Bytes))
}

// cmdInfo replies the requested section as a bulk string.  Only the
// replication section is supported, and a bare INFO also replies it; any
// other section yields an empty body.
func cmdInfo(c *incomingConn, args []wire.Value) error {
	var body string
	if len(args) == 0 || bytes.EqualFold(args[0].Bytes, []byte("replication")) {
		body = c.role.InfoReplication()
	}
	return c.writeValue(wire.NewBulkString([]byte(body)))
}

// cmdSet binds key to value, with an optional PX expiry in milliseconds.
// A SET without PX clears any prior deadline.
func cmdSet(c *incomingConn, args []wire.Value) error {
	if len(args) != 2 && len(args) != 4 {
		return c.writeArityError("set")
	}
	key := string(args[0].Bytes)
	value := args[1].Bytes

	if len(args) == 4 {
		if !bytes.EqualFold(args[2].Bytes, []byte("PX")) {
			return c.writeValue(wire.NewError("ERR syntax error"))
		}
		millis, err := strconv.ParseInt(string(args[3].Bytes), 10, 64)
		if err != nil || millis <= 0 {
			return c.writeValue(wire.NewError("ERR invalid expire time in 'set' command"))
		}
		c.store.SetWithTTL(key, value, time.Duration(millis)*time.Millisecond)
	} else {
		c.store.Set(key, value)
	}
	return c.writeValue(wire.NewSimpleString("OK"))
}

// cmdGet replies the bound value, or the null bulk when the key is
// absent or expired.
func cmdGet(c *incomingConn, args []wire.Value) error {
	if len(args) != 1 {
		return c.writeArityError("get")
	}
	value, ok := c.store.Get(string(args[0].Bytes))
	if !ok {
		return c.writeValue(wire.NewNullBulk())
	}
	return c.writeValue(wire.NewBulkString(value))
}

// cmdReplConf acknowledges replication configuration from a replica.
// The arguments are accepted but not interpreted.
func cmdReplConf(c *incomingConn, args []wire.Value) error {
	return c.writeValue(wire.NewSimpleString("OK"))
}

// cmdPSync replies a full resync marker followed by the snapshot
// payload.  The snapshot's bulk framing intentionally omits the trailing
// CRLF; this is the protocol's documented exception for inline snapshot
// transport.
func cmdPSync(c *incomingConn, args []wire.Value) error {
	resync := fmt.Sprintf("FULLRESYNC %s %d", c.role.ReplicationID, c.role.Offset)
	if err := c.writeValue(wire.NewSimpleString(resync)); err != nil {
		return err
	}

	frame := make([]byte, 0, len(snapshotPayload)+16)
	frame = append(frame, '$')
	frame = strconv.AppendInt(frame, int64(len(snapshotPayload)), 10)
	frame = append(frame, '\r', '\n')
	frame = append(frame, snapshotPayload...)
	return c.writeRaw(frame)
}
