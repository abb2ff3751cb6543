// server_test.go - end to end server tests.
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
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnpw/redis/core/log"
	"github.com/mnpw/redis/core/wire"
	"github.com/mnpw/redis/server/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	require.NoError(t, cfg.FixupAndValidate())
	// Ephemeral port for the test listener.
	cfg.Server.Port = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	s, err := New(cfg, logBackend)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func dialServer(t *testing.T, s *Server) net.Conn {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// transact writes raw request bytes and reads back exactly want bytes.
func transact(t *testing.T, conn net.Conn, request, want string) {
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)

	got := make([]byte, len(want))
	_, err = readFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, want, string(got), "request %q", request)
}

func readFull(conn net.Conn, b []byte) (int, error) {
	read := 0
	for read < len(b) {
		n, err := conn.Read(b[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func readReply(t *testing.T, conn net.Conn) wire.Value {
	var pending []byte
	buf := make([]byte, 4096)
	for {
		if len(pending) > 0 {
			v, rest, err := wire.Decode(pending)
			if err == nil {
				require.Empty(t, rest)
				return v
			}
			require.ErrorIs(t, err, wire.ErrIncomplete)
		}
		n, err := conn.Read(buf)
		require.NoError(t, err)
		pending = append(pending, buf[:n]...)
	}
}

func TestPing(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
	transact(t, conn, "*1\r\n$4\r\nping\r\n", "+PONG\r\n")

	// A bare bulk string ping is also answered.
	transact(t, conn, "$4\r\nPING\r\n", "+PONG\r\n")
	transact(t, conn, "+ping\r\n", "+PONG\r\n")
}

func TestEcho(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*2\r\n$4\r\nECHO\r\n$5\r\nhello\r\n", "$5\r\nhello\r\n")
}

func TestSetGet(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", "+OK\r\n")
	transact(t, conn, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n", "$3\r\nbar\r\n")
	transact(t, conn, "*2\r\n$3\r\nGET\r\n$7\r\nmissing\r\n", "$-1\r\n")

	// Case-insensitive command tokens.
	transact(t, conn, "*3\r\n$3\r\nset\r\n$3\r\nfoo\r\n$3\r\nbaz\r\n", "+OK\r\n")
	transact(t, conn, "*2\r\n$3\r\ngEt\r\n$3\r\nfoo\r\n", "$3\r\nbaz\r\n")
}

func TestExpiry(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$3\r\n100\r\n", "+OK\r\n")
	transact(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", "$1\r\nv\r\n")

	time.Sleep(250 * time.Millisecond)
	transact(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", "$-1\r\n")
}

func TestOverwriteClearsExpiry(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$2\r\nv1\r\n$2\r\npx\r\n$2\r\n10\r\n", "+OK\r\n")
	transact(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$2\r\nv2\r\n", "+OK\r\n")

	time.Sleep(50 * time.Millisecond)
	transact(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", "$2\r\nv2\r\n")
}

func TestPipelinedCommands(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	// Two commands in a single write must both be answered; the server
	// drains every complete frame in the buffer.
	transact(t, conn,
		"*1\r\n$4\r\nPING\r\n*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n",
		"+PONG\r\n$2\r\nhi\r\n")
}

func TestPartialFrame(t *testing.T) {
	require := require.New(t)

	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	// A frame split across writes is reassembled.
	_, err := conn.Write([]byte("*2\r\n$4\r\nEC"))
	require.NoError(err)
	time.Sleep(50 * time.Millisecond)
	transact(t, conn, "HO\r\n$5\r\nworld\r\n", "$5\r\nworld\r\n")
}

func TestUnknownCommand(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*1\r\n$5\r\nFLUSH\r\n", "-ERR unknown command\r\n")

	// The connection survives.
	transact(t, conn, "*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
}

func TestInfoPrimary(t *testing.T) {
	require := require.New(t)

	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	_, err := conn.Write([]byte("*2\r\n$4\r\nINFO\r\n$11\r\nreplication\r\n"))
	require.NoError(err)

	v := readReply(t, conn)
	require.Equal(wire.BulkString, v.Kind)
	body := v.String()
	require.Contains(body, "role:master")

	var replid string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "master_replid:") {
			replid = strings.TrimPrefix(line, "master_replid:")
		}
	}
	require.Len(replid, 40)
	require.Contains(body, "master_repl_offset:0")
}

func TestReplConf(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$4\r\n6380\r\n", "+OK\r\n")
}

func TestPSync(t *testing.T) {
	require := require.New(t)

	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	_, err := conn.Write([]byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n"))
	require.NoError(err)

	// +FULLRESYNC <40 char id> 0\r\n
	header := make([]byte, len("+FULLRESYNC ")+40+len(" 0\r\n"))
	_, err = readFull(conn, header)
	require.NoError(err)
	require.True(strings.HasPrefix(string(header), "+FULLRESYNC "))
	require.True(strings.HasSuffix(string(header), " 0\r\n"))

	// $<len>\r\n<len bytes> with no trailing CRLF.
	sizeHeader := fmt.Sprintf("$%d\r\n", len(snapshotPayload))
	got := make([]byte, len(sizeHeader)+len(snapshotPayload))
	_, err = readFull(conn, got)
	require.NoError(err)
	require.Equal(sizeHeader, string(got[:len(sizeHeader)]))
	require.Equal(snapshotPayload, got[len(sizeHeader):])

	// The connection remains usable; no stray CRLF follows the payload.
	transact(t, conn, "*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
}

func TestMalformedFrame(t *testing.T) {
	s := startServer(t, testConfig(t))
	conn := dialServer(t, s)

	transact(t, conn, "?bogus\r\n", "-ERR protocol error\r\n")

	// The connection survives a malformed frame.
	transact(t, conn, "*1\r\n$4\r\nPING\r\n", "+PONG\r\n")
}

func TestConcurrentClients(t *testing.T) {
	require := require.New(t)

	const clients = 8

	s := startServer(t, testConfig(t))

	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(id int) {
			conn, err := net.Dial("tcp", s.Addr().String())
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(30 * time.Second))

			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("c%d.k%d", id, j%7)
				value := fmt.Sprintf("%d-%d", id, j)
				set := fmt.Sprintf("*3\r\n$3\r\nSET\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n", len(key), key, len(value), value)
				if _, err := conn.Write([]byte(set)); err != nil {
					errCh <- err
					return
				}
				reply := make([]byte, len("+OK\r\n"))
				if _, err := readFull(conn, reply); err != nil {
					errCh <- err
					return
				}

				get := fmt.Sprintf("*2\r\n$3\r\nGET\r\n$%d\r\n%s\r\n", len(key), key)
				if _, err := conn.Write([]byte(get)); err != nil {
					errCh <- err
					return
				}
				want := fmt.Sprintf("$%d\r\n%s\r\n", len(value), value)
				got := make([]byte, len(want))
				if _, err := readFull(conn, got); err != nil {
					errCh <- err
					return
				}
				if string(got) != want {
					errCh <- fmt.Errorf("client %d: got %q, want %q", id, got, want)
					return
				}
			}
			errCh <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(<-errCh)
	}
}

// scriptedPrimary accepts one connection and plays the primary's side of
// the replica handshake.
func scriptedPrimary(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	snapshot := []byte("opaque")
	var pending []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			v, rest, err := wire.Decode(pending)
			if err != nil {
				break
			}
			pending = rest
			switch strings.ToUpper(v.Items[0].String()) {
			case "PING":
				conn.Write([]byte("+PONG\r\n"))
			case "REPLCONF":
				conn.Write([]byte("+OK\r\n"))
			case "PSYNC":
				fmt.Fprintf(conn, "+FULLRESYNC %s 0\r\n", strings.Repeat("a", 40))
				fmt.Fprintf(conn, "$%d\r\n", len(snapshot))
				conn.Write(snapshot)
				return
			}
		}
	}
}

func TestReplicaRole(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go scriptedPrimary(t, ln)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(err)
	primaryPort, err := strconv.Atoi(portStr)
	require.NoError(err)

	cfg := &config.Config{
		Replication: &config.Replication{
			PrimaryHost: "127.0.0.1",
			PrimaryPort: primaryPort,
		},
	}
	require.NoError(cfg.FixupAndValidate())
	cfg.Server.Port = 0

	s := startServer(t, cfg)
	conn := dialServer(t, s)

	_, err = conn.Write([]byte("*2\r\n$4\r\nINFO\r\n$11\r\nreplication\r\n"))
	require.NoError(err)
	v := readReply(t, conn)
	require.Equal(wire.BulkString, v.Kind)
	require.Contains(v.String(), "role:slave")
}

func TestHandshakeFailureFatal(t *testing.T) {
	require := require.New(t)

	// A primary that refuses the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	primaryPort, _ := strconv.Atoi(portStr)

	cfg := &config.Config{
		Replication: &config.Replication{
			PrimaryHost: "127.0.0.1",
			PrimaryPort: primaryPort,
		},
	}
	require.NoError(cfg.FixupAndValidate())
	cfg.Server.Port = 0

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	_, err = New(cfg, logBackend)
	require.Error(err)
}

func TestBindFailure(t *testing.T) {
	require := require.New(t)

	// Occupy a port, then ask the server to bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := &config.Config{}
	require.NoError(cfg.FixupAndValidate())
	cfg.Server.Port = port

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	_, err = New(cfg, logBackend)
	require.Error(err)

	var bindErr *BindError
	require.ErrorAs(err, &bindErr)
}
