// codec.go - wire protocol parser and serializer.
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

package wire

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// ErrIncomplete is returned by Decode when the input ends mid-frame.  The
// caller is expected to read more bytes and redrive Decode; every other
// decode error is a permanent malformed-frame condition.
var ErrIncomplete = errors.New("wire: incomplete frame")

func newMalformed(format string, args ...interface{}) error {
	return errors.Errorf("wire: malformed frame: "+format, args...)
}

var crlf = []byte("\r\n")

// Decode parses exactly one frame from the start of b and returns the
// unconsumed suffix verbatim.  The returned Value aliases b; callers that
// retain it across buffer reuse must copy.
func Decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, b, ErrIncomplete
	}
	switch Kind(b[0]) {
	case SimpleString:
		return decodeSimpleString(b)
	case BulkString:
		return decodeBulkString(b)
	case Array:
		return decodeArray(b)
	default:
		return Value{}, b, newMalformed("unknown type prefix 0x%02x", b[0])
	}
}

// decodeLine splits off one CRLF-terminated line, excluding the prefix
// byte and the terminator.
func decodeLine(b []byte) (line, rest []byte, err error) {
	i := bytes.Index(b, crlf)
	if i < 0 {
		return nil, b, ErrIncomplete
	}
	return b[1:i], b[i+2:], nil
}

func decodeSimpleString(b []byte) (Value, []byte, error) {
	line, rest, err := decodeLine(b)
	if err != nil {
		return Value{}, b, err
	}
	if i := bytes.IndexAny(line, "\r\n"); i >= 0 {
		return Value{}, b, newMalformed("simple string contains CR or LF")
	}
	return Value{Kind: SimpleString, Bytes: line}, rest, nil
}

func decodeBulkString(b []byte) (Value, []byte, error) {
	line, rest, err := decodeLine(b)
	if err != nil {
		return Value{}, b, err
	}
	n, err := parseLength(line)
	if err != nil {
		return Value{}, b, err
	}
	if n == -1 {
		// Null bulk.  Reply only, but accepting it costs nothing.
		return Value{Kind: BulkString, Null: true}, rest, nil
	}
	if len(rest) < n+2 {
		return Value{}, b, ErrIncomplete
	}
	if !bytes.Equal(rest[n:n+2], crlf) {
		return Value{}, b, newMalformed("bulk string missing terminator")
	}
	return Value{Kind: BulkString, Bytes: rest[:n]}, rest[n+2:], nil
}

func decodeArray(b []byte) (Value, []byte, error) {
	line, rest, err := decodeLine(b)
	if err != nil {
		return Value{}, b, err
	}
	n, err := parseLength(line)
	if err != nil {
		return Value{}, b, err
	}
	if n < 0 {
		return Value{}, b, newMalformed("negative array length %d", n)
	}
	items := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		var item Value
		item, rest, err = Decode(rest)
		if err != nil {
			return Value{}, b, err
		}
		items = append(items, item)
	}
	return Value{Kind: Array, Items: items}, rest, nil
}

// parseLength parses a base-10 ASCII length.  The only permitted negative
// value is -1, the null bulk sentinel.
func parseLength(line []byte) (int, error) {
	if len(line) == 0 {
		return 0, newMalformed("empty length")
	}
	n, err := strconv.Atoi(string(line))
	if err != nil {
		return 0, newMalformed("bad length %q", line)
	}
	if n < -1 {
		return 0, newMalformed("bad length %d", n)
	}
	return n, nil
}

// Encode serializes a frame.  It is total over well-formed Values.
func Encode(v Value) []byte {
	return AppendEncode(nil, v)
}

// AppendEncode serializes a frame, appending to dst.
func AppendEncode(dst []byte, v Value) []byte {
	switch v.Kind {
	case SimpleString, Error:
		dst = append(dst, byte(v.Kind))
		dst = append(dst, v.Bytes...)
		dst = append(dst, crlf...)
	case BulkString:
		if v.Null {
			dst = append(dst, "$-1\r\n"...)
			break
		}
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(v.Bytes)), 10)
		dst = append(dst, crlf...)
		dst = append(dst, v.Bytes...)
		dst = append(dst, crlf...)
	case Array:
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(v.Items)), 10)
		dst = append(dst, crlf...)
		for _, item := range v.Items {
			dst = AppendEncode(dst, item)
		}
	}
	return dst
}
