// store.go - in-memory keyed store.
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

// Package store implements the shared keyed store: a concurrency-safe
// mapping from key to value, where each entry optionally carries an
// expiry deadline.  Expiry is lazy; entries past their deadline are
// reaped when a read observes them.
package store

import (
	"sync"
	"time"

	"github.com/mnpw/redis/core/monotime"
)

type entry struct {
	value []byte

	// deadline is a monotime instant.  Only meaningful when expires is
	// set.
	deadline time.Duration
	expires  bool
}

// Store is a keyed store shared across all connection workers.  The lock
// is held only for the map access itself, never across I/O.
type Store struct {
	sync.Mutex

	entries map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
	}
}

// Set unconditionally binds key to value, clearing any prior deadline.
// The value bytes are copied.
func (s *Store) Set(key string, value []byte) {
	s.Lock()
	defer s.Unlock()

	s.entries[key] = entry{value: dup(value)}
}

// SetWithTTL binds key to value with a deadline of now + ttl.  Any prior
// binding, and its deadline, is replaced.
func (s *Store) SetWithTTL(key string, value []byte, ttl time.Duration) {
	s.Lock()
	defer s.Unlock()

	s.entries[key] = entry{
		value:    dup(value),
		deadline: monotime.Now() + ttl,
		expires:  true,
	}
}

// Get returns the value bound to key, if a binding exists and has not
// expired.  An expired binding behaves as if absent, and is reaped
// opportunistically.
func (s *Store) Get(key string) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expires && monotime.Now() > e.deadline {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

// Len returns the number of bindings, counting entries that have expired
// but not yet been reaped.
func (s *Store) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.entries)
}

func dup(b []byte) []byte {
	d := make([]byte, len(b))
	copy(d, b)
	return d
}
