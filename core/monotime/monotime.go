// monotime.go - monotonic clock source.
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

// Package monotime provides a monotonic source of time, suitable for
// measuring deadlines that must be immune to wall clock adjustments.
package monotime

import "time"

var epoch = time.Now()

// Now returns the elapsed monotonic time since an arbitrary process-local
// epoch.
func Now() time.Duration {
	// time.Since reads the monotonic clock reading stored in epoch, so
	// the result is unaffected by wall clock steps.
	return time.Since(epoch)
}
