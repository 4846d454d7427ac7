/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clock provides the opaque handle the rest of the daemon uses to
// read, compare, step and discipline a local reference clock, whether it is
// the system clock or a NIC's PHC.
package clock

import (
	"fmt"
	"time"
)

// Clock is the abstraction the Clock Feed service and Sync Module instances
// use to deal with a local reference clock. A Clock is reference-stable for
// the process lifetime after it is registered with the Clock Feed; its
// mutating operations are expected to serialize internally.
type Clock interface {
	// Name returns a human-readable identifier (interface name, or "system").
	Name() string

	// Now returns the clock's current realtime reading.
	Now() (time.Time, error)

	// CompareToSystem returns how far ahead of the system clock this clock
	// is: diff such that clock_time = system_time + diff.
	CompareToSystem() (diff time.Duration, err error)

	// AdjFreqPPB adjusts the clock's frequency by freqPPB parts-per-billion.
	AdjFreqPPB(freqPPB float64) error

	// FrequencyPPB reads back the clock's currently configured frequency
	// correction in parts-per-billion.
	FrequencyPPB() (float64, error)

	// Step immediately steps the clock by the given offset.
	Step(offset time.Duration) error

	// MaxFreqPPB returns the maximum frequency adjustment this clock
	// supports.
	MaxFreqPPB() (float64, error)

	// SaveFrequency persists the given frequency correction so a later
	// process start can read it back via LoadFrequency. System clocks
	// typically no-op this; PHC-backed clocks persist to a state file.
	SaveFrequency(freqPPB float64) error

	// LoadFrequency reads back a previously persisted frequency
	// correction, or (0, false, nil) if none was ever saved.
	LoadFrequency() (freqPPB float64, ok bool, err error)

	// EnableEventSource arms (or disarms, when enable is false) a
	// timed-event source bound to this clock (e.g. a PPS/extts pin on a
	// PHC). Clocks without an event source (the system clock) return
	// ErrNoEventSource.
	EnableEventSource(enable bool) error
}

// ErrNoEventSource is returned by EnableEventSource on clocks that do not
// support a bound timed-event source.
var ErrNoEventSource = fmt.Errorf("clock: no timed-event source available")

// IsSystemClock reports whether c is the distinguished system clock, which
// the Clock Feed treats specially (subscribe() on it returns a null
// subscription rather than a ring-backed one).
func IsSystemClock(c Clock) bool {
	_, ok := c.(*SystemClock)
	return ok
}
