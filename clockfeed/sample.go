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

// Package clockfeed implements the central, single-producer/multi-subscriber
// ring buffer of periodically sampled clock offsets described in spec.md
// §4.1. A single dedicated worker goroutine samples every registered clock
// against the system clock on a fixed tick and writes the result into a
// per-source ring; subscribers read the most recent sample through a
// Subscription handle that enforces freshness and age bounds without ever
// taking a lock in the read path.
package clockfeed

import "time"

// ClockSample is one ring-buffer entry (spec.md §3).
type ClockSample struct {
	// Seq is the write_counter value at the time this sample was
	// written; monotonically increasing per source.
	Seq uint64
	// RC is nil on success, or the error the clock comparison failed
	// with.
	RC error
	// Mono is the monotonic capture timestamp (suitable for Sub/Since).
	Mono time.Time
	// System is the realtime (wall) capture timestamp.
	System time.Time
	// Snapshot is the reconstructed realtime reading of the source
	// clock at System (System + diff). Zero if RC != nil.
	Snapshot time.Time
}

// DefaultRingCapacityLog2 is N such that a source's ring holds 2^N samples.
const DefaultRingCapacityLog2 = 16
