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

package shm

import (
	"errors"
	"time"
)

// ErrEventSourceClosed is returned by an EventSource once it has been
// permanently torn down (e.g. the backing interface disappeared).
var ErrEventSourceClosed = errors.New("shm: event source closed")

// Event is one (sequence_number, hardware_timestamp) tuple delivered by
// the instance's event source (spec.md §4 component 4).
type Event struct {
	SeqNum    uint32 // SequenceNotProvided if the source has no sequence numbers
	Timestamp time.Time
}

// EventSource abstracts the pulse/timed-event source bound to a SHM
// instance (a PPS pin, an extts queue, or test-mode synthesis).
type EventSource interface {
	// Next blocks until the next event is available, the source errors,
	// or done is closed. An error return other than context cancellation
	// means the event source itself failed (spec.md §4.3 "on
	// event-source error").
	Next(done <-chan struct{}) (Event, error)
}

// ToDState is the reported state of a bound time-of-day source (spec.md
// §4.3.2).
type ToDState int

const (
	ToDOther ToDState = iota
	ToDSlave
	ToDSelection
)

// ToDStatus is what a time-of-day source reports on each poll.
type ToDStatus struct {
	State ToDState
	// MasterToSystemNs is the master-to-system-clock offset in
	// nanoseconds; zero means "no correction available yet".
	MasterToSystemNs float64
}

// TimeOfDaySource abstracts the auxiliary seconds-component source named
// by Config.TimeOfDay (spec.md §4.3.2). In the full daemon this is another
// SHM instance reached through the engine; tests inject a fake.
type TimeOfDaySource interface {
	Status() (ToDStatus, error)
	// NotifyStep informs the time-of-day source that this instance's
	// clock was just stepped, so it can discard stale state.
	NotifyStep()
}
