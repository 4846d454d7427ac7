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

//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// SystemClock is the CLOCK_REALTIME clock. It never has a timed-event
// source, and the Clock Feed treats it specially: subscribing to it
// returns a null subscription rather than a ring-backed one.
type SystemClock struct {
	savedFreqPPB float64
	haveSaved    bool
}

// NewSystemClock creates a handle for the system clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Name implements Clock.
func (s *SystemClock) Name() string { return "system" }

// Now implements Clock.
func (s *SystemClock) Now() (time.Time, error) { return time.Now(), nil }

// CompareToSystem implements Clock: the system clock compared to itself is
// always a zero offset.
func (s *SystemClock) CompareToSystem() (time.Duration, error) { return 0, nil }

// systemAdjtimex is the CLOCK_REALTIME binding of adjtimex shared by every
// SystemClock method below.
var systemAdjtimex = adjtimex{clockID: unix.CLOCK_REALTIME}

// AdjFreqPPB implements Clock.
func (s *SystemClock) AdjFreqPPB(freqPPB float64) error {
	return systemAdjtimex.adjFreqPPB(freqPPB)
}

// FrequencyPPB implements Clock.
func (s *SystemClock) FrequencyPPB() (float64, error) {
	return systemAdjtimex.frequencyPPB()
}

// Step implements Clock.
func (s *SystemClock) Step(offset time.Duration) error {
	return systemAdjtimex.step(offset)
}

// MaxFreqPPB implements Clock.
func (s *SystemClock) MaxFreqPPB() (float64, error) {
	return systemAdjtimex.maxFreqPPB()
}

// SaveFrequency implements Clock. The system clock's correction is kept
// in-process only; callers that need cross-restart persistence should use
// a PHC-backed clock instead.
func (s *SystemClock) SaveFrequency(freqPPB float64) error {
	s.savedFreqPPB = freqPPB
	s.haveSaved = true
	return nil
}

// LoadFrequency implements Clock.
func (s *SystemClock) LoadFrequency() (float64, bool, error) {
	return s.savedFreqPPB, s.haveSaved, nil
}

// EnableEventSource implements Clock: the system clock has none.
func (s *SystemClock) EnableEventSource(bool) error {
	return ErrNoEventSource
}

// SetSync marks the system clock synchronized at the kernel level, mirroring
// ntpd/chronyd/ptp4l behavior after a successful slew update.
func (s *SystemClock) SetSync() error {
	return systemAdjtimex.setSync()
}
