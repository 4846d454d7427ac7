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

package clockfeed

import (
	"sync/atomic"

	"github.com/clocksync/tsyncd/clock"
)

// clockSource is one entry in the Clock Feed (spec.md §3 "ClockSource").
// It is exclusively owned by the Feed's sampler goroutine for writes;
// writeCounter is the only field readers touch concurrently, and it is
// published with atomic release/acquire semantics so the ring-without-locks
// pattern in spec.md §9 holds on any platform.
type clockSource struct {
	clock          clock.Clock
	pollPeriodLog2 uint8
	cycles         uint64

	ring       []ClockSample
	capLog2    uint8
	writeCtr   atomic.Uint64

	subscriberCount int32 // atomic: bumped by Subscribe/Unsubscribe
	inactive        atomic.Bool
}

func newClockSource(c clock.Clock, pollPeriodLog2 uint8, ringLog2 uint8) *clockSource {
	return &clockSource{
		clock:          c,
		pollPeriodLog2: pollPeriodLog2,
		ring:           make([]ClockSample, 1<<ringLog2),
		capLog2:        ringLog2,
	}
}

func (s *clockSource) capacity() uint64 { return uint64(len(s.ring)) }

func (s *clockSource) isInactive() bool { return s.inactive.Load() }

// dueThisTick reports whether this source should be sampled on the current
// global tick, given the feed's global poll-period exponent, and advances
// the source's prescaler counter regardless of the outcome.
func (s *clockSource) dueThisTick(globalLog2 uint8) bool {
	mask := uint64(1)<<(s.pollPeriodLog2-globalLog2) - 1
	due := s.cycles&mask == 0
	s.cycles++
	return due
}

// write appends one sample, publishing writeCtr last so a concurrent
// reader either sees the fully-populated slot or doesn't see the bump yet.
func (s *clockSource) write(sample ClockSample) {
	w := s.writeCtr.Load()
	idx := w % s.capacity()
	sample.Seq = w
	s.ring[idx] = sample
	s.writeCtr.Store(w + 1)
}

func (s *clockSource) addSubscriber() { atomic.AddInt32(&s.subscriberCount, 1) }

// removeSubscriber decrements the subscriber count and reports whether the
// source has become reclaimable (inactive with no subscribers left).
func (s *clockSource) removeSubscriber() bool {
	n := atomic.AddInt32(&s.subscriberCount, -1)
	return s.isInactive() && n <= 0
}
