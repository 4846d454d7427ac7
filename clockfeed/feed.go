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
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clocksync/tsyncd/clock"
)

// maxEventSubscribers bounds the number of threads that may register for
// cycle-complete notifications (spec.md §4.1: "Capacity is fixed (e.g. 4);
// exceeding capacity is fatal to the requester.").
const maxEventSubscribers = 4

type opKind int

const (
	opAddClock opKind = iota
	opRemoveClock
	opSubscribe
	opUnsubscribe
	opSubscribeEvents
	opUnsubscribeEvents
)

type feedOp struct {
	kind opKind

	clock          clock.Clock
	pollPeriodLog2 uint8
	ringLog2       uint8
	sub            *Subscription
	eventCh        chan struct{}

	reply chan opReply
}

type opReply struct {
	sub     *Subscription
	eventCh chan struct{}
	err     error
}

// Feed is the Clock Feed Service: a single dedicated worker that, on a
// fixed tick, samples every registered clock against the system clock and
// writes the result into a per-source ring buffer (spec.md §4.1). It is
// meant to be a process-wide singleton, initialized before any Sync
// Module is started and torn down after all are stopped (spec.md §9).
type Feed struct {
	systemClock    clock.Clock
	tickInterval   time.Duration
	globalLog2     uint8

	ops  chan feedOp
	done chan struct{}

	active   map[clock.Clock]*clockSource
	inactive []*clockSource

	eventSubs []chan struct{}
}

// NewFeed creates a Clock Feed that samples on tickInterval. globalLog2 is
// the module-global poll-period exponent: sources requesting a shorter
// period are clamped up to it.
func NewFeed(systemClock clock.Clock, tickInterval time.Duration, globalLog2 uint8) *Feed {
	return &Feed{
		systemClock:  systemClock,
		tickInterval: tickInterval,
		globalLog2:   globalLog2,
		ops:          make(chan feedOp),
		done:         make(chan struct{}),
		active:       make(map[clock.Clock]*clockSource),
	}
}

// Run drives the sampler tick and serializes all AddClock/RemoveClock/
// Subscribe/Unsubscribe/SubscribeEvents calls through a single goroutine,
// matching spec.md §5's "each ... runs as an independent worker with its
// own inbound message queue" model. It returns when ctx is canceled.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()
	defer close(f.done)

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-f.ops:
			f.handleOp(op)
		case <-ticker.C:
			f.sampleTick()
		}
	}
}

// Stopped returns a channel closed once Run has returned.
func (f *Feed) Stopped() <-chan struct{} { return f.done }

func (f *Feed) handleOp(op feedOp) {
	switch op.kind {
	case opAddClock:
		op.reply <- opReply{err: f.addClock(op.clock, op.pollPeriodLog2, op.ringLog2)}
	case opRemoveClock:
		op.reply <- opReply{err: f.removeClock(op.clock)}
	case opSubscribe:
		sub, err := f.subscribe(op.clock)
		op.reply <- opReply{sub: sub, err: err}
	case opUnsubscribe:
		op.reply <- opReply{err: f.unsubscribe(op.sub)}
	case opSubscribeEvents:
		ch, err := f.subscribeEvents()
		op.reply <- opReply{eventCh: ch, err: err}
	case opUnsubscribeEvents:
		op.reply <- opReply{err: f.unsubscribeEvents(op.eventCh)}
	}
}

func (f *Feed) call(op feedOp) opReply {
	op.reply = make(chan opReply, 1)
	select {
	case f.ops <- op:
	case <-f.done:
		return opReply{err: fmt.Errorf("clockfeed: feed stopped")}
	}
	return <-op.reply
}

// AddClock registers a clock for periodic sampling (spec.md §4.1). If
// pollPeriodLog2 requests a faster cadence than the feed's global period
// it is clamped, and a warning is logged.
func (f *Feed) AddClock(c clock.Clock, pollPeriodLog2 uint8) error {
	return f.AddClockSized(c, pollPeriodLog2, DefaultRingCapacityLog2)
}

// AddClockSized is AddClock with an explicit ring-capacity exponent,
// exposed so tests can use small rings.
func (f *Feed) AddClockSized(c clock.Clock, pollPeriodLog2, ringLog2 uint8) error {
	r := f.call(feedOp{kind: opAddClock, clock: c, pollPeriodLog2: pollPeriodLog2, ringLog2: ringLog2})
	return r.err
}

func (f *Feed) addClock(c clock.Clock, pollPeriodLog2, ringLog2 uint8) error {
	if clock.IsSystemClock(c) {
		return fmt.Errorf("clockfeed: cannot add the system clock as a source")
	}
	if _, ok := f.active[c]; ok {
		return fmt.Errorf("clockfeed: clock %q already added", c.Name())
	}
	for _, s := range f.inactive {
		if s.clock == c {
			return fmt.Errorf("clockfeed: clock %q already added", c.Name())
		}
	}
	if pollPeriodLog2 < f.globalLog2 {
		log.Warningf("clockfeed: clock %q requested poll period 2^%d below global 2^%d, clamping",
			c.Name(), pollPeriodLog2, f.globalLog2)
		pollPeriodLog2 = f.globalLog2
	}
	if ringLog2 == 0 {
		ringLog2 = DefaultRingCapacityLog2
	}
	f.active[c] = newClockSource(c, pollPeriodLog2, ringLog2)
	return nil
}

// RemoveClock moves a clock's source to the inactive list; it is freed
// once the last subscriber releases it.
func (f *Feed) RemoveClock(c clock.Clock) error {
	r := f.call(feedOp{kind: opRemoveClock, clock: c})
	return r.err
}

func (f *Feed) removeClock(c clock.Clock) error {
	src, ok := f.active[c]
	if !ok {
		log.Warningf("clockfeed: removing unknown clock %q", c.Name())
		return ErrNotFound
	}
	delete(f.active, c)
	src.inactive.Store(true)
	if src.subscriberCount <= 0 {
		return nil // nothing subscribed, reclaim immediately
	}
	f.inactive = append(f.inactive, src)
	return nil
}

// Subscribe returns a reader handle for clock c. Subscribing to the system
// clock returns a null subscription (spec.md §4.1.3).
func (f *Feed) Subscribe(c clock.Clock) (*Subscription, error) {
	r := f.call(feedOp{kind: opSubscribe, clock: c})
	return r.sub, r.err
}

func (f *Feed) subscribe(c clock.Clock) (*Subscription, error) {
	if clock.IsSystemClock(c) {
		return newNullSubscription(), nil
	}
	if src, ok := f.active[c]; ok {
		src.addSubscriber()
		return newSubscription(src), nil
	}
	for _, src := range f.inactive {
		if src.clock == c {
			log.Warningf("clockfeed: subscribing to inactive clock %q", c.Name())
			src.addSubscriber()
			return newSubscription(src), nil
		}
	}
	return nil, ErrNotFound
}

// Unsubscribe releases a subscription, potentially reclaiming an inactive
// source whose last subscriber just left.
func (f *Feed) Unsubscribe(sub *Subscription) error {
	r := f.call(feedOp{kind: opUnsubscribe, sub: sub})
	return r.err
}

func (f *Feed) unsubscribe(sub *Subscription) error {
	if sub == nil || sub.IsNull() || sub.released {
		return nil
	}
	sub.released = true
	if sub.source.removeSubscriber() {
		f.reapInactive(sub.source)
	}
	return nil
}

func (f *Feed) reapInactive(src *clockSource) {
	for i, s := range f.inactive {
		if s == src {
			f.inactive = append(f.inactive[:i], f.inactive[i+1:]...)
			return
		}
	}
}

// SubscribeEvents registers the calling goroutine for cycle-complete
// notifications, delivered as an empty struct on the returned channel
// after every sampling tick.
func (f *Feed) SubscribeEvents() (<-chan struct{}, error) {
	r := f.call(feedOp{kind: opSubscribeEvents})
	return r.eventCh, r.err
}

func (f *Feed) subscribeEvents() (chan struct{}, error) {
	if len(f.eventSubs) >= maxEventSubscribers {
		return nil, fmt.Errorf("clockfeed: event subscriber capacity (%d) exceeded", maxEventSubscribers)
	}
	ch := make(chan struct{}, 1)
	f.eventSubs = append(f.eventSubs, ch)
	return ch, nil
}

// UnsubscribeEvents deregisters a channel returned by SubscribeEvents.
func (f *Feed) UnsubscribeEvents(ch chan struct{}) error {
	r := f.call(feedOp{kind: opUnsubscribeEvents, eventCh: ch})
	return r.err
}

func (f *Feed) unsubscribeEvents(ch chan struct{}) error {
	for i, c := range f.eventSubs {
		if c == ch {
			f.eventSubs = append(f.eventSubs[:i], f.eventSubs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// sampleTick runs one sampling pass over every active source, per the
// algorithm in spec.md §4.1, then notifies cycle-complete subscribers.
func (f *Feed) sampleTick() {
	for _, src := range f.active {
		if !src.dueThisTick(f.globalLog2) {
			continue
		}
		mono := time.Now()
		diff, err := src.clock.CompareToSystem()
		system := time.Now().Round(0)
		sample := ClockSample{RC: err, Mono: mono, System: system}
		if err == nil {
			sample.Snapshot = system.Add(diff)
		}
		src.write(sample)
	}
	for _, ch := range f.eventSubs {
		select {
		case ch <- struct{}{}:
		default:
			// backpressure: subscriber hasn't drained the previous
			// cycle-complete event yet, skip this one.
		}
	}
}

// Compare reads sub1 (and, if non-nil, sub2) and returns the difference
// between their clocks (spec.md §4.1 "Two-source compare"). sub2 == nil
// means "compare to system".
func (f *Feed) Compare(sub1, sub2 *Subscription) (diff time.Duration, t1, t2, mono time.Time, err error) {
	s1, err := sub1.read()
	if err != nil {
		return 0, time.Time{}, time.Time{}, time.Time{}, err
	}
	diff1 := s1.Snapshot.Sub(s1.System)

	if sub2 == nil {
		return diff1, s1.System, s1.System, s1.Mono, nil
	}

	s2, err := sub2.read()
	if err != nil {
		return 0, time.Time{}, time.Time{}, time.Time{}, err
	}
	diff2 := s2.Snapshot.Sub(s2.System)

	if sub1.hasMaxAgeDiff || sub2.hasMaxAgeDiff {
		bound := sub1.maxAgeDiff
		if sub2.hasMaxAgeDiff && (!sub1.hasMaxAgeDiff || sub2.maxAgeDiff < bound) {
			bound = sub2.maxAgeDiff
		}
		gap := s1.Mono.Sub(s2.Mono)
		if gap < 0 {
			gap = -gap
		}
		if gap > bound {
			return 0, time.Time{}, time.Time{}, time.Time{}, ErrStale
		}
	}

	return diff1 - diff2, s1.System, s2.System, s1.Mono, nil
}
