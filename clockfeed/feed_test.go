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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clocksync/tsyncd/clock"
)

func startFeed(t *testing.T, tick time.Duration, globalLog2 uint8) *Feed {
	t.Helper()
	f := NewFeed(nil, tick, globalLog2)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	t.Cleanup(cancel)
	return f
}

func TestSubscribeSystemClockIsNull(t *testing.T) {
	f := startFeed(t, time.Hour, 0)
	sub, err := f.Subscribe(clock.NewSystemClock())
	require.NoError(t, err)
	require.True(t, sub.IsNull())

	sample, err := sub.read()
	require.NoError(t, err)
	require.Equal(t, sample.System, sample.Snapshot)
}

func TestAddSubscribeAndSample(t *testing.T) {
	f := startFeed(t, 5*time.Millisecond, 0)
	fc := clock.NewFakeClock("test0", 10*time.Millisecond, 500000)

	require.NoError(t, f.AddClock(fc, 0))
	sub, err := f.Subscribe(fc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := sub.read()
		return err == nil
	}, time.Second, 5*time.Millisecond)

	sample, err := sub.read()
	require.NoError(t, err)
	require.WithinDuration(t, sample.System.Add(10*time.Millisecond), sample.Snapshot, time.Millisecond)
}

func TestDuplicateAddClockIsError(t *testing.T) {
	f := startFeed(t, time.Hour, 0)
	fc := clock.NewFakeClock("dup", 0, 500000)
	require.NoError(t, f.AddClock(fc, 0))
	require.Error(t, f.AddClock(fc, 0))
}

func TestSubscribeUnknownClockFails(t *testing.T) {
	f := startFeed(t, time.Hour, 0)
	fc := clock.NewFakeClock("ghost", 0, 500000)
	_, err := f.Subscribe(fc)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveClockThenReadFailsOwnerDead(t *testing.T) {
	f := startFeed(t, 5*time.Millisecond, 0)
	fc := clock.NewFakeClock("gone", 0, 500000)
	require.NoError(t, f.AddClock(fc, 0))
	sub, err := f.Subscribe(fc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := sub.read()
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.RemoveClock(fc))

	_, err = sub.read()
	require.ErrorIs(t, err, ErrOwnerDead)
}

// TestReaderOverrun exercises spec.md §8 scenario 6: a reader that never
// reads falls behind a ring small enough to wrap before it reads once.
func TestReaderOverrun(t *testing.T) {
	src := newClockSource(clock.NewFakeClock("wrap", 0, 500000), 0, 1) // 2-slot ring
	sub := newSubscription(src)

	src.write(ClockSample{Mono: time.Now(), System: time.Now(), Snapshot: time.Now()})
	src.write(ClockSample{Mono: time.Now(), System: time.Now(), Snapshot: time.Now()})
	src.write(ClockSample{Mono: time.Now(), System: time.Now(), Snapshot: time.Now()})

	_, err := sub.read()
	require.ErrorIs(t, err, ErrOverrun)
}

func TestRequireFreshBlocksStaleRead(t *testing.T) {
	src := newClockSource(clock.NewFakeClock("fresh", 0, 500000), 0, 4)
	sub := newSubscription(src)

	src.write(ClockSample{Mono: time.Now(), System: time.Now(), Snapshot: time.Now()})
	sub.RequireFresh()

	_, err := sub.read()
	require.ErrorIs(t, err, ErrStale)

	src.write(ClockSample{Mono: time.Now(), System: time.Now(), Snapshot: time.Now()})
	_, err = sub.read()
	require.NoError(t, err)
}

func TestAddClockClampsPollPeriod(t *testing.T) {
	f := startFeed(t, time.Hour, 4)
	fc := clock.NewFakeClock("slow-request", 0, 500000)
	require.NoError(t, f.AddClock(fc, 1)) // requests faster than global, should clamp up
	src := f.active[fc]
	require.Equal(t, uint8(4), src.pollPeriodLog2)
}

func TestSubscribeEventsCapacity(t *testing.T) {
	f := startFeed(t, time.Hour, 0)
	for i := 0; i < maxEventSubscribers; i++ {
		_, err := f.SubscribeEvents()
		require.NoError(t, err)
	}
	_, err := f.SubscribeEvents()
	require.Error(t, err)
}

func TestCompareTwoSources(t *testing.T) {
	f := startFeed(t, 5*time.Millisecond, 0)
	a := clock.NewFakeClock("a", 10*time.Millisecond, 500000)
	b := clock.NewFakeClock("b", 4*time.Millisecond, 500000)
	require.NoError(t, f.AddClock(a, 0))
	require.NoError(t, f.AddClock(b, 0))
	subA, err := f.Subscribe(a)
	require.NoError(t, err)
	subB, err := f.Subscribe(b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, errA := subA.read()
		_, errB := subB.read()
		return errA == nil && errB == nil
	}, time.Second, 5*time.Millisecond)

	diff, _, _, _, err := f.Compare(subA, subB)
	require.NoError(t, err)
	require.InDelta(t, 6*time.Millisecond, diff, float64(2*time.Millisecond))
}

func TestCompareMaxAgeDiffExceeded(t *testing.T) {
	srcA := newClockSource(clock.NewFakeClock("a2", 0, 500000), 0, 4)
	srcB := newClockSource(clock.NewFakeClock("b2", 0, 500000), 0, 4)
	subA := newSubscription(srcA)
	subB := newSubscription(srcB)
	subA.SetMaxAgeDiff(time.Millisecond)

	now := time.Now()
	srcA.write(ClockSample{Mono: now, System: now, Snapshot: now})
	srcB.write(ClockSample{Mono: now.Add(10 * time.Millisecond), System: now, Snapshot: now})

	f := &Feed{}
	_, _, _, _, err := f.Compare(subA, subB)
	require.ErrorIs(t, err, ErrStale)
}
