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

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clocksync/tsyncd/clock"
	"github.com/clocksync/tsyncd/syncmodule/shm"
)

// fakePulseSource delivers synthetic (seq, timestamp) events spaced one
// simulated second apart, but arrives quickly in real time so package
// tests stay fast; period_ns is derived from the synthetic timestamps,
// not real delivery latency.
type fakePulseSource struct {
	base time.Time
	seq  uint32
}

func (f *fakePulseSource) Next(done <-chan struct{}) (shm.Event, error) {
	select {
	case <-done:
		return shm.Event{}, shm.ErrEventSourceClosed
	case <-time.After(15 * time.Millisecond):
	}
	f.seq++
	return shm.Event{SeqNum: f.seq, Timestamp: f.base.Add(time.Duration(f.seq) * time.Second)}, nil
}

func testInstanceConfig(iface string, priority int) shm.Config {
	return shm.Config{
		Interface:       iface,
		Priority:        priority,
		SourceType:      shm.SourceComplete,
		PIDKp:           0.3,
		PIDKi:           0.1,
		FIRFilterSize:   1,
		SyncThresholdNs: 1000,
		ClockCtrl:       shm.SlewAndStep,
		MaxFreqPPB:      500000,
	}
}

func TestEngineDrivesInstanceToSlave(t *testing.T) {
	systemClock := clock.NewFakeClock("system", 0, 500000)
	e := New(systemClock, Config{
		FeedTickInterval:   20 * time.Millisecond,
		ModuleTickInterval: 20 * time.Millisecond,
		StatsInterval:      500 * time.Millisecond,
	})

	clk := clock.NewFakeClock("eth0", 0, 500000)
	src := &fakePulseSource{base: time.Now()}
	cfg := testInstanceConfig("eth0", 1)

	require.NoError(t, e.AddInstance("eth0", clk, 0, src, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := e.GetStatus("eth0")
		return err == nil && st.State == shm.Slave
	}, 2*time.Second, 10*time.Millisecond, "instance should reach SLAVE while the engine runs")

	cancel()
	require.NoError(t, <-done)
}

func TestEngineAddInstanceRejectsDuplicateClock(t *testing.T) {
	systemClock := clock.NewFakeClock("system", 0, 500000)
	e := New(systemClock, Config{})

	clk := clock.NewFakeClock("eth0", 0, 500000)
	cfg := testInstanceConfig("eth0", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.feed.Run(ctx)

	require.NoError(t, e.AddInstance("eth0", clk, 0, &fakePulseSource{base: time.Now()}, cfg))
	require.Error(t, e.AddInstance("eth0-dup", clk, 0, &fakePulseSource{base: time.Now()}, cfg))
}

func TestChainedTimeOfDay(t *testing.T) {
	systemClock := clock.NewFakeClock("system", 0, 500000)
	e := New(systemClock, Config{
		FeedTickInterval:   20 * time.Millisecond,
		ModuleTickInterval: 20 * time.Millisecond,
		StatsInterval:      500 * time.Millisecond,
	})

	masterClk := clock.NewFakeClock("master", 0, 500000)
	require.NoError(t, e.AddInstance("master", masterClk, 0, &fakePulseSource{base: time.Now()}, testInstanceConfig("master", 1)))

	slaveCfg := testInstanceConfig("eth1", 2)
	slaveCfg.TimeOfDay = "master"
	slaveClk := clock.NewFakeClock("eth1", 0, 500000)
	require.NoError(t, e.AddInstance("eth1", slaveClk, 0, &fakePulseSource{base: time.Now()}, slaveCfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := e.GetStatus("eth1")
		return err == nil && st.State == shm.Slave
	}, 2*time.Second, 10*time.Millisecond, "chained instance should reach SLAVE while the engine runs")

	cancel()
	require.NoError(t, <-done)
}
