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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clocksync/tsyncd/clock"
)

type fakeToD struct {
	state  ToDState
	offset float64
	err    error
}

func (f *fakeToD) Status() (ToDStatus, error) {
	if f.err != nil {
		return ToDStatus{}, f.err
	}
	return ToDStatus{State: f.state, MasterToSystemNs: f.offset}, nil
}

func (f *fakeToD) NotifyStep() {}

func baseTestConfig() Config {
	return Config{
		Interface:       "eth0",
		Priority:        1,
		SourceType:      SourceComplete,
		PIDKp:           0.3,
		PIDKi:           0.1,
		FIRFilterSize:   1,
		SyncThresholdNs: 1000,
		ClockCtrl:       SlewAndStep,
		MaxFreqPPB:      500000,
	}
}

func newTestInstance(t *testing.T, cfg Config, tod TimeOfDaySource) (*Instance, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock("eth0", 0, cfg.MaxFreqPPB)
	inst, err := NewInstance("eth0", cfg, fc, nil, tod)
	require.NoError(t, err)
	inst.Control(FlagClockCtrl|FlagTimestampProcessing, FlagClockCtrl|FlagTimestampProcessing)
	return inst, fc
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestColdStartStablePulse(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.Start(epoch)

	require.Equal(t, Listening, inst.State())

	for i := uint32(1); i <= 5; i++ {
		ev := Event{SeqNum: i, Timestamp: epoch.Add(time.Duration(i) * time.Second)}
		inst.HandleEvent(ev, epoch.Add(time.Duration(i)*time.Second))
	}

	require.Equal(t, Slave, inst.State())
	require.GreaterOrEqual(t, inst.consecutiveGood, RequiredGoodPeriods)
	require.True(t, inst.servoActive)

	for sec := 1; sec <= 60; sec++ {
		now := epoch.Add(time.Duration(sec) * time.Second)
		inst.PollTimeOfDay(now)
		inst.UpdateConvergence(float64(sec))
	}
	require.True(t, inst.synchronized)
}

func TestLostSignal(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.Start(epoch)

	for i := uint32(1); i <= 4; i++ {
		inst.HandleEvent(Event{SeqNum: i, Timestamp: epoch.Add(time.Duration(i) * time.Second)},
			epoch.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, Slave, inst.State())

	lastEvent := epoch.Add(4 * time.Second)
	inst.CheckTimeouts(lastEvent.Add(1500 * time.Millisecond))
	require.True(t, inst.Alarms().Has(AlarmNoSignal))
	require.Equal(t, Slave, inst.State())

	inst.CheckTimeouts(lastEvent.Add(60 * time.Second))
	require.Equal(t, Listening, inst.State())
}

func TestSequenceGlitch(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.Start(epoch)

	seqs := []uint32{1, 2, 3, 5, 6}
	for i, seq := range seqs {
		now := epoch.Add(time.Duration(i+1) * time.Second)
		inst.HandleEvent(Event{SeqNum: seq, Timestamp: now}, now)
		if seq == 5 {
			require.True(t, inst.Alarms().Has(AlarmSeqNumError), "alarm should be set after seq 5")
		}
		if seq == 6 {
			require.False(t, inst.Alarms().Has(AlarmSeqNumError), "alarm should clear after seq 6")
		}
	}
	require.EqualValues(t, 1, inst.seqNumErrors)
}

// TestBigOffsetSteps exercises spec.md §8 scenario 4. The 600 ms master
// offset is injected directly into the already-gated servo update (the
// notch/consecutive-good gate that feeds it is covered by
// TestColdStartStablePulse and TestSequenceGlitch), since the pulse
// cadence itself stays nominal in this scenario — only the computed
// offset from master is large.
func TestBigOffsetSteps(t *testing.T) {
	cfg := baseTestConfig()
	inst, fc := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.Start(epoch)

	for i := uint32(1); i <= 4; i++ {
		now := epoch.Add(time.Duration(i) * time.Second)
		inst.HandleEvent(Event{SeqNum: i, Timestamp: now}, now)
	}
	preOffset := fc.Offset()

	inst.servoUpdate(6e8, epoch.Add(5*time.Second)) // |diff| = 600 ms >= STEP_THRESHOLD

	require.NotEqual(t, preOffset, fc.Offset())
	require.EqualValues(t, 1, inst.clockSteps)
	require.True(t, inst.stepOccurred)

	next := epoch.Add(6 * time.Second)
	inst.HandleEvent(Event{SeqNum: 5, Timestamp: next}, next)
	require.False(t, inst.stepOccurred, "the event immediately after a step must be swallowed")
}

func TestOutlierRejection(t *testing.T) {
	cfg := baseTestConfig()
	cfg.OutlierFilter = OutlierFilterStdDev
	cfg.OutlierFilterSize = 10
	cfg.OutlierFilterAdapt = 0.5
	tod := &fakeToD{state: ToDSlave}
	inst, _ := newTestInstance(t, cfg, tod)
	inst.Start(epoch)

	for i := uint32(1); i <= 6; i++ {
		now := epoch.Add(time.Duration(i) * time.Second)
		inst.HandleEvent(Event{SeqNum: i, Timestamp: now}, now)
	}
	require.EqualValues(t, 0, inst.outliers)

	// Push the time-of-day offset across a whole-second boundary for one
	// poll: the pulse cadence (period_ns) is untouched, but the computed
	// servo offset jumps by whole seconds, which is what the Peirce
	// filter should catch as an outlier against a previously-flat 0 ns
	// history.
	tod.offset = 1.6e9
	inst.PollTimeOfDay(epoch.Add(6500 * time.Millisecond))

	now := epoch.Add(7 * time.Second)
	inst.HandleEvent(Event{SeqNum: 7, Timestamp: now}, now)

	require.EqualValues(t, 1, inst.outliers)
}

func TestControlNoOpWithZeroMask(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	before := inst.control
	inst.Control(0, FlagClockCtrl)
	require.Equal(t, before, inst.control)
}

func TestControlTurningOffClockCtrlResetsPID(t *testing.T) {
	cfg := baseTestConfig()
	cfg.PIDKp = 0
	cfg.PIDKi = 1
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})

	// Build up a non-zero integral accumulator.
	inst.pid.Update(100, epoch)
	inst.pid.Update(100, epoch.Add(time.Second))

	// Turning CLOCK_CTRL off while it was on must reset the PID filter.
	inst.Control(FlagClockCtrl, 0)

	out := inst.pid.Update(0, epoch.Add(2*time.Second))
	require.Zero(t, out, "PID integral should have been cleared by Control()")
}

func TestFreqAdjustSaturates(t *testing.T) {
	cfg := baseTestConfig()
	cfg.MaxFreqPPB = 100
	cfg.PIDKp = 1
	cfg.ClockCtrl = SlewOnly // force the slew path; a step would reset freq to 0 and hide saturation
	inst, fc := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.Start(epoch)

	inst.servoUpdate(1e9, epoch) // enormous error, Kp=1 -> way past +-100
	freq, err := fc.FrequencyPPB()
	require.NoError(t, err)
	require.LessOrEqual(t, freq, cfg.MaxFreqPPB)
	require.GreaterOrEqual(t, freq, -cfg.MaxFreqPPB)
}

func TestNoTimeOfDayAlarm(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, nil)
	inst.PollTimeOfDay(epoch)
	require.True(t, inst.Alarms().Has(AlarmNoTimeOfDay))
}

func TestStatusHidesOffsetOutsideSlave(t *testing.T) {
	cfg := baseTestConfig()
	inst, _ := newTestInstance(t, cfg, &fakeToD{state: ToDSlave})
	inst.offsetFromMasterNs = 12345
	s := inst.GetStatus()
	require.Zero(t, s.OffsetFromMasterNs)
}
