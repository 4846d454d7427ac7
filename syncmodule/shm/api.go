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
	"io"
	"os"
	"time"
)

// InstanceNames returns the names of every instance this Module owns.
// Safe to call at any time: the instance set is fixed by AddInstance
// calls made before Run starts and never mutated afterwards.
func (m *Module) InstanceNames() []string {
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	return names
}

// GetStatus implements the engine-facing GET_STATUS message.
func (m *Module) GetStatus(name string) (Status, error) {
	r := m.call(message{kind: msgGetStatus, handle: name})
	return r.status, r.err
}

// GetCounters implements the engine-facing GET_COUNTERS message.
func (m *Module) GetCounters(name string) (Counters, error) {
	r := m.call(message{kind: msgGetCounters, handle: name})
	return r.counters, r.err
}

// Control implements the engine-facing CONTROL message.
func (m *Module) Control(name string, mask, flags ControlFlags) error {
	r := m.call(message{kind: msgControl, handle: name, mask: mask, flags: flags})
	return r.err
}

// StepClock implements the engine-facing STEP_CLOCK message.
func (m *Module) StepClock(name string, offset time.Duration) error {
	r := m.call(message{kind: msgStepClock, handle: name, stepOffset: offset})
	return r.err
}

// WriteTopology implements the engine-facing WRITE_TOPOLOGY message.
func (m *Module) WriteTopology(name string, w io.Writer) error {
	r := m.call(message{kind: msgWriteTopology, handle: name, topology: w})
	return r.err
}

// LogStats implements the engine-facing, asynchronous LOG_STATS message.
func (m *Module) LogStats(now time.Time) { m.send(message{kind: msgLogStats, now: now}) }

// SaveState implements the engine-facing, asynchronous SAVE_STATE message.
func (m *Module) SaveState() { m.send(message{kind: msgSaveState}) }

// StatsEndPeriod implements the engine-facing, asynchronous
// STATS_END_PERIOD message.
func (m *Module) StatsEndPeriod(now time.Time) { m.send(message{kind: msgStatsEndPeriod, now: now}) }

// TestMode implements the engine-facing, asynchronous TEST_MODE message.
func (m *Module) TestMode(name, id string) { m.send(message{kind: msgTestMode, handle: name, testID: id}) }

// PIDAdjust implements the engine-facing, asynchronous, multicast
// PID_ADJUST message (spec.md §4.3: "If mask includes this module type,
// re-tune PID of every instance"). mask is checked against TypeSHM inside
// the worker loop itself; a mask that does not include TypeSHM is a
// documented no-op for this Module.
func (m *Module) PIDAdjust(mask ModuleType, kp, ki, kd float64, reset bool) {
	m.send(message{kind: msgPIDAdjust, pidMask: mask, kp: kp, ki: ki, kd: kd, pidReset: reset})
}

// appendFile appends s to the named file, creating it if necessary
// (backing STATS_END_PERIOD's per-period snapshot log).
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}
