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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-ini/ini"

	log "github.com/sirupsen/logrus"
)

// ErrModuleStopped is returned by synchronous calls made after the
// Module's worker loop has exited.
var ErrModuleStopped = errors.New("shm: module stopped")

// ErrUnknownInstance is returned when a message targets an instance name
// the Module does not own.
var ErrUnknownInstance = errors.New("shm: unknown instance")

// StateChange is the async "state_changed" event of spec.md §4.3.3.
type StateChange struct {
	Instance string
	Status   Status
}

// Module is the Sync Module worker: it owns a set of named Instances and
// is the sole goroutine that ever touches them, per spec.md §5 (each
// module runs as an independent worker with its own inbound queue).
type Module struct {
	instances map[string]*Instance

	msgs chan message
	done chan struct{}

	changes chan StateChange

	tickInterval time.Duration
	statePath    string
	statsPath    string

	nowFn func() time.Time
}

// NewModule creates an empty Sync Module worker. tickInterval governs how
// often pulse-check/timeout/time-of-day/convergence housekeeping runs
// (spec.md recommends ~1 s).
func NewModule(tickInterval time.Duration, statePath, statsPath string) *Module {
	return &Module{
		instances:    make(map[string]*Instance),
		msgs:         make(chan message),
		done:         make(chan struct{}),
		changes:      make(chan StateChange, 16),
		tickInterval: tickInterval,
		statePath:    statePath,
		statsPath:    statsPath,
		nowFn:        time.Now,
	}
}

// AddInstance registers inst under name, to be driven by this Module's
// worker loop once Run starts.
func (m *Module) AddInstance(name string, inst *Instance) {
	m.instances[name] = inst
}

// Changes returns the channel state_changed events are posted to.
func (m *Module) Changes() <-chan StateChange { return m.changes }

// Run drives the housekeeping tick and message loop until ctx is
// canceled. Individual instances receive events through their own
// EventSource via separate feeder goroutines (see RunEventFeeders).
func (m *Module) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	defer close(m.done)

	for _, inst := range m.instances {
		inst.Start(m.nowFn())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.msgs:
			m.handle(msg)
		case <-ticker.C:
			m.houseKeep()
		}
	}
}

// Stopped returns a channel closed once Run has returned.
func (m *Module) Stopped() <-chan struct{} { return m.done }

func (m *Module) houseKeep() {
	now := m.nowFn()
	for name, inst := range m.instances {
		inst.CheckTimeouts(now)
		inst.PollTimeOfDay(now)
		inst.InjectBogusEvent(now)
		inst.UpdateConvergence(float64(now.Unix()))
		if inst.Changed() {
			select {
			case m.changes <- StateChange{Instance: name, Status: inst.GetStatus()}:
			default:
				log.Warningf("shm: state_changed event dropped for %s, engine not draining", name)
			}
			inst.ClearChanged()
		}
	}
}

// DeliverEvent feeds one successfully-read event into the named instance.
// Called by the goroutine that owns that instance's EventSource (spec.md
// §5: event-source readiness is one of the things a worker suspends on);
// the event is handed to the single worker goroutine that exclusively
// owns the Instance, never applied directly from the feeder goroutine.
func (m *Module) DeliverEvent(name string, ev Event) {
	m.send(message{kind: msgEvent, handle: name, event: ev, now: m.nowFn()})
}

// DeliverEventError reports an event-source read failure for the named
// instance (spec.md §4.3 "on event-source error").
func (m *Module) DeliverEventError(name string) {
	m.send(message{kind: msgEventError, handle: name, now: m.nowFn()})
}

func (m *Module) handle(msg message) {
	inst := m.instances[msg.handle]
	switch msg.kind {
	case msgEvent:
		if inst != nil && !inst.bogusEvents {
			inst.HandleEvent(msg.event, msg.now)
		}

	case msgEventError:
		if inst != nil {
			inst.HandleEventError(msg.now)
		}

	case msgGetStatus:
		if inst == nil {
			msg.reply <- msgReply{err: ErrUnknownInstance}
			return
		}
		msg.reply <- msgReply{status: inst.GetStatus()}

	case msgGetCounters:
		if inst == nil {
			msg.reply <- msgReply{err: ErrUnknownInstance}
			return
		}
		msg.reply <- msgReply{counters: inst.Counters()}

	case msgControl:
		if inst == nil {
			msg.reply <- msgReply{err: ErrUnknownInstance}
			return
		}
		inst.Control(msg.mask, msg.flags)
		msg.reply <- msgReply{}

	case msgStepClock:
		if inst == nil {
			msg.reply <- msgReply{err: ErrUnknownInstance}
			return
		}
		err := inst.StepClockForced(msg.stepOffset, m.nowFn())
		msg.reply <- msgReply{err: err}

	case msgWriteTopology:
		if inst == nil {
			msg.reply <- msgReply{err: ErrUnknownInstance}
			return
		}
		err := writeTopology(msg.topology, msg.handle, inst)
		msg.reply <- msgReply{err: err}

	case msgLogStats:
		for name, i := range m.instances {
			c := i.Counters()
			log.Infof("shm: %s: state=%s alarms=%d steps=%d seq_errs=%d bad_sig=%d outliers=%d",
				name, i.State(), i.Alarms(), c.ClockSteps, c.SeqNumErrors, c.BadSignalErrors, c.Outliers)
		}

	case msgSaveState:
		if err := m.saveState(); err != nil {
			log.Errorf("shm: save state failed: %v", err)
		}

	case msgStatsEndPeriod:
		if err := m.statsEndPeriod(msg.now); err != nil {
			log.Errorf("shm: stats end-of-period failed: %v", err)
		}

	case msgTestMode:
		if inst == nil {
			log.Warningf("shm: test mode %q toggled for unknown instance %s", msg.testID, msg.handle)
			return
		}
		enabled, err := inst.ToggleTestMode(msg.testID)
		if err != nil {
			log.Warningf("shm: %s: %v", msg.handle, err)
			return
		}
		log.Infof("shm: %s: test mode %q now %t", msg.handle, msg.testID, enabled)

	case msgPIDAdjust:
		if msg.pidMask&TypeSHM == 0 {
			log.Infof("shm: PID_ADJUST mask %#x excludes this module, ignoring", uint32(msg.pidMask))
			return
		}
		for _, i := range m.instances {
			i.pid.Kp, i.pid.Ki, i.pid.Kd = msg.kp, msg.ki, msg.kd
			if msg.pidReset {
				i.pid.Reset()
			}
		}
	}
}

// writeTopology implements spec.md §6 "Topology output": a textual,
// line-oriented, human-readable report.
func writeTopology(w io.Writer, name string, inst *Instance) error {
	s := inst.GetStatus()
	var b strings.Builder
	fmt.Fprintf(&b, "instance: %s\n", name)
	fmt.Fprintf(&b, "  clock: %s\n", s.Clock)
	fmt.Fprintf(&b, "  state: %s\n", s.State)
	fmt.Fprintf(&b, "  alarms: %#x\n", uint32(s.Alarms))
	fmt.Fprintf(&b, "  master_clock_class: %s\n", s.Master.ClockClass)
	fmt.Fprintf(&b, "  offset_from_master_ns: %.0f\n", s.OffsetFromMasterNs)
	fmt.Fprintf(&b, "  synchronized: %t\n", s.Synchronized)
	_, err := io.WriteString(w, b.String())
	return err
}

// saveState implements spec.md §6 "Persisted state": a per-instance
// human-readable file, key=value lines via github.com/go-ini/ini,
// reloaded as freq_adjust_base on next start (clock.Clock's
// SaveFrequency/LoadFrequency already handle the frequency half of this;
// this covers the rest of the state summary).
func (m *Module) saveState() error {
	if m.statePath == "" {
		return nil
	}
	f := ini.Empty()
	for name, inst := range m.instances {
		s := inst.GetStatus()
		sec, err := f.NewSection(name)
		if err != nil {
			return fmt.Errorf("shm: state section %s: %w", name, err)
		}
		sec.NewKey("state", s.State.String())
		sec.NewKey("alarms", fmt.Sprintf("%d", uint32(s.Alarms)))
		sec.NewKey("synchronized", fmt.Sprintf("%t", s.Synchronized))
		sec.NewKey("offset_from_master_ns", fmt.Sprintf("%.0f", s.OffsetFromMasterNs))

		if s.Synchronized && inst.control.Has(FlagClockCtrl) {
			if err := inst.clk.SaveFrequency(inst.freqAdjustPPB); err != nil {
				log.Warningf("shm: %s: persisting frequency failed: %v", name, err)
			}
		}
	}
	return f.SaveTo(m.statePath)
}

// statsEndPeriod implements STATS_END_PERIOD: close the current
// statistics period and append a snapshot line per instance. Every call
// appends a new block, so two calls with the same time argument leave two
// blocks in the file; the order of instances within a block is not
// defined.
func (m *Module) statsEndPeriod(at time.Time) error {
	if m.statsPath == "" {
		return nil
	}
	var b strings.Builder
	for name, inst := range m.instances {
		c := inst.Counters()
		s := inst.GetStatus()
		fmt.Fprintf(&b, "%s %s state=%s offset_ns=%.0f steps=%d seq_errs=%d bad_sig=%d outliers=%d\n",
			at.UTC().Format(time.RFC3339), name, s.State, s.OffsetFromMasterNs,
			c.ClockSteps, c.SeqNumErrors, c.BadSignalErrors, c.Outliers)
	}
	return appendFile(m.statsPath, b.String())
}
