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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clocksync/tsyncd/clock"
	"github.com/clocksync/tsyncd/filter"
)

// Instance is one SHM Sync Module instance (spec.md §3
// "SyncModuleInstance"). It is owned exclusively by its Sync Module
// worker goroutine; nothing here is safe for concurrent use from more
// than one goroutine (spec.md §5).
type Instance struct {
	Name string
	cfg  Config

	clk         clock.Clock
	eventSource EventSource
	tod         TimeOfDaySource

	// localToSystemNs, when non-nil, reports this instance's reference
	// clock's offset from the system clock (read through the Clock
	// Feed). nil means "treat as zero" (e.g. in isolated unit tests).
	localToSystemNs func() (float64, error)

	state     State
	prevState State
	alarms    Alarms
	prevAlarms Alarms

	lastEventMono       time.Time
	instanceStartedMono time.Time
	hasStarted          bool
	pulseCheckExpired   bool

	lastEventTimestamp time.Time
	lastSeqNum         uint32
	consecutiveGood    int

	freqAdjustBase     float64
	freqAdjustPPB      float64
	offsetFromMasterNs float64
	stepOccurred       bool
	servoActive        bool
	startupStepDone    bool

	notch       *filter.Notch
	fir         *filter.FIR
	peirce      *filter.Peirce
	pid         *filter.PID
	convergence *filter.Convergence

	synchronized bool

	clockSteps      uint64
	seqNumErrors    uint64
	badSignalErrors uint64
	outliers        uint64

	control ControlFlags

	todNextPoll   time.Time
	todLastStatus ToDStatus

	// bogusEvents, while true, makes the module's own polling path
	// (houseKeep) synthesize pulse events for this instance instead of
	// relying on its real EventSource (spec.md §5 "Test-mode injection").
	bogusEvents bool
	bogusSeq    uint32
}

// bogusEventTestID names the only test mode this Instance recognizes
// (spec.md §4.3's TEST_MODE(handle, id): "e.g. bogus-event injection").
const bogusEventTestID = "bogus-events"

// ToggleTestMode flips the named test mode and reports its new state.
// Unrecognized ids are rejected rather than silently ignored, so a typo
// in an engine-facing TEST_MODE call surfaces immediately.
func (in *Instance) ToggleTestMode(id string) (enabled bool, err error) {
	if id != bogusEventTestID {
		return false, fmt.Errorf("shm: %s: unknown test mode %q", in.Name, id)
	}
	in.bogusEvents = !in.bogusEvents
	return in.bogusEvents, nil
}

// InjectBogusEvent synthesizes one pulse event at the nominal 1 Hz cadence
// and feeds it through the normal HandleEvent path, standing in for the
// real EventSource while bogus-event test mode is enabled. It is a no-op
// (returns false) when the mode is off.
func (in *Instance) InjectBogusEvent(now time.Time) bool {
	if !in.bogusEvents {
		return false
	}
	in.bogusSeq++
	in.HandleEvent(Event{SeqNum: in.bogusSeq, Timestamp: now}, now)
	return true
}

// NewInstance validates cfg and builds a SHM instance bound to clk (the
// local reference clock), eventSource (the pulse source) and, optionally,
// tod (a time-of-day source; nil if Config.SourceType == SourcePPS and
// Config.TimeOfDay == "").
func NewInstance(name string, cfg Config, clk clock.Clock, eventSource EventSource, tod TimeOfDaySource) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("shm: %s: invalid configuration: %w", name, err)
	}

	fir, err := filter.NewFIR(cfg.FIRFilterSize)
	if err != nil {
		return nil, fmt.Errorf("shm: %s: %w", name, err)
	}

	var peirce *filter.Peirce
	if cfg.OutlierFilter == OutlierFilterStdDev {
		peirce, err = filter.NewPeirce(cfg.OutlierFilterSize, cfg.OutlierFilterAdapt)
		if err != nil {
			return nil, fmt.Errorf("shm: %s: %w", name, err)
		}
	}

	freqBase, _, err := clk.LoadFrequency()
	if err != nil {
		log.Warningf("shm: %s: could not load persisted frequency, starting at 0: %v", name, err)
	}

	inst := &Instance{
		Name:        name,
		cfg:         cfg,
		clk:         clk,
		eventSource: eventSource,
		tod:         tod,
		state:       Listening,
		lastSeqNum:  SequenceNotProvided,
		notch:       filter.NewNotch(NotchMidpointNs, NotchWidthNs),
		fir:         fir,
		peirce:      peirce,
		pid:         filter.NewPID(cfg.PIDKp, cfg.PIDKi, cfg.PIDKd, cfg.MaxFreqPPB),
		convergence: filter.NewConvergence(cfg.SyncThresholdNs, ConvergenceMinPeriodSeconds),
		freqAdjustBase: freqBase,
		control:     FlagTimestampProcessing,
	}
	return inst, nil
}

// SetLocalToSystem injects the function the servo uses to read this
// instance's local reference clock's offset from the system clock,
// normally backed by a clockfeed.Subscription.
func (in *Instance) SetLocalToSystem(f func() (float64, error)) { in.localToSystemNs = f }

// Start records the instance's monotonic start time (spec.md §4.3
// "Pulse-check timer").
func (in *Instance) Start(now time.Time) {
	in.instanceStartedMono = now
	in.hasStarted = true
}

// State returns the current state machine state.
func (in *Instance) State() State { return in.state }

// Alarms returns the current alarm bitset.
func (in *Instance) Alarms() Alarms { return in.alarms }

func (in *Instance) setState(s State) {
	in.state = s
}

func (in *Instance) setAlarms(a Alarms) {
	in.alarms = a
}

// HandleEventError processes an event-source read failure (spec.md §4.3
// "on event-source error").
func (in *Instance) HandleEventError(now time.Time) {
	switch in.state {
	case Listening, Slave:
		in.setState(Faulty)
		log.Warningf("shm: %s: event source error, instance FAULTY", in.Name)
	}
}

// HandleEvent processes one successfully-read event (spec.md §4.3's
// state machine plus "Per-event processing (in SLAVE)").
func (in *Instance) HandleEvent(ev Event, now time.Time) {
	switch in.state {
	case Faulty:
		// FAULTY -> LISTENING: on next successful event read.
		in.setState(Listening)
		in.lastEventMono = now
		return
	case Listening:
		in.setState(Slave)
	}

	// From here, state == Slave.
	in.lastEventMono = now
	in.setAlarms(in.alarms.Clear(AlarmNoSignal))

	in.sequenceCheck(ev)

	if !in.control.Has(FlagTimestampProcessing) {
		in.lastSeqNum = ev.SeqNum
		return
	}

	if in.stepOccurred {
		in.stepOccurred = false
		in.lastEventTimestamp = time.Time{}
		in.lastSeqNum = ev.SeqNum
		return
	}

	if !in.lastEventTimestamp.IsZero() {
		periodNs := float64(ev.Timestamp.Sub(in.lastEventTimestamp).Nanoseconds())
		if in.notch.Update(periodNs) {
			in.consecutiveGood++
		} else {
			in.badSignalErrors++
			in.setAlarms(in.alarms.Set(AlarmBadSignal))
			in.consecutiveGood = 0
		}

		if in.consecutiveGood >= RequiredGoodPeriods {
			in.setAlarms(in.alarms.Clear(AlarmBadSignal))
			in.runServoForEvent(ev, now)
		}
	}

	in.lastEventTimestamp = ev.Timestamp
	in.lastSeqNum = ev.SeqNum
}

func (in *Instance) sequenceCheck(ev Event) {
	if ev.SeqNum == SequenceNotProvided || in.lastSeqNum == SequenceNotProvided {
		in.setAlarms(in.alarms.Clear(AlarmSeqNumError))
		return
	}
	if ev.SeqNum != in.lastSeqNum+1 {
		in.seqNumErrors++
		in.setAlarms(in.alarms.Set(AlarmSeqNumError))
	} else {
		in.setAlarms(in.alarms.Clear(AlarmSeqNumError))
	}
}

// CheckTimeouts applies the timeout-driven transitions of spec.md §4.3:
// NO_SIGNAL after T_alarm, SLAVE->LISTENING after T_timeout, and the
// pulse-check timer. Call this periodically (e.g. once per second) from
// the owning worker.
func (in *Instance) CheckTimeouts(now time.Time) {
	if in.hasStarted && !in.pulseCheckExpired && now.Sub(in.instanceStartedMono) >= TPulse {
		in.pulseCheckExpired = true
		if in.consecutiveGood < RequiredGoodPeriods {
			in.setAlarms(in.alarms.Set(AlarmNoSignal))
		}
	}

	if in.state != Slave {
		return
	}

	sinceEvent := now.Sub(in.lastEventMono)
	if sinceEvent >= TTimeout {
		in.setState(Listening)
		in.setAlarms(0)
		in.consecutiveGood = 0
		log.Infof("shm: %s: no event for %s, returning to LISTENING", in.Name, TTimeout)
		return
	}
	if sinceEvent >= TAlarm {
		in.setAlarms(in.alarms.Set(AlarmNoSignal))
	}
}

// runServoForEvent implements spec.md §4.3.1 "Servo update" for one event,
// having already passed the notch/consecutive-good gate. If an outlier
// filter is enabled and flags this sample, the servo update itself is
// skipped but the outlier counter is incremented.
func (in *Instance) runServoForEvent(ev Event, now time.Time) {
	diffNs, ok := in.computeDiff(ev)
	if !ok {
		return
	}

	if in.peirce != nil {
		value, outlier := in.peirce.Update(diffNs)
		if outlier {
			in.outliers++
			return
		}
		diffNs = value
	}

	in.servoUpdate(diffNs, now)
}

// computeDiff implements spec.md §4.3.1 step 1-2: combine the event
// timestamp with the bound time-of-day offset into a signed nanosecond
// difference, then subtract the configured propagation delay.
func (in *Instance) computeDiff(ev Event) (float64, bool) {
	todOffsetNs := in.todLastStatus.MasterToSystemNs
	if in.localToSystemNs != nil {
		localNs, err := in.localToSystemNs()
		if err != nil {
			log.Warningf("shm: %s: clock feed read failed: %v", in.Name, err)
			return 0, false
		}
		todOffsetNs += localNs
	}

	// D: round the time-of-day offset to the nearest second, take the ns
	// part from T_ev,
	// with wrap-around if T_ev's own ns part is >= 5e8 (spec.md §4.3.1
	// step 1).
	secPart := time.Duration(todOffsetNs).Round(time.Second)
	nsPart := time.Duration(ev.Timestamp.Nanosecond())
	if nsPart >= 5e8*time.Nanosecond {
		nsPart -= time.Second
	}
	d := secPart + nsPart

	diffNs := float64(d.Nanoseconds()) - in.cfg.PropagationDelayNs
	return diffNs, true
}

func (in *Instance) servoUpdate(diffNs float64, now time.Time) {
	if in.shouldStep(diffNs) {
		in.stepClock(diffNs, now)
		return
	}

	mean := in.fir.Update(diffNs)
	in.offsetFromMasterNs = mean

	if in.control.Has(FlagClockCtrl) {
		freq := in.freqAdjustBase + in.pid.Update(mean, now)
		if freq > in.cfg.MaxFreqPPB {
			freq = in.cfg.MaxFreqPPB
		} else if freq < -in.cfg.MaxFreqPPB {
			freq = -in.cfg.MaxFreqPPB
		}
		if err := in.clk.AdjFreqPPB(freq); err != nil {
			log.Warningf("shm: %s: frequency adjustment failed: %v", in.Name, err)
		} else {
			in.freqAdjustPPB = freq
		}
		in.servoActive = true
	}
}

func (in *Instance) shouldStep(diffNs float64) bool {
	if !in.control.Has(FlagClockCtrl) {
		return false
	}
	abs := diffNs
	if abs < 0 {
		abs = -abs
	}
	if abs < StepThreshold {
		return false
	}
	switch in.cfg.ClockCtrl {
	case SlewOnly:
		return false
	case SlewAndStep:
		return true
	case StepAtStartup:
		return !in.startupStepDone
	case StepForward:
		return diffNs > 0
	default:
		return false
	}
}

// stepClock implements spec.md §4.3.1 step 3.
func (in *Instance) stepClock(diffNs float64, now time.Time) {
	offset := time.Duration(-diffNs) * time.Nanosecond
	if err := in.clk.Step(offset); err != nil {
		log.Warningf("shm: %s: step failed: %v", in.Name, err)
		return
	}
	in.resetFiltersAndPID()
	if err := in.clk.AdjFreqPPB(in.freqAdjustBase); err != nil {
		log.Warningf("shm: %s: frequency reset after step failed: %v", in.Name, err)
	} else {
		in.freqAdjustPPB = in.freqAdjustBase
	}
	if in.tod != nil {
		in.tod.NotifyStep()
	}
	in.clockSteps++
	in.servoActive = true
	in.stepOccurred = true
	in.startupStepDone = true
}

func (in *Instance) resetFiltersAndPID() {
	in.fir.Reset()
	if in.peirce != nil {
		in.peirce.Reset()
	}
	in.pid.Reset()
}

// Control implements the CONTROL message (spec.md §4.3 "Control-flag
// semantics"): new = (old &^ mask) | (flags & mask).
func (in *Instance) Control(mask, flags ControlFlags) {
	old := in.control
	in.control = (old &^ mask) | (flags & mask)

	if mask.Has(FlagClockCtrl) && old.Has(FlagClockCtrl) && !in.control.Has(FlagClockCtrl) {
		in.pid.Reset()
	}
	if mask.Has(FlagTimestampProcessing) && old.Has(FlagTimestampProcessing) && !in.control.Has(FlagTimestampProcessing) {
		in.lastEventTimestamp = time.Time{}
	}
}

// Has reports whether all bits in mask are set.
func (f ControlFlags) Has(mask ControlFlags) bool { return f&mask == mask }

// StepClockForced implements the STEP_CLOCK message: an externally
// requested, unconditional step.
func (in *Instance) StepClockForced(offset time.Duration, now time.Time) error {
	if err := in.clk.Step(offset); err != nil {
		return fmt.Errorf("shm: %s: forced step failed: %w", in.Name, err)
	}
	in.resetFiltersAndPID()
	if in.tod != nil {
		in.tod.NotifyStep()
	}
	in.clockSteps++
	in.stepOccurred = true
	return nil
}

// PollTimeOfDay implements spec.md §4.3.2.
func (in *Instance) PollTimeOfDay(now time.Time) {
	if in.tod == nil {
		in.setAlarms(in.alarms.Set(AlarmNoTimeOfDay))
		return
	}
	if !in.todNextPoll.IsZero() && now.Before(in.todNextPoll) {
		return
	}
	in.todNextPoll = now.Add(time.Second)

	status, err := in.tod.Status()
	if err != nil {
		log.Warningf("shm: %s: time-of-day poll failed: %v", in.Name, err)
		in.setAlarms(in.alarms.Set(AlarmNoTimeOfDay))
		return
	}
	in.todLastStatus = status

	switch status.State {
	case ToDSlave, ToDSelection:
		in.setAlarms(in.alarms.Clear(AlarmNoTimeOfDay))
	default:
		in.setAlarms(in.alarms.Set(AlarmNoTimeOfDay))
	}
}

// UpdateConvergence implements spec.md §4.3.3.
func (in *Instance) UpdateConvergence(nowSeconds float64) {
	active := in.state == Slave && in.alarms == 0 && in.control.Has(FlagTimestampProcessing)
	if !active {
		in.convergence.Reset()
		in.synchronized = false
		return
	}
	in.synchronized = in.convergence.Update(nowSeconds, in.offsetFromMasterNs)
}

// Changed reports whether state or alarms changed since the last call to
// ClearChanged (spec.md §4.3.3 "send an asynchronous state_changed event
// ... if state or alarm bits changed"). A change of clustering score alone
// is not reported.
func (in *Instance) Changed() bool {
	return in.state != in.prevState || in.alarms != in.prevAlarms
}

// ClearChanged acknowledges the current state/alarms as reported.
func (in *Instance) ClearChanged() {
	in.prevState = in.state
	in.prevAlarms = in.alarms
}

// GetStatus implements the GET_STATUS message.
func (in *Instance) GetStatus() Status {
	offset := in.offsetFromMasterNs
	if in.state == Listening || in.state == Faulty {
		offset = 0
	}
	return Status{
		State:              in.state,
		Alarms:             in.alarms,
		Clock:              in.clk.Name(),
		Master:             in.cfg.Master,
		OffsetFromMasterNs: offset,
		ClusteringScore:    clusteringScore(in.alarms, in.consecutiveGood),
		UserPriority:       in.cfg.Priority,
		Synchronized:       in.synchronized,
	}
}

// Counters snapshots the instance's incremental error/event counters.
type Counters struct {
	ClockSteps      uint64
	SeqNumErrors    uint64
	BadSignalErrors uint64
	Outliers        uint64
}

// Counters returns the instance's incremental counters (spec.md §3
// "Stats").
func (in *Instance) Counters() Counters {
	return Counters{
		ClockSteps:      in.clockSteps,
		SeqNumErrors:    in.seqNumErrors,
		BadSignalErrors: in.badSignalErrors,
		Outliers:        in.outliers,
	}
}
