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

// Package shm implements the "SHM" Sync Module instance of spec.md §4.3:
// a per-source state machine that ingests (sequence, hardware timestamp)
// pulse events plus an auxiliary time-of-day source, filters them, drives
// a PID servo that steers a local reference clock, and reports status,
// alarms and statistics to the owning engine.
package shm

import "time"

// State is the Sync Module state machine's current state (spec.md §4.3
// "Event-driven state machine").
type State int

const (
	// Listening is the initial state: no valid event observed yet.
	Listening State = iota
	// Slave is reached after the first valid event; the servo runs here.
	Slave
	// Faulty means the event source itself errored; cleared on the next
	// successful event read.
	Faulty
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Slave:
		return "SLAVE"
	case Faulty:
		return "FAULTY"
	default:
		return "UNKNOWN"
	}
}

// Alarms is a bitset over the alarm conditions tracked while in Slave
// (spec.md §3, §4.3).
type Alarms uint32

const (
	// AlarmNoSignal is set when no event has been observed for T_alarm.
	AlarmNoSignal Alarms = 1 << iota
	// AlarmSeqNumError is set on a sequence-number discontinuity.
	AlarmSeqNumError
	// AlarmBadSignal is set when the inter-event period fails the notch
	// filter.
	AlarmBadSignal
	// AlarmNoTimeOfDay is set when the bound time-of-day source is not
	// in SLAVE or SELECTION state.
	AlarmNoTimeOfDay
)

// Has reports whether all bits in mask are set.
func (a Alarms) Has(mask Alarms) bool { return a&mask == mask }

// Set returns a with mask's bits set.
func (a Alarms) Set(mask Alarms) Alarms { return a | mask }

// Clear returns a with mask's bits cleared.
func (a Alarms) Clear(mask Alarms) Alarms { return a &^ mask }

// ControlFlags is a bitset of per-instance control toggles (spec.md §3,
// "Control flags bitset").
type ControlFlags uint32

const (
	// FlagSelected marks this instance as the engine's selected source.
	FlagSelected ControlFlags = 1 << iota
	// FlagClockCtrl permits this instance to actually discipline the
	// local reference clock.
	FlagClockCtrl
	// FlagTimestampProcessing enables per-event timestamp processing
	// (servo feed); when off, events are only used for liveness/alarms.
	FlagTimestampProcessing
	// FlagClusteringDeterminant marks this instance as contributing to
	// the engine's clustering/selection algorithm.
	FlagClusteringDeterminant
)

// ModuleType is a bitset identifying a sync-module backend (spec.md §4.3's
// `PID_ADJUST(mask, ...)`: "If mask includes this module type..."). This
// package implements exactly one backend, TypeSHM, but the bitset leaves
// room for a mask spanning other sync-module types the engine may one day
// host alongside it.
type ModuleType uint32

const (
	// TypeSHM identifies this package's Sync Module backend.
	TypeSHM ModuleType = 1 << iota
)

// ClockCtrlPolicy selects how a large offset is corrected (spec.md §4.3.1
// "Step policy").
type ClockCtrlPolicy int

const (
	// SlewOnly never steps the clock, regardless of offset magnitude.
	SlewOnly ClockCtrlPolicy = iota
	// SlewAndStep steps whenever |diff| exceeds StepThreshold.
	SlewAndStep
	// StepAtStartup steps only for the first correction after start.
	StepAtStartup
	// StepForward steps only when the required correction is positive
	// (the clock needs to move forward).
	StepForward
)

// OutlierFilterType selects whether the Peirce outlier filter runs.
type OutlierFilterType int

const (
	// OutlierFilterDisabled skips outlier rejection entirely.
	OutlierFilterDisabled OutlierFilterType = iota
	// OutlierFilterStdDev runs the Peirce (std-dev based) filter.
	OutlierFilterStdDev
)

// Timing constants from spec.md §4.3.
const (
	// TTimeout: SLAVE -> LISTENING if no event observed for this long.
	TTimeout = 60 * time.Second
	// TAlarm: NO_SIGNAL is asserted if no event for this long.
	TAlarm = 1100 * time.Millisecond
	// TPulse: pulse-check grace period after instance start.
	TPulse = 8 * time.Second
	// RequiredGoodPeriods is the consecutive-good-period count needed to
	// clear BAD_SIGNAL and start servoing.
	RequiredGoodPeriods = 3
	// StepThreshold is the |diff| (in nanoseconds) above which stepping
	// is considered instead of slewing.
	StepThreshold = 5e8 // ns

	// NotchMidpointNs / NotchWidthNs bound the pulse-period notch filter
	// for a nominal 1 Hz source.
	NotchMidpointNs = 1e9
	NotchWidthNs    = 1e8

	// SequenceNotProvided is the sentinel meaning "no sequence number".
	SequenceNotProvided = ^uint32(0)

	// ConvergenceMinPeriodSeconds is the sustained-confinement window the
	// convergence measure requires before declaring synchronized (spec.md
	// §4.2/§8; not named as a config option by spec.md §6, so it is a
	// fixed daemon constant here).
	ConvergenceMinPeriodSeconds = 30.0
)
