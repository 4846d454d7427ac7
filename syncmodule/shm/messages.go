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
	"time"
)

// msgKind tags the message-passing union the Sync Module worker accepts
// from the engine (spec.md §4.3's message table; spec.md §9 "Message-
// passing concurrency").
type msgKind int

const (
	msgRun msgKind = iota
	msgGetStatus
	msgGetCounters
	msgControl
	msgStepClock
	msgLogStats
	msgSaveState
	msgWriteTopology
	msgStatsEndPeriod
	msgTestMode
	msgPIDAdjust

	// msgEvent and msgEventError are internal (not part of the engine's
	// public message table): they deliver pulse events and event-source
	// errors from per-instance feeder goroutines into the worker that
	// exclusively owns each Instance.
	msgEvent
	msgEventError
)

// message is the single envelope type carrying every message kind; unused
// fields for a given kind are simply left zero. reply is nil for
// fire-and-forget ("Async") messages.
type message struct {
	kind msgKind

	handle string // targets one instance by name; empty = broadcast/multicast

	event Event // msgEvent

	mask, flags ControlFlags // CONTROL
	stepOffset  time.Duration // STEP_CLOCK
	now         time.Time    // LOG_STATS / STATS_END_PERIOD / timer-ish messages
	topology    io.Writer    // WRITE_TOPOLOGY
	testID      string       // TEST_MODE

	pidMask    ModuleType // PID_ADJUST: module-type mask
	kp, ki, kd float64
	pidReset   bool

	reply chan msgReply
}

// msgReply carries every message kind's possible reply payload.
type msgReply struct {
	status   Status
	counters Counters
	err      error
}

// call sends msg to the module's worker loop and waits for its reply. Used
// internally by the typed wrapper methods on Module.
func (m *Module) call(msg message) msgReply {
	msg.reply = make(chan msgReply, 1)
	select {
	case m.msgs <- msg:
	case <-m.done:
		return msgReply{err: ErrModuleStopped}
	}
	return <-msg.reply
}

// send enqueues msg without waiting for a reply (the "Async" messages).
func (m *Module) send(msg message) {
	select {
	case m.msgs <- msg:
	case <-m.done:
	}
}
