//go:build linux

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

package clock

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ppbToTimexPPM converts between PPB and the PPM-with-16-bit-fraction unit
// struct timex uses for Freq/Tolerance.
// man clock_adjtime(2): freq, ppsfreq and stabil are ppm (parts per
// million) with a 16-bit fractional part; 65536 represents 1 ppm.
const ppbToTimexPPM = 65.536

// clock_adjtime modes from usr/include/linux/timex.h
const (
	adjOffset    uint32 = 0x0001
	adjFrequency uint32 = 0x0002
	adjMaxError  uint32 = 0x0004
	adjEstError  uint32 = 0x0008
	adjStatus    uint32 = 0x0010
	adjTimeConst uint32 = 0x0020
	adjTAI       uint32 = 0x0080
	adjSetOffset uint32 = 0x0100
	adjMicro     uint32 = 0x1000
	adjNano      uint32 = 0x2000
	adjTick      uint32 = 0x4000
)

// ErrClockNotSynced is returned when a clock_adjtime call that is supposed
// to leave the clock in TIME_OK instead reports a different kernel NTP
// state (e.g. TIME_ERROR because the kernel considers the clock
// unsynchronized).
type ErrClockNotSynced struct {
	// Op names the adjustment that was attempted ("frequency", "step",
	// "sync").
	Op string
	// State is the raw adjtime(2) return value.
	State int
}

func (e *ErrClockNotSynced) Error() string {
	return fmt.Sprintf("clock: state %d is not TIME_OK after %s adjustment", e.State, e.Op)
}

// adjtimex binds the raw CLOCK_ADJTIME syscall to one clock ID, so every
// Sync Module/Clock Feed caller goes through a value that already knows
// which clock it is steering instead of threading clockid through every
// call (PHCClock.clockID() and CLOCK_REALTIME are the only two sources of
// one today, but both now speak through the same narrow type).
type adjtimex struct {
	clockID int32
}

// raw issues the CLOCK_ADJTIME syscall, either adjusting the clock's
// parameters or, with a zero-valued buf, reading them back.
// man(2) clock_adjtime
func (a adjtimex) raw(buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(a.clockID), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

// frequencyPPB reads the clock's currently configured frequency correction.
func (a adjtimex) frequencyPPB() (float64, error) {
	tx := &unix.Timex{}
	_, err := a.raw(tx)
	return float64(tx.Freq) / ppbToTimexPPM, err
}

// maxFreqPPB returns the clock's maximum supported frequency adjustment, as
// reported by the driver's tolerance field, falling back to a conservative
// default when the driver reports none.
func (a adjtimex) maxFreqPPB() (float64, error) {
	tx := &unix.Timex{}
	if _, err := a.raw(tx); err != nil {
		return 0, err
	}
	freqPPB := float64(tx.Tolerance) / ppbToTimexPPM
	if freqPPB == 0 {
		freqPPB = DefaultMaxClockFreqPPB
	}
	return freqPPB, nil
}

// adjFreqPPB sets the clock's frequency correction. freqPPB is clamped to
// the driver-reported tolerance first: spec.md's max_freq_ppb is a servo-side
// guard, but the kernel/driver tolerance is the hard ceiling and a caller
// bug upstream (a servo output spike) must not reach the hardware unclamped.
func (a adjtimex) adjFreqPPB(freqPPB float64) error {
	if max, err := a.maxFreqPPB(); err == nil && max > 0 {
		if freqPPB > max {
			freqPPB = max
		} else if freqPPB < -max {
			freqPPB = -max
		}
	}
	tx := &unix.Timex{}
	tx.Freq = int64(freqPPB * ppbToTimexPPM)
	tx.Modes = adjFrequency
	state, err := a.raw(tx)
	if err == nil && state != unix.TIME_OK {
		return &ErrClockNotSynced{Op: "frequency", State: state}
	}
	return err
}

// step steps the clock by the given duration in a single atomic adjtime
// call.
func (a adjtimex) step(step time.Duration) error {
	sign := int64(1)
	if step < 0 {
		sign = -1
		step = -step
	}
	tx := &unix.Timex{}
	tx.Modes = adjSetOffset | adjNano
	tx.Time.Sec = sign * int64(step/time.Second)
	tx.Time.Usec = sign * int64(step%time.Second)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	state, err := a.raw(tx)
	if err == nil && state != unix.TIME_OK {
		return &ErrClockNotSynced{Op: "step", State: state}
	}
	return err
}

// setSync marks this clock as synchronized (TIME_OK), clearing the kernel's
// "unsynchronized" indication used by NTP-aware consumers.
func (a adjtimex) setSync() error {
	tx := &unix.Timex{}
	tx.Modes = adjStatus | adjMaxError
	state, err := a.raw(tx)
	if err == nil && state != unix.TIME_OK {
		return &ErrClockNotSynced{Op: "sync", State: state}
	}
	return err
}
