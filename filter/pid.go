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

package filter

import "time"

// PID is a proportional-integral-derivative controller with a clamped
// integral term (spec.md §4.2 "PID filter"). Kd defaults to 0 in practice
// (spec.md §9 glossary) but is fully supported.
type PID struct {
	Kp, Ki, Kd float64
	IMax       float64

	integral float64
	prevErr  float64
	havePrev bool
	lastT    time.Time
}

// NewPID builds a PID controller with the given coefficients and
// symmetric integral clamp [-iMax, +iMax].
func NewPID(kp, ki, kd, iMax float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, IMax: iMax}
}

// Update integrates error e (clamping the accumulator), computes the
// derivative against the previous call using the gap between this call's
// timestamp t and the previous one (the wall clock stands in when t is the
// zero time; tests pass explicit timestamps), and returns the control
// output.
func (p *PID) Update(e float64, t time.Time) float64 {
	dt := p.dt(t)

	p.integral += e * dt
	if p.integral > p.IMax {
		p.integral = p.IMax
	} else if p.integral < -p.IMax {
		p.integral = -p.IMax
	}

	var derivative float64
	if p.havePrev && dt > 0 {
		derivative = (e - p.prevErr) / dt
	}
	p.prevErr = e
	p.havePrev = true

	return p.Kp*e + p.Ki*p.integral + p.Kd*derivative
}

// dt returns the elapsed seconds since the previous Update call, seeding
// lastT on the first call so the first derivative term is zero.
func (p *PID) dt(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	if p.lastT.IsZero() {
		p.lastT = t
		return 0
	}
	dt := t.Sub(p.lastT).Seconds()
	p.lastT = t
	if dt <= 0 {
		return 0
	}
	return dt
}

// Reset clears the integral accumulator and derivative history (spec.md
// §4.2: "Reset clears I and e_prev").
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.havePrev = false
	p.lastT = time.Time{}
}
