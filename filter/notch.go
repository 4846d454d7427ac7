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

// Package filter implements the signal-conditioning and servo primitives
// of spec.md §4.2: a notch (accept-band) filter, an FIR moving-average
// filter, a Peirce outlier filter, a PID controller, and a convergence
// measure. All are stateless with respect to wall-clock time except where
// noted; none of them hold a lock, since each is owned by exactly one Sync
// Module instance.
package filter

// Notch is an accept/reject band filter around a nominal value (spec.md
// §4.2 "Notch filter"). It holds no state between calls.
type Notch struct {
	Midpoint  float64
	HalfWidth float64
}

// NewNotch builds a Notch accepting values within [midpoint-halfWidth,
// midpoint+halfWidth].
func NewNotch(midpoint, halfWidth float64) *Notch {
	return &Notch{Midpoint: midpoint, HalfWidth: halfWidth}
}

// Update reports whether x falls within the accept band. Exactly
// midpoint±halfWidth is accepted (spec.md §8: "at exact midpoint ± width
// is accepted; one ns beyond is rejected").
func (n *Notch) Update(x float64) bool {
	d := x - n.Midpoint
	if d < 0 {
		d = -d
	}
	return d <= n.HalfWidth
}
