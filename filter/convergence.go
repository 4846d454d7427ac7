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

import "math"

// Convergence implements the moving-threshold test of spec.md §4.2
// "Convergence measure": true once the absolute offset has stayed within
// max_offset continuously for at least min_period seconds.
type Convergence struct {
	MaxOffset float64
	MinPeriod float64 // seconds

	windowStart float64
	haveStart   bool
}

// NewConvergence builds a convergence measure with the given parameters.
func NewConvergence(maxOffset, minPeriod float64) *Convergence {
	return &Convergence{MaxOffset: maxOffset, MinPeriod: minPeriod}
}

// Update reports whether the offset has remained within MaxOffset for at
// least MinPeriod seconds, ending at tSeconds.
func (c *Convergence) Update(tSeconds, offset float64) bool {
	if math.Abs(offset) > c.MaxOffset {
		c.haveStart = false
		return false
	}
	if !c.haveStart {
		c.windowStart = tSeconds
		c.haveStart = true
	}
	return tSeconds-c.windowStart >= c.MinPeriod
}

// Reset restarts the confinement window.
func (c *Convergence) Reset() {
	c.haveStart = false
	c.windowStart = 0
}
