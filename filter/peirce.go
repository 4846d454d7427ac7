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

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// Peirce size bounds (spec.md §4.2 "configurable size S ∈ [S_min, S_max]").
const (
	PeirceMinSize = 3
	PeirceMaxSize = 60
)

// Peirce is the Peirce outlier filter: a rolling window over which mean
// and variance are tracked, rejecting samples whose deviation exceeds the
// Peirce criterion threshold for the window's current size (spec.md §4.2,
// §9: "faithful implementations must use the standard Peirce criterion").
//
// The exact rejection coefficient table is not given by the distilled
// specification; this implements the iterative closed-form derivation of
// Peirce's criterion for a single suspect observation (Gould, 1855), which
// is the standard approach when a precomputed table is unavailable.
type Peirce struct {
	size  int
	alpha float64
	win   []float64
}

// NewPeirce builds a Peirce filter with a window of size samples and
// adaption factor alpha in [0,1] controlling how much of an outlier's
// deviation is folded back into the window.
func NewPeirce(size int, alpha float64) (*Peirce, error) {
	if size < PeirceMinSize || size > PeirceMaxSize {
		return nil, fmt.Errorf("filter: Peirce size %d out of range [%d, %d]", size, PeirceMinSize, PeirceMaxSize)
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("filter: Peirce alpha %f out of range [0, 1]", alpha)
	}
	return &Peirce{size: size, alpha: alpha}, nil
}

// Update feeds x through the filter. It returns (value, outlier): value is
// x itself when accepted, or the damped replacement mean + alpha*(x-mean)
// when x is rejected as an outlier.
func (p *Peirce) Update(x float64) (value float64, outlier bool) {
	if len(p.win) < 2 {
		p.win = append(p.win, x)
		return x, false
	}

	mean, _ := stats.Mean(stats.Float64Data(p.win))
	stddev, _ := stats.StandardDeviation(stats.Float64Data(p.win))

	dev := x - mean
	if dev < 0 {
		dev = -dev
	}

	if stddev > 0 {
		n := float64(len(p.win))
		x2 := peirceX2(n, 1, 1)
		threshold := math.Sqrt(x2) * stddev
		outlier = dev > threshold
	} else {
		// A perfectly constant window has zero variance; any deviation
		// at all is then arbitrarily significant.
		outlier = dev > 0
	}

	if outlier {
		value = mean + p.alpha*(x-mean)
	} else {
		value = x
	}

	p.win = append(p.win, value)
	if len(p.win) > p.size {
		p.win = p.win[1:]
	}
	return value, outlier
}

// Reset discards the rolling window.
func (p *Peirce) Reset() { p.win = nil }

// peirceX2 computes the squared rejection threshold (in standard-deviation
// units) for N total observations, n suspected outliers and m estimated
// parameters (m=1 for a sample mean), via the standard iterative solution
// to Peirce's criterion.
func peirceX2(N, n, m float64) float64 {
	if n >= N {
		return 1
	}
	Q := math.Pow(n, n/N) * math.Pow(N-n, (N-n)/N) / N

	x2 := 1.0
	rNew := 1.0
	rOld := 0.0
	for i := 0; i < 100 && math.Abs(rNew-rOld) > 1e-10; i++ {
		lamda := math.Pow(Q, N) / math.Pow(rNew, n)
		if math.IsInf(lamda, 0) || math.IsNaN(lamda) {
			lamda = 1e20
		}
		x2 = 1 + (N-m-n)/n*(1-math.Pow(lamda, 2/(N-m)))
		if x2 < 0 {
			x2 = 0
		}
		rOld = rNew
		rNew = math.Exp((x2-1)/2) * math.Erfc(math.Sqrt(x2)/math.Sqrt2)
	}
	return x2
}
