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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotchBoundary(t *testing.T) {
	n := NewNotch(100, 10)
	require.True(t, n.Update(110))
	require.True(t, n.Update(90))
	require.False(t, n.Update(110.000001))
	require.False(t, n.Update(89.999999))
}

func TestFIRDepthOnePassthrough(t *testing.T) {
	f, err := NewFIR(1)
	require.NoError(t, err)
	require.Equal(t, 5.0, f.Update(5))
	require.Equal(t, 7.0, f.Update(7))
}

func TestFIRMovingAverage(t *testing.T) {
	f, err := NewFIR(3)
	require.NoError(t, err)
	require.Equal(t, 1.0, f.Update(1))
	require.Equal(t, 1.5, f.Update(2))
	require.Equal(t, 2.0, f.Update(3))
	require.Equal(t, 3.0, f.Update(4)) // (2+3+4)/3
}

func TestFIRReset(t *testing.T) {
	f, err := NewFIR(2)
	require.NoError(t, err)
	f.Update(10)
	f.Reset()
	require.Equal(t, 5.0, f.Update(5))
}

func TestFIRInvalidDepth(t *testing.T) {
	_, err := NewFIR(0)
	require.Error(t, err)
	_, err = NewFIR(FIRMaxDepth + 1)
	require.Error(t, err)
}

func TestPeirceDetectsOutlier(t *testing.T) {
	p, err := NewPeirce(10, 0.5)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		v, outlier := p.Update(100)
		require.False(t, outlier)
		require.Equal(t, 100.0, v)
	}

	_, outlier := p.Update(100000)
	require.True(t, outlier)
}

func TestPeirceInvalidParams(t *testing.T) {
	_, err := NewPeirce(1, 0.5)
	require.Error(t, err)
	_, err = NewPeirce(10, 1.5)
	require.Error(t, err)
}

func TestPIDProportional(t *testing.T) {
	p := NewPID(2, 0, 0, 1000)
	out := p.Update(5, time.Time{})
	require.Equal(t, 10.0, out)
}

func TestPIDIntegralClamp(t *testing.T) {
	p := NewPID(0, 1, 0, 5)
	base := time.Now()
	p.Update(100, base)
	out := p.Update(100, base.Add(time.Second))
	require.LessOrEqual(t, out, 5.0)
}

func TestPIDReset(t *testing.T) {
	p := NewPID(1, 1, 0, 100)
	base := time.Now()
	p.Update(10, base)
	p.Update(10, base.Add(time.Second))
	p.Reset()
	out := p.Update(1, time.Time{})
	require.Equal(t, 1.0, out) // integral/derivative both zero on first call post-reset
}

func TestConvergenceRequiresSustainedWindow(t *testing.T) {
	c := NewConvergence(1000, 5)
	require.False(t, c.Update(0, 100))
	require.False(t, c.Update(2, 100))
	require.False(t, c.Update(4.9, 100))
	require.True(t, c.Update(5.0, 100))
}

func TestConvergenceResetsOnBreach(t *testing.T) {
	c := NewConvergence(1000, 5)
	require.False(t, c.Update(0, 100))
	require.False(t, c.Update(3, 5000)) // breach
	require.False(t, c.Update(4, 100))  // window restarted
	require.True(t, c.Update(9, 100))
}
