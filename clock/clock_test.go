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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClockCompareToSystem(t *testing.T) {
	c := NewFakeClock("eth0", 150*time.Millisecond, 500000)
	diff, err := c.CompareToSystem()
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, diff)
}

func TestFakeClockStepAdjustsOffset(t *testing.T) {
	c := NewFakeClock("eth0", 600*time.Millisecond, 500000)
	require.NoError(t, c.Step(600*time.Millisecond))
	diff, err := c.CompareToSystem()
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), diff)
}

func TestFakeClockCompareError(t *testing.T) {
	c := NewFakeClock("eth0", 0, 500000)
	sentinel := errors.New("boom")
	c.SetCompareError(sentinel)
	_, err := c.CompareToSystem()
	require.ErrorIs(t, err, sentinel)
}

func TestFakeClockFrequencyRoundTrip(t *testing.T) {
	c := NewFakeClock("eth0", 0, 500000)
	require.NoError(t, c.AdjFreqPPB(123.5))
	freq, err := c.FrequencyPPB()
	require.NoError(t, err)
	require.InDelta(t, 123.5, freq, 0.0001)
}

func TestFakeClockPersistedFrequency(t *testing.T) {
	c := NewFakeClock("eth0", 0, 500000)
	_, ok, err := c.LoadFrequency()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SaveFrequency(42.0))
	freq, ok, err := c.LoadFrequency()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42.0, freq)
}

func TestIsSystemClock(t *testing.T) {
	require.True(t, IsSystemClock(NewSystemClock()))
	require.False(t, IsSystemClock(NewFakeClock("eth0", 0, 0)))
}
