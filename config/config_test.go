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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clocksync/tsyncd/syncmodule/shm"
)

func TestLoadBytesParsesSHMSection(t *testing.T) {
	doc := `[shm "eth0"]
interface = eth0
priority = 10
shm_source_type = complete
time_of_day =
master_clock_class = locked
master_time_source = gps
master_accuracy = 100
master_traceability = time,freq
steps_removed = 1
shm_delay = 250.5
pid_filter_p = 0.3
pid_filter_i = 0.1
outlier_filter_type = std-dev
outlier_filter_size = 5
outlier_filter_adaption = 0.25
fir_filter_size = 4
sync_threshold = 1000
clock_ctrl = slew_and_step
max_freq_ppb = 500000
`
	f, err := LoadBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, f.SHM, 1)

	cfg, ok := f.SHM["eth0"]
	require.True(t, ok)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "eth0", cfg.Interface)
	require.Equal(t, 10, cfg.Priority)
	require.Equal(t, shm.SourceComplete, cfg.SourceType)
	require.Equal(t, "", cfg.TimeOfDay)
	require.Equal(t, "locked", cfg.Master.ClockClass)
	require.Equal(t, "gps", cfg.Master.TimeSource)
	require.True(t, cfg.Master.AccuracyKnown)
	require.Equal(t, 100.0, cfg.Master.AccuracyNs)
	require.Equal(t, []string{"time", "freq"}, cfg.Master.Traceability)
	require.EqualValues(t, 1, cfg.Master.StepsRemoved)
	require.Equal(t, 250.5, cfg.PropagationDelayNs)
	require.Equal(t, 0.3, cfg.PIDKp)
	require.Equal(t, 0.1, cfg.PIDKi)
	require.Equal(t, shm.OutlierFilterStdDev, cfg.OutlierFilter)
	require.Equal(t, 5, cfg.OutlierFilterSize)
	require.Equal(t, 0.25, cfg.OutlierFilterAdapt)
	require.Equal(t, 4, cfg.FIRFilterSize)
	require.Equal(t, 1000.0, cfg.SyncThresholdNs)
	require.Equal(t, shm.SlewAndStep, cfg.ClockCtrl)
	require.Equal(t, 500000.0, cfg.MaxFreqPPB)
}

func TestLoadBytesUnknownAccuracyStaysUnknown(t *testing.T) {
	doc := `[shm "eth1"]
interface = eth1
master_accuracy = unknown
`
	f, err := LoadBytes([]byte(doc))
	require.NoError(t, err)

	cfg := f.SHM["eth1"]
	require.False(t, cfg.Master.AccuracyKnown)
	require.Equal(t, 0.0, cfg.Master.AccuracyNs)
}

func TestLoadBytesRejectsUnknownSourceType(t *testing.T) {
	doc := `[shm "eth0"]
interface = eth0
shm_source_type = bogus
`
	_, err := LoadBytes([]byte(doc))
	require.Error(t, err)
}

func TestLoadBytesRejectsUnknownOutlierFilterType(t *testing.T) {
	doc := `[shm "eth0"]
interface = eth0
outlier_filter_type = bogus
`
	_, err := LoadBytes([]byte(doc))
	require.Error(t, err)
}

func TestLoadBytesRejectsMalformedAccuracy(t *testing.T) {
	doc := `[shm "eth0"]
interface = eth0
master_accuracy = not-a-number
`
	_, err := LoadBytes([]byte(doc))
	require.Error(t, err)
}

func TestLoadBytesIgnoresNonSHMSections(t *testing.T) {
	doc := `[global]
log_level = info

[shm "eth0"]
interface = eth0
`
	f, err := LoadBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, f.SHM, 1)
	_, ok := f.SHM["eth0"]
	require.True(t, ok)
}

func TestLoadBytesMultipleInstances(t *testing.T) {
	doc := `[shm "eth0"]
interface = eth0
priority = 1

[shm "eth1"]
interface = eth1
priority = 2
time_of_day = eth0
`
	f, err := LoadBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, f.SHM, 2)
	require.Equal(t, "eth0", f.SHM["eth1"].TimeOfDay)
}
