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

import "fmt"

// SourceType is the SHM module's `shm_source_type` option (spec.md §6).
type SourceType int

const (
	// SourceComplete provides both the sub-second pulse and the
	// time-of-day seconds component.
	SourceComplete SourceType = iota
	// SourceToD provides only the time-of-day seconds component.
	SourceToD
	// SourcePPS provides only the sub-second pulse.
	SourcePPS
)

// MasterMetadata is the configuration-supplied description of the
// upstream reference a SHM instance believes it is slaved to (spec.md §3
// "master metadata").
type MasterMetadata struct {
	ClockClass    string // "locked" | "holdover" | "freerunning"
	TimeSource    string // "atomic" | "gps" | "ptp" | "ntp" | "oscillator"
	AccuracyNs    float64
	AccuracyKnown bool
	Traceability  []string // subset of {"time", "freq"}
	StepsRemoved  uint32
}

// Config is a single SHM instance's configuration snapshot (spec.md §3,
// §6). Field names follow the ini keys of SPEC_FULL.md §4.e verbatim in
// meaning.
type Config struct {
	Interface  string
	Priority   int
	SourceType SourceType
	// TimeOfDay names another sync instance supplying the seconds
	// component; empty means this instance is self-contained.
	TimeOfDay string

	Master MasterMetadata

	PropagationDelayNs float64 // shm_delay

	PIDKp, PIDKi, PIDKd float64

	OutlierFilter       OutlierFilterType
	OutlierFilterSize   int
	OutlierFilterAdapt  float64

	FIRFilterSize int

	SyncThresholdNs float64 // convergence max_offset

	ClockCtrl ClockCtrlPolicy

	MaxFreqPPB float64
}

// Validate checks Config against spec.md §7's "Configuration" error class:
// missing/invalid fields, out-of-range numeric parameters, unknown
// enumeration values. A non-nil error here means the instance must not
// start.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("shm: interface must not be empty")
	}
	if c.SourceType < SourceComplete || c.SourceType > SourcePPS {
		return fmt.Errorf("shm: unknown shm_source_type %d", c.SourceType)
	}
	if c.OutlierFilter < OutlierFilterDisabled || c.OutlierFilter > OutlierFilterStdDev {
		return fmt.Errorf("shm: unknown outlier_filter_type %d", c.OutlierFilter)
	}
	if c.ClockCtrl < SlewOnly || c.ClockCtrl > StepForward {
		return fmt.Errorf("shm: unknown clock_ctrl %d", c.ClockCtrl)
	}
	if c.FIRFilterSize < 1 {
		return fmt.Errorf("shm: fir_filter_size %d must be >= 1", c.FIRFilterSize)
	}
	if c.OutlierFilter == OutlierFilterStdDev {
		if c.OutlierFilterSize < 3 {
			return fmt.Errorf("shm: outlier_filter_size %d too small", c.OutlierFilterSize)
		}
		if c.OutlierFilterAdapt < 0 || c.OutlierFilterAdapt > 1 {
			return fmt.Errorf("shm: outlier_filter_adaption %f out of [0,1]", c.OutlierFilterAdapt)
		}
	}
	if c.PIDKp < 0 || c.PIDKp > 1 || c.PIDKi < 0 || c.PIDKi > 1 {
		return fmt.Errorf("shm: pid_filter_p/i must be in [0,1]")
	}
	if c.SyncThresholdNs <= 0 {
		return fmt.Errorf("shm: sync_threshold must be positive")
	}
	if c.MaxFreqPPB <= 0 {
		return fmt.Errorf("shm: derived max frequency adjustment must be positive")
	}
	return nil
}
