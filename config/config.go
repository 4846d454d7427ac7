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

// Package config implements the hierarchical, ini-backed configuration
// store of spec.md §6: a section category per sync-module type ("shm"
// being the only one this daemon implements), with one `[shm "<name>"]`
// section per instance underneath it, following the same github.com/go-ini/ini idiom
// facebook/time/calnex/config uses for its own section tree.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ini/ini"

	"github.com/clocksync/tsyncd/syncmodule/shm"
)

// File is a parsed configuration file: one named shm.Config per `[shm
// "<name>"]` section (spec.md §6's option table, adopted verbatim as ini
// keys).
type File struct {
	SHM map[string]shm.Config
}

// Load parses path into a File. Every `[shm "name"]` section becomes one
// entry of File.SHM; Validate is not called here, since a caller may want
// to adjust a Config after loading (e.g. clamp MaxFreqPPB to what the
// resolved clock.Clock reports) before validating.
func Load(path string) (*File, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %q: %w", path, err)
	}
	return parse(f)
}

// LoadBytes is Load for an in-memory ini document, used by tests.
func LoadBytes(data []byte) (*File, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	return parse(f)
}

func parse(f *ini.File) (*File, error) {
	out := &File{SHM: make(map[string]shm.Config)}
	for _, name := range f.SectionStrings() {
		if !strings.HasPrefix(name, "shm.") && !strings.HasPrefix(name, "shm \"") {
			continue
		}
		instance := sectionInstanceName(name)
		if instance == "" {
			continue
		}
		cfg, err := parseSHMSection(f.Section(name))
		if err != nil {
			return nil, fmt.Errorf("config: [%s]: %w", name, err)
		}
		out.SHM[instance] = cfg
	}
	return out, nil
}

// sectionInstanceName extracts "eth0" out of go-ini's rendering of
// `[shm "eth0"]`, which loads as a section literally named `shm "eth0"`.
func sectionInstanceName(name string) string {
	i := strings.IndexByte(name, '"')
	if i < 0 {
		return ""
	}
	j := strings.LastIndexByte(name, '"')
	if j <= i {
		return ""
	}
	return name[i+1 : j]
}

func parseSHMSection(s *ini.Section) (shm.Config, error) {
	var cfg shm.Config

	cfg.Interface = s.Key("interface").MustString("")
	cfg.Priority = s.Key("priority").MustInt(0)
	cfg.TimeOfDay = s.Key("time_of_day").MustString("")
	cfg.PropagationDelayNs = s.Key("shm_delay").MustFloat64(0)
	cfg.PIDKp = s.Key("pid_filter_p").MustFloat64(0)
	cfg.PIDKi = s.Key("pid_filter_i").MustFloat64(0)
	cfg.OutlierFilterSize = s.Key("outlier_filter_size").MustInt(3)
	cfg.OutlierFilterAdapt = s.Key("outlier_filter_adaption").MustFloat64(0)
	cfg.FIRFilterSize = s.Key("fir_filter_size").MustInt(1)
	cfg.SyncThresholdNs = s.Key("sync_threshold").MustFloat64(0)
	cfg.MaxFreqPPB = s.Key("max_freq_ppb").MustFloat64(0)

	switch v := s.Key("shm_source_type").MustString("complete"); v {
	case "complete":
		cfg.SourceType = shm.SourceComplete
	case "tod":
		cfg.SourceType = shm.SourceToD
	case "pps":
		cfg.SourceType = shm.SourcePPS
	default:
		return cfg, fmt.Errorf("unknown shm_source_type %q", v)
	}

	switch v := s.Key("outlier_filter_type").MustString("disabled"); v {
	case "disabled":
		cfg.OutlierFilter = shm.OutlierFilterDisabled
	case "std-dev":
		cfg.OutlierFilter = shm.OutlierFilterStdDev
	default:
		return cfg, fmt.Errorf("unknown outlier_filter_type %q", v)
	}

	switch v := s.Key("clock_ctrl").MustString("slew_and_step"); v {
	case "slew_only":
		cfg.ClockCtrl = shm.SlewOnly
	case "slew_and_step":
		cfg.ClockCtrl = shm.SlewAndStep
	case "step_at_startup":
		cfg.ClockCtrl = shm.StepAtStartup
	case "step_forward":
		cfg.ClockCtrl = shm.StepForward
	default:
		return cfg, fmt.Errorf("unknown clock_ctrl %q", v)
	}

	master, err := parseMaster(s)
	if err != nil {
		return cfg, err
	}
	cfg.Master = master

	return cfg, nil
}

func parseMaster(s *ini.Section) (shm.MasterMetadata, error) {
	var m shm.MasterMetadata
	m.ClockClass = s.Key("master_clock_class").MustString("freerunning")
	m.TimeSource = s.Key("master_time_source").MustString("oscillator")
	m.StepsRemoved = uint32(s.Key("steps_removed").MustUint(0))

	acc := s.Key("master_accuracy").MustString("unknown")
	if acc == "unknown" {
		m.AccuracyKnown = false
	} else {
		v, err := strconv.ParseFloat(acc, 64)
		if err != nil {
			return m, fmt.Errorf("master_accuracy %q: %w", acc, err)
		}
		m.AccuracyKnown = true
		m.AccuracyNs = v
	}

	if raw := s.Key("master_traceability").MustString(""); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "time" || tok == "freq" {
				m.Traceability = append(m.Traceability, tok)
			}
		}
	}
	return m, nil
}
