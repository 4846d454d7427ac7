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

// Package statsd implements statistics collection and Prometheus export
// for SPEC_FULL.md's domain stack: internal counters are kept in a plain
// map guarded by a mutex (the shape ptp4u/stats uses for its own
// per-message-type counters), snapshotted into a map[string]float64 for
// logging, and mirrored into Prometheus gauges for scrape-based export.
package statsd

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clocksync/tsyncd/syncmodule/shm"
)

// syncMapFloat64 is a mutex-guarded map[string]float64, the same shape as
// ptp4u/stats's syncMapInt64 but keyed by instance name instead of PTP
// message type.
type syncMapFloat64 struct {
	sync.Mutex
	m map[string]float64
}

func (s *syncMapFloat64) init() { s.m = make(map[string]float64) }

func (s *syncMapFloat64) store(key string, value float64) {
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

func (s *syncMapFloat64) load(key string) float64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

func (s *syncMapFloat64) keys() []string {
	s.Lock()
	defer s.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

// Collector keeps a snapshot of every instance's last-observed Status and
// Counters and mirrors them into Prometheus gauges, labeled by instance
// name (spec.md §3 "Stats", SPEC_FULL.md §4.f's Prometheus entry).
type Collector struct {
	offsetNs        syncMapFloat64
	clusteringScore syncMapFloat64
	synchronized    syncMapFloat64
	state           syncMapFloat64
	alarms          syncMapFloat64

	clockSteps      syncMapFloat64
	seqNumErrors    syncMapFloat64
	badSignalErrors syncMapFloat64
	outliers        syncMapFloat64

	registry *prometheus.Registry

	offsetGauge     *prometheus.GaugeVec
	clusterGauge    *prometheus.GaugeVec
	syncGauge       *prometheus.GaugeVec
	stateGauge      *prometheus.GaugeVec
	alarmsGauge     *prometheus.GaugeVec
	clockStepsGauge *prometheus.GaugeVec
	seqErrGauge     *prometheus.GaugeVec
	badSigGauge     *prometheus.GaugeVec
	outliersGauge   *prometheus.GaugeVec
}

// Registry exposes the collector's own Prometheus registry, so a caller
// (cmd/tsyncd) can mount it under promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// NewCollector builds a Collector around its own Prometheus registry (via
// promauto, the same helper the pack's other example repos use) rather
// than the global DefaultRegisterer, so that multiple Collectors — one
// per Engine, as in package tests that build several engines in the same
// process — never collide over gauge names.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	factory := promauto.With(c.registry)
	c.offsetNs.init()
	c.clusteringScore.init()
	c.synchronized.init()
	c.state.init()
	c.alarms.init()
	c.clockSteps.init()
	c.seqNumErrors.init()
	c.badSignalErrors.init()
	c.outliers.init()

	labels := []string{"instance"}
	c.offsetGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_offset_from_master_ns",
		Help: "Estimated offset from the master clock, in nanoseconds.",
	}, labels)
	c.clusterGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_clustering_score",
		Help: "Instance's clustering/selection score in [0, 1].",
	}, labels)
	c.syncGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_synchronized",
		Help: "1 if the instance's convergence window reports synchronized, else 0.",
	}, labels)
	c.stateGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_state",
		Help: "Instance state: 0=LISTENING, 1=SLAVE, 2=FAULTY.",
	}, labels)
	c.alarmsGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_alarms_bitmask",
		Help: "Instance alarms bitmask (spec.md §3).",
	}, labels)
	c.clockStepsGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_clock_steps_total",
		Help: "Cumulative number of clock steps performed.",
	}, labels)
	c.seqErrGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_seq_num_errors_total",
		Help: "Cumulative number of sequence-number errors observed.",
	}, labels)
	c.badSigGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_bad_signal_errors_total",
		Help: "Cumulative number of bad-signal (notch filter rejection) errors observed.",
	}, labels)
	c.outliersGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tsyncd_outliers_total",
		Help: "Cumulative number of Peirce outlier rejections.",
	}, labels)
	return c
}

// Observe records one instance's latest Status and Counters snapshot,
// updating both the internal map (for ToMap's textual export) and the
// Prometheus gauges.
func (c *Collector) Observe(name string, st shm.Status, counters shm.Counters) {
	stateVal := float64(st.State)
	alarmsVal := float64(st.Alarms)
	syncVal := 0.0
	if st.Synchronized {
		syncVal = 1.0
	}

	c.offsetNs.store(name, st.OffsetFromMasterNs)
	c.clusteringScore.store(name, st.ClusteringScore)
	c.synchronized.store(name, syncVal)
	c.state.store(name, stateVal)
	c.alarms.store(name, alarmsVal)
	c.clockSteps.store(name, float64(counters.ClockSteps))
	c.seqNumErrors.store(name, float64(counters.SeqNumErrors))
	c.badSignalErrors.store(name, float64(counters.BadSignalErrors))
	c.outliers.store(name, float64(counters.Outliers))

	c.offsetGauge.WithLabelValues(name).Set(st.OffsetFromMasterNs)
	c.clusterGauge.WithLabelValues(name).Set(st.ClusteringScore)
	c.syncGauge.WithLabelValues(name).Set(syncVal)
	c.stateGauge.WithLabelValues(name).Set(stateVal)
	c.alarmsGauge.WithLabelValues(name).Set(alarmsVal)
	c.clockStepsGauge.WithLabelValues(name).Set(float64(counters.ClockSteps))
	c.seqErrGauge.WithLabelValues(name).Set(float64(counters.SeqNumErrors))
	c.badSigGauge.WithLabelValues(name).Set(float64(counters.BadSignalErrors))
	c.outliersGauge.WithLabelValues(name).Set(float64(counters.Outliers))
}

// ToMap flattens every observed instance's counters into a single
// dotted-key map, the same shape ptp4u/stats.counters.toMap produces for
// its own message-type counters, for callers that want a plain snapshot
// (e.g. a structured log line) without going through Prometheus.
func (c *Collector) ToMap() map[string]float64 {
	out := make(map[string]float64)
	for _, name := range c.offsetNs.keys() {
		out[name+".offset_from_master_ns"] = c.offsetNs.load(name)
		out[name+".clustering_score"] = c.clusteringScore.load(name)
		out[name+".synchronized"] = c.synchronized.load(name)
		out[name+".state"] = c.state.load(name)
		out[name+".alarms"] = c.alarms.load(name)
		out[name+".clock_steps"] = c.clockSteps.load(name)
		out[name+".seq_num_errors"] = c.seqNumErrors.load(name)
		out[name+".bad_signal_errors"] = c.badSignalErrors.load(name)
		out[name+".outliers"] = c.outliers.load(name)
	}
	return out
}
