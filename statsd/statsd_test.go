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

package statsd

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/clocksync/tsyncd/syncmodule/shm"
)

func TestObserveUpdatesMapAndGauges(t *testing.T) {
	c := NewCollector()

	c.Observe("eth0", shm.Status{
		State:              shm.Slave,
		Alarms:             0,
		OffsetFromMasterNs: 1234.5,
		ClusteringScore:    0.75,
		Synchronized:       true,
	}, shm.Counters{
		ClockSteps:      2,
		SeqNumErrors:    1,
		BadSignalErrors: 0,
		Outliers:        3,
	})

	m := c.ToMap()
	require.Equal(t, 1234.5, m["eth0.offset_from_master_ns"])
	require.Equal(t, 0.75, m["eth0.clustering_score"])
	require.Equal(t, 1.0, m["eth0.synchronized"])
	require.Equal(t, float64(shm.Slave), m["eth0.state"])
	require.Equal(t, 2.0, m["eth0.clock_steps"])
	require.Equal(t, 3.0, m["eth0.outliers"])

	require.Equal(t, 1234.5, testutil.ToFloat64(c.offsetGauge.WithLabelValues("eth0")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.syncGauge.WithLabelValues("eth0")))
}

func TestTwoCollectorsDoNotCollide(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.Observe("eth0", shm.Status{}, shm.Counters{})
	b.Observe("eth1", shm.Status{}, shm.Counters{})

	require.Contains(t, a.ToMap(), "eth0.offset_from_master_ns")
	require.NotContains(t, a.ToMap(), "eth1.offset_from_master_ns")
}
