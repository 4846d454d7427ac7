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

// Package engine implements the central engine of spec.md §2/§4: it owns
// the Clock Feed singleton and the collection of Sync Module instances,
// wires the Clock Feed subscription and time-of-day chaining each
// instance needs, and drives the administrative message schedule
// (LOG_STATS, SAVE_STATE, STATS_END_PERIOD) plus source selection.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clocksync/tsyncd/clock"
	"github.com/clocksync/tsyncd/clockfeed"
	"github.com/clocksync/tsyncd/statsd"
	"github.com/clocksync/tsyncd/syncmodule/shm"
)

// Config governs the engine's own administrative schedule; per-instance
// configuration lives in shm.Config.
type Config struct {
	FeedTickInterval   time.Duration
	ModuleTickInterval time.Duration
	StatsInterval      time.Duration
	StatePath          string
	StatsPath          string
}

// Engine is the process-wide singleton that owns the Clock Feed and the
// Sync Module worker, and routes messages between them (spec.md §2, §5).
type Engine struct {
	feed   *clockfeed.Feed
	module *shm.Module

	cfg   Config
	stats *statsd.Collector

	mu   sync.Mutex
	subs map[string]*clockfeed.Subscription
}

// New builds an Engine around systemClock, the reference every Clock Feed
// comparison is made against (spec.md §4.1).
func New(systemClock clock.Clock, cfg Config) *Engine {
	if cfg.FeedTickInterval <= 0 {
		cfg.FeedTickInterval = time.Second
	}
	if cfg.ModuleTickInterval <= 0 {
		cfg.ModuleTickInterval = time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	return &Engine{
		feed:   clockfeed.NewFeed(systemClock, cfg.FeedTickInterval, 0),
		module: shm.NewModule(cfg.ModuleTickInterval, cfg.StatePath, cfg.StatsPath),
		cfg:    cfg,
		stats:  statsd.NewCollector(),
		subs:   make(map[string]*clockfeed.Subscription),
	}
}

// Stats returns the engine's Prometheus/statsd collector, updated once per
// cfg.StatsInterval tick for every registered instance.
func (e *Engine) Stats() *statsd.Collector { return e.stats }

// AddInstance builds and registers one Sync Module instance named name,
// wiring its local-to-system clock feed subscription and, if
// cfg.TimeOfDay is set, a chained time-of-day source reading another
// instance's status (spec.md §2 "also pulls time-of-day from another
// named sync module"). pollPeriodLog2 is the instance clock's requested
// Clock Feed sampling period.
func (e *Engine) AddInstance(name string, clk clock.Clock, pollPeriodLog2 uint8, eventSource shm.EventSource, cfg shm.Config) error {
	if err := e.feed.AddClock(clk, pollPeriodLog2); err != nil {
		return fmt.Errorf("engine: %s: %w", name, err)
	}
	sub, err := e.feed.Subscribe(clk)
	if err != nil {
		_ = e.feed.RemoveClock(clk)
		return fmt.Errorf("engine: %s: %w", name, err)
	}

	var tod shm.TimeOfDaySource
	if cfg.TimeOfDay != "" {
		tod = &chainedToD{module: e.module, source: cfg.TimeOfDay}
	}

	inst, err := shm.NewInstance(name, cfg, clk, eventSource, tod)
	if err != nil {
		_ = e.feed.Unsubscribe(sub)
		_ = e.feed.RemoveClock(clk)
		return fmt.Errorf("engine: %s: %w", name, err)
	}
	inst.SetLocalToSystem(e.localToSystem(sub))

	e.mu.Lock()
	e.subs[name] = sub
	e.mu.Unlock()

	e.module.AddInstance(name, inst)
	return nil
}

func (e *Engine) localToSystem(sub *clockfeed.Subscription) func() (float64, error) {
	return func() (float64, error) {
		diff, _, _, _, err := e.feed.Compare(sub, nil)
		if err != nil {
			return 0, err
		}
		return float64(diff.Nanoseconds()), nil
	}
}

// Run drives the Clock Feed worker, the Sync Module worker, its event
// feeders, and the engine's own administrative/selection schedule until
// ctx is canceled, joining any worker failure the same way
// ptp/sptp/client.SPTP.runInternal fans out one exchange per configured
// GM and joins the results.
func (e *Engine) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		e.feed.Run(gctx)
		return nil
	})
	eg.Go(func() error {
		e.module.Run(gctx)
		return nil
	})
	e.module.RunEventFeeders(gctx)

	eg.Go(func() error {
		e.houseKeep(gctx)
		return nil
	})

	return eg.Wait()
}

func (e *Engine) houseKeep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-e.module.Changes():
			if !ok {
				return
			}
			log.Infof("engine: %s state_changed: state=%s alarms=%#x synchronized=%t",
				change.Instance, change.Status.State, uint32(change.Status.Alarms), change.Status.Synchronized)
		case now := <-ticker.C:
			e.module.LogStats(now)
			e.module.SaveState()
			e.module.StatsEndPeriod(now)
			e.collectStats()
			e.selectSource()
		}
	}
}

// collectStats feeds every instance's latest Status and Counters into the
// engine's statsd.Collector, mirroring spec.md §3 "Stats" into Prometheus
// on the same cadence LogStats/SaveState/StatsEndPeriod already run on.
func (e *Engine) collectStats() {
	for _, name := range e.module.InstanceNames() {
		st, err := e.module.GetStatus(name)
		if err != nil {
			continue
		}
		counters, err := e.module.GetCounters(name)
		if err != nil {
			continue
		}
		e.stats.Observe(name, st, counters)
	}
}

// selectSource implements a minimal best-source policy over the
// SELECTED control flag: among instances that are SLAVE, alarm-free and
// synchronized, the lowest user_priority value wins (spec.md §6:
// "priority: integer selection priority, smaller = higher"). spec.md
// leaves the selection/clustering algorithm itself unspecified beyond
// the SELECTED flag and priority field it offers the engine; this is a
// deliberately simple, documented policy rather than a full BMCA-style
// algorithm, which is out of scope.
func (e *Engine) selectSource() {
	var bestName string
	bestPriority := 0
	haveBest := false

	for _, name := range e.module.InstanceNames() {
		st, err := e.module.GetStatus(name)
		if err != nil {
			continue
		}
		eligible := st.State == shm.Slave && st.Alarms == 0 && st.Synchronized
		if !eligible {
			continue
		}
		if !haveBest || st.UserPriority < bestPriority {
			bestName, bestPriority, haveBest = name, st.UserPriority, true
		}
	}

	for _, name := range e.module.InstanceNames() {
		want := name == bestName && haveBest
		flags := shm.ControlFlags(0)
		if want {
			flags = shm.FlagSelected
		}
		if err := e.module.Control(name, shm.FlagSelected, flags); err != nil {
			log.Warningf("engine: selecting %s failed: %v", name, err)
		}
	}
}

// GetStatus, Control, StepClock and WriteTopology pass engine-facing
// requests through to the owning Sync Module worker (spec.md §4.3
// "Public contract").
func (e *Engine) GetStatus(name string) (shm.Status, error) { return e.module.GetStatus(name) }

// GetCounters passes the engine-facing GET_COUNTERS request through to the
// owning Sync Module worker.
func (e *Engine) GetCounters(name string) (shm.Counters, error) { return e.module.GetCounters(name) }

func (e *Engine) Control(name string, mask, flags shm.ControlFlags) error {
	return e.module.Control(name, mask, flags)
}

func (e *Engine) StepClock(name string, offset time.Duration) error {
	return e.module.StepClock(name, offset)
}

func (e *Engine) WriteTopology(name string, w io.Writer) error {
	return e.module.WriteTopology(name, w)
}

// chainedToD adapts another instance's live status, read through the
// Sync Module worker's public GET_STATUS call, into a TimeOfDaySource
// (spec.md §2's named time-of-day chaining between instances).
type chainedToD struct {
	module *shm.Module
	source string
}

func (c *chainedToD) Status() (shm.ToDStatus, error) {
	st, err := c.module.GetStatus(c.source)
	if err != nil {
		return shm.ToDStatus{}, fmt.Errorf("engine: time-of-day source %q: %w", c.source, err)
	}
	state := shm.ToDOther
	if st.State == shm.Slave {
		state = shm.ToDSlave
	}
	return shm.ToDStatus{State: state, MasterToSystemNs: st.OffsetFromMasterNs}, nil
}

// NotifyStep is a no-op: the referenced instance's own status already
// reflects any step it performs on its next read, so there is nothing
// additional to propagate here.
func (c *chainedToD) NotifyStep() {}
