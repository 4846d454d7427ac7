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

// Command tsyncd runs the clock synchronization daemon: it loads a
// config/ file, builds one Sync Module instance per [shm "name"]
// section, and drives them through engine.Engine until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clocksync/tsyncd/clock"
	tsyncconfig "github.com/clocksync/tsyncd/config"
	"github.com/clocksync/tsyncd/engine"
	"github.com/clocksync/tsyncd/syncmodule/shm"
)

func main() {
	var (
		configPath string
		listenAddr string
		statePath  string
		statsPath  string
	)

	root := &cobra.Command{
		Use:   "tsyncd",
		Short: "Precision time-synchronization daemon",
		Long: `tsyncd disciplines one or more local clocks against external time
sources described in a config file, exposing their status over Prometheus
and a persisted state/stats log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, listenAddr, statePath, statsPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "/etc/tsyncd/tsyncd.ini", "path to the ini configuration file")
	root.Flags().StringVar(&listenAddr, "listen", ":9402", "address to serve /metrics on")
	root.Flags().StringVar(&statePath, "state-path", "", "path for persisted instance state (empty disables)")
	root.Flags().StringVar(&statsPath, "stats-path", "", "path for appended per-period stats (empty disables)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, configPath, listenAddr, statePath, statsPath string) error {
	file, err := tsyncconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("tsyncd: %w", err)
	}
	if len(file.SHM) == 0 {
		return fmt.Errorf("tsyncd: %s declares no [shm \"...\"] instances", configPath)
	}

	eng := engine.New(clock.NewSystemClock(), engine.Config{
		StatePath: statePath,
		StatsPath: statsPath,
	})

	for name, cfg := range file.SHM {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("tsyncd: instance %s: %w", name, err)
		}

		clk, err := clock.NewPHCClock(cfg.Interface, os.TempDir())
		if err != nil {
			return fmt.Errorf("tsyncd: instance %s: opening PHC for %s: %w", name, cfg.Interface, err)
		}

		// The hardware PPS/extts pulse reader itself is a kernel/driver
		// concern left to an external collaborator (spec.md's explicit
		// scope boundary); synthPulse below stands in as the EventSource
		// until a real one is wired, ticking at 1 Hz off the instance's
		// own clock the way an armed PHC event source would.
		src := newSynthPulse(clk)

		if err := eng.AddInstance(name, clk, 0, src, cfg); err != nil {
			return fmt.Errorf("tsyncd: instance %s: %w", name, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(eng.Stats().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("tsyncd: metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("tsyncd: sd_notify failed: %v", err)
	} else if ok {
		log.Info("tsyncd: sent sd_notify ready")
	}

	err = eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return err
}

// synthPulse is a placeholder shm.EventSource ticking once per second off
// clk's own Now(), used until a real hardware pulse reader is wired in.
type synthPulse struct {
	clk clock.Clock
	seq uint32
}

func newSynthPulse(clk clock.Clock) *synthPulse { return &synthPulse{clk: clk} }

func (s *synthPulse) Next(done <-chan struct{}) (shm.Event, error) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-done:
		return shm.Event{}, shm.ErrEventSourceClosed
	case <-t.C:
	}
	now, err := s.clk.Now()
	if err != nil {
		return shm.Event{}, err
	}
	s.seq++
	return shm.Event{SeqNum: s.seq, Timestamp: now}, nil
}
