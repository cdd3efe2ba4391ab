// Copyright (C) 2026 dirsrvd contributors
// This file is part of dirsrvd
//
// dirsrvd is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// dirsrvd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with dirsrvd.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dirsrvd/dirsrvd/config"
	"github.com/dirsrvd/dirsrvd/dirstore"
	"github.com/dirsrvd/dirsrvd/logging"
	"github.com/dirsrvd/dirsrvd/replication"
)

var dataDir string
var metricsAddr string
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "repld",
	Short: "Replication agreement daemon",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "repld: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&dataDir, "datadir", "d", ".", "Data directory holding config.json and the entry database")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Listen address for prometheus metrics (disabled when empty)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func run() error {
	cfg, err := config.LoadConfigFromDisk(dataDir)
	if err != nil {
		return fmt.Errorf("cannot load config from %s: %w", dataDir, err)
	}

	log := logging.Base()
	if verbose {
		log.SetLevel(logging.Debug)
	} else {
		log.SetLevel(logging.Level(cfg.BaseLoggerDebugLevel))
	}

	localHost := cfg.Hostname
	if localHost == "" {
		localHost, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("cannot determine local hostname: %w", err)
		}
	}

	store, err := dirstore.MakeStore(filepath.Join(dataDir, cfg.DirectoryPath), false, log)
	if err != nil {
		return fmt.Errorf("cannot open entry database: %w", err)
	}
	defer store.Close()

	env := replication.Env{
		Dir:       store,
		Protocols: makeLogProtocol(log),
		Schedules: makeAlwaysOpenSchedule,
		Local:     cfg,
		LocalHost: localHost,
		Log:       log,
	}

	registry := replication.NewRegistry(log)
	if err := loadAgreements(store, env, registry); err != nil {
		return err
	}
	log.Infof("loaded %d replication agreements", registry.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		registry.StartAll()
		<-ctx.Done()
		registry.StopAll()
		return nil
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		group.Go(func() error {
			log.Infof("serving metrics on %s", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	log.Infof("repld started (host %s, port %d)", localHost, cfg.Port)
	return group.Wait()
}

// loadAgreements builds one agreement per agreement entry in the store.
// A malformed entry is logged and skipped; the daemon comes up with
// whatever subset parsed.
func loadAgreements(store *dirstore.Store, env replication.Env, registry *replication.Registry) error {
	for _, class := range []string{replication.ObjectClassAgreement, replication.ObjectClassWindowsAgreement} {
		entries, err := store.EntriesWithObjectClass(class)
		if err != nil {
			return fmt.Errorf("cannot enumerate %s entries: %w", class, err)
		}
		for _, e := range entries {
			if registry.Get(e.DN) != nil {
				continue
			}
			a, err := replication.NewFromEntry(e, env)
			if err != nil {
				env.Log.Errorf("skipping agreement %s: %v", e.DN, err)
				continue
			}
			if err := registry.Add(a); err != nil {
				env.Log.Errorf("skipping agreement %s: %v", e.DN, err)
			}
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
