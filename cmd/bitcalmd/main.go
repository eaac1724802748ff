// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Command bitcalmd is the backup agent daemon: it loads the install
// config and persisted status, builds the action pool, and runs the
// worker under the crash-counting supervisor inside a suture.v4 tree
// (spec.md §1-§6; SPEC_FULL.md §2).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitcalm/agent/internal/agent"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/catalog"
	"github.com/bitcalm/agent/internal/config"
	"github.com/bitcalm/agent/internal/logging"
	"github.com/bitcalm/agent/internal/procfile"
	"github.com/bitcalm/agent/internal/status"
	"github.com/bitcalm/agent/internal/supervisor"
	"github.com/bitcalm/agent/internal/update"
)

func main() {
	runtime, err := config.LoadRuntime()
	if err != nil {
		logging.Fatal().Err(err).Msg("loading runtime config")
	}

	logging.Init(logging.Config{Level: runtime.LogLevel, Format: runtime.LogFormat})
	logger := logging.Logger()

	install, err := config.LoadInstallFromEnvOrDefault()
	if err != nil {
		logger.Fatal().Err(err).Msg("loading install config")
	}

	lock, err := procfile.Acquire(runtime.PIDPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("acquiring pid lock")
	}
	defer lock.Release()

	statusStore := status.NewStore(runtime.StatusPath)
	if _, err := statusStore.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Msg("loading status, starting fresh")
		}
		if err := statusStore.Save(status.New(install.UUID)); err != nil {
			logger.Fatal().Err(err).Msg("initializing status record")
		}
	}

	cat, err := catalog.Open(context.Background(), runtime.CatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening backup catalog")
	}
	defer cat.Close()

	// The controller's wire protocol carries a single per-install uuid in
	// both the "uuid" and "key" form fields (spec.md §3's Status.Key "is
	// the per-install UUID"); status.New seeds Status.Key from the same
	// install.UUID, so the two are always in lockstep.
	client := apiclient.New(apiclient.Config{
		Host:  install.Host,
		Port:  install.Port,
		HTTPS: install.HTTPS,
		UUID:  install.UUID,
		Key:   install.UUID,
	}, runtime.ChangesPollInterval, runtime.EmergencyPollInterval)

	logBuf := agent.NewLogBuffer()
	logger = logger.Hook(logBuf.Hook())

	updater, err := update.NewInstaller()
	if err != nil {
		logger.Warn().Err(err).Msg("self-update disabled: could not resolve own executable path")
	}

	a := &agent.Agent{
		Client:      client,
		StatusStore: statusStore,
		Catalog:     cat,
		Install:     install,
		Runtime:     runtime,
		Logger:      logger,
		Log:         logBuf,
		Updater:     updater,
		Restart:     make(chan struct{}, 1),
		Shutdown:    make(chan struct{}, 1),
	}

	if _, err := a.BuildPool(time.Now(), "/"); err != nil {
		logger.Fatal().Err(err).Msg("building action pool")
	}

	worker := supervisor.RecoveringService{Inner: &agent.Worker{Agent: a}}
	sup := &supervisor.Supervisor{
		Worker:    worker,
		Emergency: emergencyService{a},
		Config: supervisor.Config{
			FastCrashWindow:    runtime.FastCrashWindow,
			BackoffThreshold:   runtime.BackoffThreshold,
			BackoffSleep:       runtime.BackoffSleep,
			EmergencyThreshold: runtime.EmergencyThreshold,
		},
		Logger:  logger,
		OnCrash: func(err error) { writeCrashLog(runtime.CrashLogPath, err) },
	}

	slogLogger := logging.NewSlogLoggerWithLevel(runtime.LogLevel)
	tree, err := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("building supervisor tree")
	}
	tree.AddWorker(sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		case <-a.Shutdown:
			logger.Info().Msg("uninstall requested by controller")
		case <-a.Restart:
			logger.Info().Msg("restart requested after self-update")
		}
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("supervisor tree error")
		}
	}

	logger.Info().Msg("bitcalmd stopped")
}

// emergencyService adapts Agent.RunEmergency to supervisor.Service.
type emergencyService struct {
	a *agent.Agent
}

func (e emergencyService) Serve(ctx context.Context) error {
	return e.a.RunEmergency(ctx)
}

func writeCrashLog(path string, err error) {
	f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if ferr != nil {
		return
	}
	defer f.Close()
	f.WriteString(err.Error() + "\n")
}
