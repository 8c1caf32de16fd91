// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package run implements the daemon loop: configuration, the device, the
// localhost telemetry endpoint and signal-driven shutdown.
package run

import (
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pylonhq/pylon-agent/cmd/pylon-agent/command"
	"github.com/pylonhq/pylon-agent/pkg/agent"
	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/config"
	"github.com/pylonhq/pylon-agent/pkg/util/log"
	"github.com/pylonhq/pylon-agent/pkg/version"
)

// Commands returns the run subcommand.
func Commands(globalParams *command.GlobalParams) []*cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Pylon Agent",
		Long:  `Runs the agent in the foreground until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(globalParams)
		},
	}
	return []*cobra.Command{runCmd}
}

func run(globalParams *command.GlobalParams) error {
	if err := config.Load(globalParams.ConfFilePath); err != nil {
		return err
	}
	cfg := config.Pylon

	if err := setupLogging(cfg); err != nil {
		return err
	}
	defer log.Flush()

	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return err
	}

	device, err := agent.New(opts)
	if err != nil {
		return fmt.Errorf("cannot start the device: %w", err)
	}
	log.Infof("Pylon Agent %s started, device %q on %s",
		version.AgentVersion, device.DeviceID(), device.Environment())

	srv, err := serveTelemetry(cfg, device)
	if err != nil {
		_ = device.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("received %s, shutting down", sig)

	if srv != nil {
		_ = srv.Close()
	}
	return device.Close()
}

func setupLogging(cfg *viper.Viper) error {
	l, err := log.BuildLogger(cfg.GetString("log_level"), cfg.GetString("log_file"))
	if err != nil {
		return err
	}
	log.SetupLogger(l, cfg.GetString("log_level"))
	return nil
}

// optionsFromConfig maps the daemon's configuration keys onto the library
// options. The daemon has no field bus of its own, so pathpoint I/O is backed
// by the loopback handler; fleets with real I/O embed pkg/agent directly.
func optionsFromConfig(cfg *viper.Viper) (agent.Options, error) {
	if cfg.GetString("cert_file") == "" || cfg.GetString("key_file") == "" {
		return agent.Options{}, errors.New("cert_file and key_file are required (flag, pylon-agent.yaml or PYLON_CERT_FILE/PYLON_KEY_FILE)")
	}

	opts := agent.Options{
		Cert:    certs.FromFile(cfg.GetString("cert_file")),
		Key:     certs.FromFile(cfg.GetString("key_file")),
		DataDir: cfg.GetString("data_dir"),

		UseUplink: cfg.GetBool("use_uplink"),

		DisableOrders:       cfg.GetBool("disable_orders"),
		DisablePathpoints:   cfg.GetBool("disable_pathpoints"),
		DisableBAOBs:        cfg.GetBool("disable_baobs"),
		DisableMacros:       cfg.GetBool("disable_macros"),
		DisablePredicates:   cfg.GetBool("disable_predicates"),
		DisableArchives:     cfg.GetBool("disable_archives"),
		DisableSensorWrites: cfg.GetBool("disable_sensor_writes"),

		MetadataCacheTTL: cfg.GetDuration("metadata_cache_ttl"),

		SyncInterval:    cfg.GetDuration("communicator.interval"),
		SensorsEvery:    cfg.GetDuration("communicator.sensors_every"),
		PredicatesEvery: cfg.GetDuration("communicator.predicates_every"),
		BlobsEvery:      cfg.GetDuration("communicator.blobs_every"),

		ArchiverInterval: cfg.GetDuration("archiver.interval"),
		MacrosEvery:      cfg.GetDuration("archiver.macros_every"),
		ArchivesEvery:    cfg.GetDuration("archiver.archives_every"),

		LogBatchDelay:    cfg.GetDuration("logs.batch_delay"),
		LogMaxBatch:      cfg.GetInt("logs.max_batch"),
		LogMaxBatchBytes: cfg.GetInt("logs.max_batch_bytes"),
		LogMaxBuffer:     cfg.GetInt("logs.max_buffer"),

		MemoryCheckEvery:      cfg.GetDuration("memory.check_every"),
		MemoryElevatedPercent: cfg.GetFloat64("memory.elevated_percent"),
		MemoryCriticalPercent: cfg.GetFloat64("memory.critical_percent"),

		EventRetention: cfg.GetDuration("events.retention"),

		Handler: newLoopbackHandler(),
	}

	if bundle := cfg.GetString("ca_bundle"); bundle != "" {
		pem, err := os.ReadFile(bundle)
		if err != nil {
			return agent.Options{}, fmt.Errorf("cannot read ca_bundle: %w", err)
		}
		opts.CAs = [][]byte{pem}
	}
	return opts, nil
}

// serveTelemetry exposes /health, /version and /debug/vars on the loopback
// interface.
func serveTelemetry(cfg *viper.Viper, device *agent.Device) (*http.Server, error) {
	addr := net.JoinHostPort(cfg.GetString("telemetry_host"), cfg.GetString("telemetry_port"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", addr, err)
	}

	json := jsoniter.ConfigCompatibleWithStandardLibrary

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := "waiting for first sync"
		if device.Ready() {
			status = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": status,
			"device": device.DeviceID(),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version.AgentVersion,
			"commit":  version.Commit,
		})
	}).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("telemetry endpoint failed: %v", err)
		}
	}()
	log.Infof("telemetry endpoint listening on %s", addr)
	return srv, nil
}
