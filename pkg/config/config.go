// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package config holds the daemon's configuration: built-in defaults for
// every knob, overlaid by an optional YAML file, overlaid by PYLON_-prefixed
// environment variables. The library surface stays plain structs; only
// cmd/pylon-agent reads from here.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pylon is the daemon's global configuration.
var Pylon *viper.Viper

func init() {
	Pylon = New()
}

// New builds a fresh configuration instance carrying the full default set
// and the environment wiring, but no file.
func New() *viper.Viper {
	c := viper.New()
	c.SetConfigName("pylon-agent")
	c.SetConfigType("yaml")
	c.SetEnvPrefix("PYLON")
	c.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.AutomaticEnv()
	setDefaults(c)
	return c
}

func setDefaults(c *viper.Viper) {
	// Credentials and storage.
	c.SetDefault("cert_file", "")
	c.SetDefault("key_file", "")
	c.SetDefault("ca_bundle", "")
	c.SetDefault("data_dir", "")

	// Transport.
	c.SetDefault("use_uplink", true)

	// Feature switches.
	c.SetDefault("disable_orders", false)
	c.SetDefault("disable_pathpoints", false)
	c.SetDefault("disable_baobs", false)
	c.SetDefault("disable_macros", false)
	c.SetDefault("disable_predicates", false)
	c.SetDefault("disable_archives", false)
	c.SetDefault("disable_sensor_writes", false)

	// Process logging and the local telemetry endpoint.
	c.SetDefault("log_level", "info")
	c.SetDefault("log_file", "")
	c.SetDefault("telemetry_host", "127.0.0.1")
	c.SetDefault("telemetry_port", 5112)

	c.SetDefault("metadata_cache_ttl", 60*time.Second)

	// Reconciliation cadences.
	c.SetDefault("communicator.interval", time.Minute)
	c.SetDefault("communicator.sensors_every", 5*time.Minute)
	c.SetDefault("communicator.predicates_every", 5*time.Minute)
	c.SetDefault("communicator.blobs_every", time.Hour)

	// Standing schedules.
	c.SetDefault("archiver.interval", time.Minute)
	c.SetDefault("archiver.macros_every", 30*time.Minute)
	c.SetDefault("archiver.archives_every", 10*time.Minute)

	// Device log shipping.
	c.SetDefault("logs.batch_delay", time.Second)
	c.SetDefault("logs.max_batch", 50)
	c.SetDefault("logs.max_batch_bytes", 256<<10)
	c.SetDefault("logs.max_buffer", 20000)

	// Memory watchdog.
	c.SetDefault("memory.check_every", 10*time.Second)
	c.SetDefault("memory.elevated_percent", 80.0)
	c.SetDefault("memory.critical_percent", 90.0)

	// Alert event retention.
	c.SetDefault("events.retention", 30*24*time.Hour)
}

// Load reads the configuration file into Pylon. An explicitly named file
// must exist; with no name, running without pylon-agent.yaml is fine.
func Load(file string) error {
	return LoadInto(Pylon, file)
}

// LoadInto reads the configuration file into c.
func LoadInto(c *viper.Viper, file string) error {
	if file != "" {
		c.SetConfigFile(file)
	} else {
		c.AddConfigPath(".")
		c.AddConfigPath("/etc/pylon-agent")
	}
	if err := c.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("cannot read configuration: %w", err)
	}
	return nil
}
