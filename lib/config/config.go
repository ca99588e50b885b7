// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the YAML configuration shared by the cumulus
// driver and worker commands.
package config

import (
	"fmt"
	"os"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/ghodss/yaml"
)

// Config is the root of the configuration file.
type Config struct {
	// Listen is the host:port the service binds.
	Listen    string `json:"listen"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Driver DriverConfig `json:"driver"`
	Worker WorkerConfig `json:"worker"`
}

// DriverConfig configures the driver service.
type DriverConfig struct {
	// DatabaseDSN is the PostgreSQL connection string for the
	// batch store.
	DatabaseDSN string `json:"database_dsn"`

	// URL is how worker instances reach this driver.
	URL string `json:"url"`
	// WorkerPort is the port worker agents listen on.
	WorkerPort int `json:"worker_port"`

	// Worker shape. All workers are one size; these must describe
	// the cloud instance type being booted.
	WorkerType   batch.WorkerType `json:"worker_type"`
	WorkerCores  int64            `json:"worker_cores"`
	WorkerDiskGB int64            `json:"worker_disk_gb"`

	// PoolSize is the target number of worker instances;
	// MaxInstances is the hard cap. Both are adjustable at
	// runtime through the pool config endpoint.
	PoolSize     int `json:"pool_size"`
	MaxInstances int `json:"max_instances"`

	ScheduleInterval  batch.Duration `json:"schedule_interval"`
	HealthcheckPeriod batch.Duration `json:"healthcheck_period"`
	// InstanceTimeout is how long an instance may miss health
	// checks, or linger unactivated, before it is garbage
	// collected.
	InstanceTimeout batch.Duration `json:"instance_timeout"`

	Cloud    CloudConfig    `json:"cloud"`
	LogStore LogStoreConfig `json:"log_store"`

	// ServiceAccountKeyFile holds the storage credential handed
	// to workers at activation.
	ServiceAccountKeyFile string `json:"service_account_key_file"`
}

// CloudConfig selects and configures the VM provider.
type CloudConfig struct {
	// Provider is "ec2" or "stub".
	Provider string `json:"provider"`

	Region           string `json:"region"`
	ImageID          string `json:"image_id"`
	SubnetID         string `json:"subnet_id"`
	SecurityGroupID  string `json:"security_group_id"`
	InstanceProfile  string `json:"instance_profile"`
	InstanceTypeName string `json:"instance_type_name"`
	NamePrefix       string `json:"name_prefix"`
}

// LogStoreConfig selects where container logs and status blobs are
// written.
type LogStoreConfig struct {
	// Driver is "s3" or "local".
	Driver string `json:"driver"`
	// Path is the root directory for the local driver.
	Path string `json:"path"`
	// Bucket/Prefix/Region configure the s3 driver.
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	Region string `json:"region"`
}

// WorkerConfig configures the worker agent. Most fields are normally
// supplied through instance metadata/environment rather than the
// file; file values act as defaults.
type WorkerConfig struct {
	DriverURL       string           `json:"driver_url"`
	Name            string           `json:"name"`
	IPAddress       string           `json:"ip_address"`
	ActivationToken string           `json:"activation_token"`
	Cores           int64            `json:"cores"`
	WorkerType      batch.WorkerType `json:"worker_type"`
	// Scratch is the root of per-job scratch directories.
	Scratch string `json:"scratch"`
	// MaxIdleTime is how long the agent stays up with no jobs
	// before deactivating itself.
	MaxIdleTime batch.Duration `json:"max_idle_time"`

	LogStore LogStoreConfig `json:"log_store"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    ":5000",
		LogLevel:  "info",
		LogFormat: "json",
		Driver: DriverConfig{
			URL:               "http://localhost:5000",
			WorkerPort:        5000,
			WorkerType:        batch.WorkerTypeStandard,
			WorkerCores:       16,
			WorkerDiskGB:      100,
			PoolSize:          2,
			MaxInstances:      10,
			ScheduleInterval:  batch.Duration(15e9),
			HealthcheckPeriod: batch.Duration(60e9),
			InstanceTimeout:   batch.Duration(300e9),
			Cloud:             CloudConfig{Provider: "stub", NamePrefix: "cumulus-worker-"},
			LogStore:          LogStoreConfig{Driver: "local", Path: "/var/lib/cumulus/logs"},
		},
		Worker: WorkerConfig{
			Cores:       1,
			WorkerType:  batch.WorkerTypeStandard,
			Scratch:     "/var/lib/cumulus/scratch",
			MaxIdleTime: batch.Duration(300e9),
			LogStore:    LogStoreConfig{Driver: "local", Path: "/var/lib/cumulus/logs"},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("loading config %s: %s", path, err)
	}
	if !cfg.Worker.WorkerType.Valid() {
		return nil, fmt.Errorf("loading config %s: unknown worker type %q", path, cfg.Worker.WorkerType)
	}
	if !cfg.Driver.WorkerType.Valid() {
		return nil, fmt.Errorf("loading config %s: unknown worker type %q", path, cfg.Driver.WorkerType)
	}
	return cfg, nil
}
