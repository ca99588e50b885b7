// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command cumulus-driver runs the batch driver service: the batch
// management API, the worker instance pool, and the scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/cloudvm"
	"github.com/cumulus-compute/cumulus/lib/config"
	"github.com/cumulus-compute/cumulus/lib/ctxlog"
	"github.com/cumulus-compute/cumulus/lib/driver"
	"github.com/cumulus-compute/cumulus/lib/driver/instancepool"
	"github.com/cumulus-compute/cumulus/lib/driver/scheduler"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
	"github.com/cumulus-compute/cumulus/lib/httpserver"
	"github.com/cumulus-compute/cumulus/lib/logstore"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(args[0], flag.ExitOnError)
	configPath := flags.String("config", "/etc/cumulus/config.yml", "configuration `file` path (\"\" for defaults)")
	getVersion := flags.Bool("version", false, "print version and exit")
	flags.Parse(args[1:])
	if *getVersion {
		fmt.Fprintf(stdout, "%s %s\n", args[0], version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDriver(ctx, logger, cfg); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

func runDriver(ctx context.Context, logger logrus.FieldLogger, cfg *config.Config) error {
	var st store.Store
	if dsn := cfg.Driver.DatabaseDSN; dsn != "" {
		var err error
		st, err = store.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no database_dsn configured, using in-memory store; state will not survive a restart")
		st = store.NewMem(batch.Globals{
			InstanceID:    store.NewToken(8),
			InternalToken: store.NewToken(32),
			WorkerType:    cfg.Driver.WorkerType,
			WorkerCores:   cfg.Driver.WorkerCores,
			WorkerDiskGB:  cfg.Driver.WorkerDiskGB,
		})
	}
	globals, err := store.InitGlobals(ctx, st, cfg.Driver.WorkerType, cfg.Driver.WorkerCores, cfg.Driver.WorkerDiskGB)
	if err != nil {
		return err
	}
	logger = logger.WithField("InstanceID", globals.InstanceID)

	var provider cloudvm.Provider
	switch cfg.Driver.Cloud.Provider {
	case "ec2":
		provider, err = cloudvm.NewEC2Provider(ctx, cloudvm.EC2Config{
			Region:           cfg.Driver.Cloud.Region,
			ImageID:          cfg.Driver.Cloud.ImageID,
			SubnetID:         cfg.Driver.Cloud.SubnetID,
			SecurityGroupID:  cfg.Driver.Cloud.SecurityGroupID,
			InstanceProfile:  cfg.Driver.Cloud.InstanceProfile,
			InstanceTypeName: cfg.Driver.Cloud.InstanceTypeName,
			DriverID:         globals.InstanceID,
		}, logger)
		if err != nil {
			return err
		}
	case "stub", "":
		provider = cloudvm.NewStubProvider()
	default:
		return fmt.Errorf("unknown cloud provider %q", cfg.Driver.Cloud.Provider)
	}

	logStore, err := logstore.New(cfg.Driver.LogStore)
	if err != nil {
		return err
	}

	gsaKey := map[string]string{}
	if path := cfg.Driver.ServiceAccountKeyFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading service account key: %s", err)
		}
		gsaKey["credentials"] = string(data)
	}

	reg := prometheus.NewRegistry()
	pool := instancepool.New(logger, st, provider, *globals, instancepool.Options{
		TargetSize:      cfg.Driver.PoolSize,
		MaxInstances:    cfg.Driver.MaxInstances,
		NamePrefix:      cfg.Driver.Cloud.NamePrefix,
		DriverURL:       cfg.Driver.URL,
		SyncInterval:    cfg.Driver.HealthcheckPeriod.Duration(),
		InstanceTimeout: cfg.Driver.InstanceTimeout.Duration(),
	}, reg)
	sch := scheduler.New(logger, st, pool, scheduler.Options{
		Interval:   cfg.Driver.ScheduleInterval.Duration(),
		WorkerPort: cfg.Driver.WorkerPort,
		GSAKey:     gsaKey,
	}, reg)
	svc := driver.New(logger, *globals, st, pool, sch, logStore, gsaKey, reg)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv := &httpserver.Server{Addr: cfg.Listen}
	srv.Handler = svc
	if err := srv.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"version": version,
	}).Info("listening")
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv.Wait()
}
