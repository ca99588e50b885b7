// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command cumulus-worker runs the worker agent on an ephemeral VM. The
// per-instance identity (name, activation token, driver URL) normally
// arrives through the environment written by the VM boot script;
// values from the config file act as defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/config"
	"github.com/cumulus-compute/cumulus/lib/ctxlog"
	"github.com/cumulus-compute/cumulus/lib/httpserver"
	"github.com/cumulus-compute/cumulus/lib/logstore"
	"github.com/cumulus-compute/cumulus/lib/worker"
	"github.com/cumulus-compute/cumulus/lib/worker/runner"
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
	applyEnv(&cfg.Worker)
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel).WithField("Worker", cfg.Worker.Name)
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runWorker(ctx, logger, cfg); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

// applyEnv overlays the per-instance identity delivered through the VM
// boot environment.
func applyEnv(cfg *config.WorkerConfig) {
	if v := os.Getenv("CUMULUS_WORKER_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("CUMULUS_ACTIVATION_TOKEN"); v != "" {
		cfg.ActivationToken = v
	}
	if v := os.Getenv("CUMULUS_DRIVER_URL"); v != "" {
		cfg.DriverURL = v
	}
	if v := os.Getenv("CUMULUS_WORKER_CORES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Cores = n
		}
	}
	if v := os.Getenv("CUMULUS_WORKER_TYPE"); v != "" {
		cfg.WorkerType = batch.WorkerType(v)
	}
}

func runWorker(ctx context.Context, logger logrus.FieldLogger, cfg *config.Config) error {
	wcfg := cfg.Worker
	if wcfg.Name == "" || wcfg.ActivationToken == "" || wcfg.DriverURL == "" {
		return fmt.Errorf("worker name, activation token, and driver URL are all required")
	}
	if !wcfg.WorkerType.Valid() {
		return fmt.Errorf("unknown worker type %q", wcfg.WorkerType)
	}
	if wcfg.IPAddress == "" {
		ip, err := localIP(wcfg.DriverURL)
		if err != nil {
			return fmt.Errorf("detecting local IP address: %s", err)
		}
		wcfg.IPAddress = ip
	}

	exec, err := runner.NewDockerExecutor()
	if err != nil {
		return err
	}
	logStore, err := logstore.New(wcfg.LogStore)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(wcfg.Scratch, 0o755); err != nil {
		return err
	}

	ag := worker.New(logger, wcfg, exec, logStore)
	srv := &httpserver.Server{Addr: cfg.Listen}
	srv.Handler = ag
	if err := srv.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"version": version,
	}).Info("listening")

	// Run returns when the agent has been idle past MaxIdleTime or
	// ctx is cancelled; either way the VM is done.
	err = ag.Run(ctx)
	srv.Close()
	return err
}

// localIP returns the local address used to reach the driver.
func localIP(driverURL string) (string, error) {
	u, err := url.Parse(driverURL)
	if err != nil {
		return "", err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(host, "80")
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}
