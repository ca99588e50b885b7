// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package logstore stores container logs and status blobs for
// finished jobs, keyed by batch, job, and container name.
package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cumulus-compute/cumulus/lib/config"
)

// A Store persists per-container log text and status blobs. Logs for
// running containers are served live by the worker; the store is the
// system of record once the container is gone.
type Store interface {
	WriteLogFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error
	WriteStatusFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error
	ReadLogFile(ctx context.Context, batchID, jobID int64, container string) ([]byte, error)
}

// New returns a Store for the given configuration.
func New(cfg config.LogStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "local", "":
		return &localStore{root: cfg.Path}, nil
	case "s3":
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown log store driver %q", cfg.Driver)
	}
}

func logPath(batchID, jobID int64, container string) string {
	return fmt.Sprintf("batch/%d/%d/%s/log", batchID, jobID, container)
}

func statusPath(batchID, jobID int64, container string) string {
	return fmt.Sprintf("batch/%d/%d/%s/status", batchID, jobID, container)
}

type localStore struct {
	root string
}

func (ls *localStore) write(relpath string, data []byte) error {
	abspath := filepath.Join(ls.root, relpath)
	if err := os.MkdirAll(filepath.Dir(abspath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abspath, data, 0o644)
}

func (ls *localStore) WriteLogFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error {
	return ls.write(logPath(batchID, jobID, container), data)
}

func (ls *localStore) WriteStatusFile(ctx context.Context, batchID, jobID int64, container string, data []byte) error {
	return ls.write(statusPath(batchID, jobID, container), data)
}

func (ls *localStore) ReadLogFile(ctx context.Context, batchID, jobID int64, container string) ([]byte, error) {
	return os.ReadFile(filepath.Join(ls.root, logPath(batchID, jobID, container)))
}
