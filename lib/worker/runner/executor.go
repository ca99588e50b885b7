// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package runner executes jobs on a worker: it drives each job's
// input/main/output containers through the docker engine, tracking
// per-step timings and states, and uploads logs and status when the
// job finishes.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/cumulus-compute/cumulus/lib/batch"
)

// ContainerSpec is what the runner needs to create one container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string
	CPUMilli    int64
	MemoryBytes int64
	// Binds are host:container mount specs.
	Binds []string
	// MountDockerSocket exposes /var/run/docker.sock to the
	// container (trusted images only).
	MountDockerSocket bool
}

// An Executor runs containers. The docker engine implementation is
// the only production one; tests substitute their own.
type Executor interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
	ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	// ContainerWait blocks until the container stops, returning its
	// exit code.
	ContainerWait(ctx context.Context, id string) (int64, error)
	ContainerInspect(ctx context.Context, id string) (*batch.RuntimeStatus, error)
	ContainerLogs(ctx context.Context, id string) ([]byte, error)
	ContainerRemove(ctx context.Context, id string) error
}

type dockerExecutor struct {
	cli *client.Client
}

// NewDockerExecutor returns an Executor backed by the local docker
// engine.
func NewDockerExecutor() (Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %s", err)
	}
	return &dockerExecutor{cli: cli}, nil
}

func (de *dockerExecutor) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := de.cli.ImageInspectWithRaw(ctx, ref)
	if errdefs.IsNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (de *dockerExecutor) ImagePull(ctx context.Context, ref string) error {
	rc, err := de.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull is not done until the progress stream ends.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (de *dockerExecutor) ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error) {
	binds := append([]string(nil), spec.Binds...)
	if spec.MountDockerSocket {
		binds = append(binds, "/var/run/docker.sock:/var/run/docker.sock")
	}
	resp, err := de.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   spec.Env,
	}, &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: spec.CPUMilli * 1e6,
			Memory:   spec.MemoryBytes,
		},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (de *dockerExecutor) ContainerStart(ctx context.Context, id string) error {
	return de.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (de *dockerExecutor) ContainerWait(ctx context.Context, id string) (int64, error) {
	waitCh, errCh := de.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return 0, fmt.Errorf("waiting for container: %s", result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return 0, err
	}
}

func (de *dockerExecutor) ContainerInspect(ctx context.Context, id string) (*batch.RuntimeStatus, error) {
	info, err := de.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	rs := &batch.RuntimeStatus{State: info.State.Status}
	rs.StartedAt = info.State.StartedAt
	rs.FinishedAt = info.State.FinishedAt
	rs.OutOfMemory = info.State.OOMKilled
	if info.State.Error != "" {
		rs.Error = info.State.Error
	} else {
		code := int64(info.State.ExitCode)
		rs.ExitCode = &code
	}
	return rs, nil
}

func (de *dockerExecutor) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	rc, err := de.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	// Demultiplex the engine's stream framing; stdout and stderr
	// are interleaved into one log.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Containers are removed with their anonymous volumes so job scratch
// data does not linger on the worker until VM teardown.
var removeOptions = container.RemoveOptions{Force: true, RemoveVolumes: true}

func (de *dockerExecutor) ContainerRemove(ctx context.Context, id string) error {
	err := de.cli.ContainerRemove(ctx, id, removeOptions)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
