// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudvm abstracts the cloud provider used to create and
// destroy ephemeral worker VMs.
package cloudvm

import (
	"context"
	"time"
)

// A RateLimitError should be returned by a Provider when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Provider when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// BootSpec is everything a new worker VM needs to start up and
// register with the driver. It is delivered through the provider's
// instance-metadata mechanism.
type BootSpec struct {
	// Name is the driver-chosen instance name; it doubles as the
	// provider-visible name tag.
	Name string
	// ActivationToken is the single-use credential the worker
	// presents to the activation endpoint.
	ActivationToken string
	DriverURL       string
	Cores           int64
	WorkerType      string
	DiskGB          int64
}

// VM describes one provider instance.
type VM struct {
	Name       string
	ProviderID string
	IPAddress  string
}

// A Provider creates and destroys worker VMs. All methods are
// goroutine safe. Create is asynchronous on the provider side: the
// returned VM may not have an IP address until the worker activates.
type Provider interface {
	Create(ctx context.Context, spec BootSpec) (VM, error)
	// Destroy by instance name. Destroying an unknown name is not
	// an error.
	Destroy(ctx context.Context, name string) error
	// Instances returns all VMs created by this provider,
	// including ones that are booting or shutting down.
	Instances(ctx context.Context) ([]VM, error)
}
