// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudvm

import (
	"context"
	"fmt"
	"sync"
)

// StubProvider is an in-memory Provider for tests and local
// development. Created VMs exist only as records; tests can inspect
// and manipulate them, and can inject errors.
type StubProvider struct {
	mtx     sync.Mutex
	vms     map[string]VM
	serial  int
	created []BootSpec

	// CreateErr, if non-nil, is returned by the next Create call.
	CreateErr error
	// OnCreate, if non-nil, is called with each BootSpec (e.g. to
	// start an in-process worker agent in tests).
	OnCreate func(BootSpec)
}

// NewStubProvider returns an empty StubProvider.
func NewStubProvider() *StubProvider {
	return &StubProvider{vms: map[string]VM{}}
}

// Create implements Provider.
func (sp *StubProvider) Create(ctx context.Context, spec BootSpec) (VM, error) {
	sp.mtx.Lock()
	if err := sp.CreateErr; err != nil {
		sp.CreateErr = nil
		sp.mtx.Unlock()
		return VM{}, err
	}
	sp.serial++
	vm := VM{
		Name:       spec.Name,
		ProviderID: fmt.Sprintf("stub-%04d", sp.serial),
		IPAddress:  fmt.Sprintf("10.0.0.%d", sp.serial%250+1),
	}
	sp.vms[spec.Name] = vm
	sp.created = append(sp.created, spec)
	onCreate := sp.OnCreate
	sp.mtx.Unlock()
	if onCreate != nil {
		onCreate(spec)
	}
	return vm, nil
}

// Destroy implements Provider.
func (sp *StubProvider) Destroy(ctx context.Context, name string) error {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	delete(sp.vms, name)
	return nil
}

// Instances implements Provider.
func (sp *StubProvider) Instances(ctx context.Context) ([]VM, error) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	var out []VM
	for _, vm := range sp.vms {
		out = append(out, vm)
	}
	return out, nil
}

// Created returns the boot specs of all Create calls so far.
func (sp *StubProvider) Created() []BootSpec {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	return append([]BootSpec(nil), sp.created...)
}

// Exists reports whether the named VM has been created and not
// destroyed.
func (sp *StubProvider) Exists(name string) bool {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	_, ok := sp.vms[name]
	return ok
}

// StubQuotaError is a QuotaError for tests.
type StubQuotaError struct{ Err error }

// Error implements error.
func (e StubQuotaError) Error() string { return e.Err.Error() }

// IsQuotaError implements QuotaError.
func (StubQuotaError) IsQuotaError() bool { return true }
