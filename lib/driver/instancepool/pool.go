// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package instancepool maintains the fleet of worker VMs: it creates
// instances to hold the pool at its target size, handles the
// activation handshake, garbage-collects instances that miss health
// checks or never activate, and tracks per-instance free capacity for
// the scheduler.
package instancepool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/cloudvm"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
)

const quotaErrorTTL = time.Minute

// Options configures a Pool.
type Options struct {
	// TargetSize is the number of live (pending or active)
	// instances the pool tries to maintain; MaxInstances is the
	// hard cap.
	TargetSize   int
	MaxInstances int
	// NamePrefix is prepended to generated instance names.
	NamePrefix string
	// DriverURL is handed to booting workers so they can call back.
	DriverURL string
	// SyncInterval is how often the pool reconciles with the cloud
	// provider and checks instance health.
	SyncInterval time.Duration
	// InstanceTimeout is how long an instance may go unactivated,
	// or miss health checks, before it is garbage collected.
	InstanceTimeout time.Duration
}

// A Pool tracks worker instances. The persisted instance records live
// in the store; the pool keeps an in-memory mirror that additionally
// carries each instance's free capacity, which only the scheduling
// loop mutates.
type Pool struct {
	logger   logrus.FieldLogger
	store    store.Store
	provider cloudvm.Provider
	globals  batch.Globals
	options  Options

	mtx          sync.Mutex
	instances    map[string]*poolInstance
	targetSize   int
	maxInstances int
	atQuotaUntil time.Time
	subscribers  map[<-chan struct{}]chan<- struct{}
	wake         chan struct{}

	mInstances     *prometheus.GaugeVec
	mFreeCoresMCPU prometheus.Gauge
	mCoresMCPU     prometheus.Gauge
}

type poolInstance struct {
	batch.Instance
	freeCoresMCPU int64
}

// Worker is the scheduler's view of an active instance.
type Worker struct {
	Name          string
	IPAddress     string
	FreeCoresMCPU int64
}

// New returns a Pool. Call Start to load persisted instances and
// begin the maintenance loop.
func New(logger logrus.FieldLogger, st store.Store, provider cloudvm.Provider, globals batch.Globals, options Options, reg *prometheus.Registry) *Pool {
	pool := &Pool{
		logger:       logger,
		store:        st,
		provider:     provider,
		globals:      globals,
		options:      options,
		instances:    map[string]*poolInstance{},
		targetSize:   options.TargetSize,
		maxInstances: options.MaxInstances,
		subscribers:  map[<-chan struct{}]chan<- struct{}{},
		wake:         make(chan struct{}, 1),
	}
	pool.registerMetrics(reg)
	return pool
}

func (pool *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	pool.mInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "instancepool",
		Name:      "instances",
		Help:      "Number of worker instances in each state.",
	}, []string{"state"})
	reg.MustRegister(pool.mInstances)
	pool.mFreeCoresMCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "instancepool",
		Name:      "free_cores_mcpu",
		Help:      "Total unreserved capacity on active instances, in mCPU.",
	})
	reg.MustRegister(pool.mFreeCoresMCPU)
	pool.mCoresMCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "instancepool",
		Name:      "cores_mcpu",
		Help:      "Total capacity on active instances, in mCPU.",
	})
	reg.MustRegister(pool.mCoresMCPU)
}

// Start loads persisted instances, rebuilds free-capacity accounting
// from the Running jobs in the store, and starts the maintenance loop.
// It returns once the initial load is done.
func (pool *Pool) Start(ctx context.Context) error {
	instances, err := pool.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	running, err := pool.store.RunningJobs(ctx)
	if err != nil {
		return err
	}
	reserved := map[string]int64{}
	for _, j := range running {
		reserved[j.InstanceName] += j.CoresMCPU
	}
	pool.mtx.Lock()
	for _, inst := range instances {
		pool.instances[inst.Name] = &poolInstance{
			Instance:      *inst,
			freeCoresMCPU: inst.Cores*1000 - reserved[inst.Name],
		}
	}
	pool.mtx.Unlock()
	pool.logger.WithFields(logrus.Fields{
		"Instances":   len(instances),
		"RunningJobs": len(running),
	}).Info("instance pool loaded")
	go pool.runMaintenance(ctx)
	return nil
}

// Subscribe returns a buffered channel that becomes ready after any
// change that could have scheduling implications: an instance
// activates, capacity is released, the quota backoff expires.
// Events arriving while the channel is already ready are dropped, so
// slow consumers are fine.
func (pool *Pool) Subscribe() <-chan struct{} {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	ch := make(chan struct{}, 1)
	pool.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (pool *Pool) Unsubscribe(ch <-chan struct{}) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	delete(pool.subscribers, ch)
}

func (pool *Pool) notify() {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	pool.notifyLocked()
}

func (pool *Pool) notifyLocked() {
	for _, send := range pool.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// SetSize adjusts the target pool size and hard cap at runtime.
func (pool *Pool) SetSize(target, max int) {
	pool.mtx.Lock()
	if target >= 0 {
		pool.targetSize = target
	}
	if max >= 0 {
		pool.maxInstances = max
	}
	pool.mtx.Unlock()
	pool.poke()
}

func (pool *Pool) poke() {
	select {
	case pool.wake <- struct{}{}:
	default:
	}
}

func (pool *Pool) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(pool.options.SyncInterval)
	defer ticker.Stop()
	for {
		pool.maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-pool.wake:
		}
	}
}

// maintain runs one reconciliation pass: garbage-collect dead
// instances, destroy deactivated ones, and create new ones up to the
// target size.
func (pool *Pool) maintain(ctx context.Context) {
	now := batch.TimeMsecs()
	timeoutMsec := pool.options.InstanceTimeout.Milliseconds()

	pool.mtx.Lock()
	var toDeactivate, toDestroy []string
	live := 0
	for _, inst := range pool.instances {
		switch inst.State {
		case batch.InstanceStatePending:
			if now-inst.CreatedAt > timeoutMsec {
				toDestroy = append(toDestroy, inst.Name)
			} else {
				live++
			}
		case batch.InstanceStateActive:
			if now-inst.LastHealthcheck > timeoutMsec {
				toDeactivate = append(toDeactivate, inst.Name)
			} else {
				live++
			}
		case batch.InstanceStateInactive:
			toDestroy = append(toDestroy, inst.Name)
		}
	}
	ncreate := pool.targetSize - live
	if pool.maxInstances > 0 && len(pool.instances)+ncreate > pool.maxInstances {
		ncreate = pool.maxInstances - len(pool.instances)
	}
	if !time.Now().After(pool.atQuotaUntil) {
		ncreate = 0
	}
	pool.mtx.Unlock()

	for _, name := range toDeactivate {
		pool.logger.WithField("InstanceName", name).Warn("instance missed health checks, deactivating")
		if err := pool.Deactivate(ctx, name); err != nil {
			pool.logger.WithField("InstanceName", name).WithError(err).Warn("deactivate failed")
		}
	}
	for _, name := range toDestroy {
		pool.destroy(ctx, name)
	}
	for i := 0; i < ncreate; i++ {
		if err := pool.create(ctx); err != nil {
			break
		}
	}
	pool.sweepOrphans(ctx)
	pool.updateMetrics()
}

// create books a new pending instance in the store, then asks the
// provider to boot it. The store record exists before the VM does, so
// a crash between the two steps leaves only a pending record that the
// activation timeout cleans up.
func (pool *Pool) create(ctx context.Context) error {
	inst := &batch.Instance{
		Name:            pool.options.NamePrefix + store.NewToken(5),
		State:           batch.InstanceStatePending,
		ActivationToken: store.NewToken(32),
		Cores:           pool.globals.WorkerCores,
		CreatedAt:       batch.TimeMsecs(),
	}
	if err := pool.store.AddInstance(ctx, inst); err != nil {
		pool.logger.WithError(err).Error("storing new instance record")
		return err
	}
	logger := pool.logger.WithField("InstanceName", inst.Name)
	_, err := pool.provider.Create(ctx, cloudvm.BootSpec{
		Name:            inst.Name,
		ActivationToken: inst.ActivationToken,
		DriverURL:       pool.options.DriverURL,
		Cores:           pool.globals.WorkerCores,
		WorkerType:      string(pool.globals.WorkerType),
		DiskGB:          pool.globals.WorkerDiskGB,
	})
	if err != nil {
		if removeErr := pool.store.RemoveInstance(ctx, inst.Name); removeErr != nil {
			logger.WithError(removeErr).Error("removing record for failed instance")
		}
		var qe cloudvm.QuotaError
		var re cloudvm.RateLimitError
		if errors.As(err, &qe) && qe.IsQuotaError() {
			logger.WithError(err).Warn("provider at quota")
			pool.backOffUntil(time.Now().Add(quotaErrorTTL))
		} else if errors.As(err, &re) {
			logger.WithError(err).Warn("provider rate limited")
			pool.backOffUntil(re.EarliestRetry())
		} else {
			logger.WithError(err).Error("creating instance")
		}
		return err
	}
	pool.mtx.Lock()
	pool.instances[inst.Name] = &poolInstance{Instance: *inst}
	pool.mtx.Unlock()
	logger.Info("instance created")
	return nil
}

// backOffUntil pauses instance creation until the given time, waking
// the maintenance loop when the pause expires.
func (pool *Pool) backOffUntil(until time.Time) {
	pool.mtx.Lock()
	if until.After(pool.atQuotaUntil) {
		pool.atQuotaUntil = until
	}
	pool.mtx.Unlock()
	if d := time.Until(until); d > 0 {
		time.AfterFunc(d, pool.poke)
	}
}

// destroy terminates the VM (if any) and removes the record.
func (pool *Pool) destroy(ctx context.Context, name string) {
	logger := pool.logger.WithField("InstanceName", name)
	if err := pool.provider.Destroy(ctx, name); err != nil {
		logger.WithError(err).Warn("destroying instance VM")
		return
	}
	if err := pool.store.RemoveInstance(ctx, name); err != nil && err != store.ErrNotFound {
		logger.WithError(err).Warn("removing instance record")
		return
	}
	pool.mtx.Lock()
	delete(pool.instances, name)
	pool.mtx.Unlock()
	logger.Info("instance deleted")
}

// sweepOrphans destroys provider VMs that have no instance record,
// e.g. VMs left behind by a crash between boot and bookkeeping.
func (pool *Pool) sweepOrphans(ctx context.Context) {
	vms, err := pool.provider.Instances(ctx)
	if err != nil {
		pool.logger.WithError(err).Warn("listing provider instances")
		return
	}
	pool.mtx.Lock()
	var orphans []string
	for _, vm := range vms {
		if _, ok := pool.instances[vm.Name]; !ok && vm.Name != "" {
			orphans = append(orphans, vm.Name)
		}
	}
	pool.mtx.Unlock()
	for _, name := range orphans {
		pool.logger.WithField("InstanceName", name).Warn("destroying orphaned VM")
		if err := pool.provider.Destroy(ctx, name); err != nil {
			pool.logger.WithField("InstanceName", name).WithError(err).Warn("destroying orphaned VM")
		}
	}
}

func (pool *Pool) updateMetrics() {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	counts := map[batch.InstanceState]int{}
	var free, total int64
	for _, inst := range pool.instances {
		counts[inst.State]++
		if inst.State == batch.InstanceStateActive {
			free += inst.freeCoresMCPU
			total += inst.Cores * 1000
		}
	}
	for _, state := range []batch.InstanceState{batch.InstanceStatePending, batch.InstanceStateActive, batch.InstanceStateInactive} {
		pool.mInstances.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	pool.mFreeCoresMCPU.Set(float64(free))
	pool.mCoresMCPU.Set(float64(total))
}

// Activate performs the worker handshake: it verifies the activation
// token against the store, marks the instance active, and returns the
// minted bearer token.
func (pool *Pool) Activate(ctx context.Context, name, activationToken, ipAddress string) (string, error) {
	token, err := pool.store.ActivateInstance(ctx, name, activationToken, ipAddress)
	if err != nil {
		return "", err
	}
	now := batch.TimeMsecs()
	pool.mtx.Lock()
	if inst := pool.instances[name]; inst != nil {
		inst.State = batch.InstanceStateActive
		inst.IPAddress = ipAddress
		inst.ActivatedAt = now
		inst.LastHealthcheck = now
		inst.freeCoresMCPU = inst.Cores * 1000
	}
	pool.notifyLocked()
	pool.mtx.Unlock()
	pool.logger.WithFields(logrus.Fields{
		"InstanceName": name,
		"IPAddress":    ipAddress,
	}).Info("instance activated")
	return token, nil
}

// Deactivate marks the instance inactive; the maintenance loop will
// destroy the VM and remove the record. Idempotent.
func (pool *Pool) Deactivate(ctx context.Context, name string) error {
	if err := pool.store.DeactivateInstance(ctx, name); err != nil {
		return err
	}
	pool.mtx.Lock()
	if inst := pool.instances[name]; inst != nil {
		inst.State = batch.InstanceStateInactive
		inst.freeCoresMCPU = 0
	}
	pool.mtx.Unlock()
	pool.poke()
	pool.logger.WithField("InstanceName", name).Info("instance deactivated")
	return nil
}

// MarkHealthy records that the named instance made an authenticated
// call just now.
func (pool *Pool) MarkHealthy(ctx context.Context, name string) {
	now := batch.TimeMsecs()
	pool.mtx.Lock()
	if inst := pool.instances[name]; inst != nil && now > inst.LastHealthcheck {
		inst.LastHealthcheck = now
	}
	pool.mtx.Unlock()
	if err := pool.store.TouchInstance(ctx, name, now); err != nil && err != store.ErrNotFound {
		pool.logger.WithField("InstanceName", name).WithError(err).Warn("recording health check")
	}
}

// Workers returns active instances with nonzero free capacity, sorted
// by name for deterministic placement.
func (pool *Pool) Workers() []Worker {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	var out []Worker
	for _, inst := range pool.instances {
		if inst.State == batch.InstanceStateActive && inst.freeCoresMCPU > 0 {
			out = append(out, Worker{
				Name:          inst.Name,
				IPAddress:     inst.IPAddress,
				FreeCoresMCPU: inst.freeCoresMCPU,
			})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Reserve subtracts mcpu from the named instance's free capacity.
// It reports false, without reserving, if the instance is not active
// or lacks the capacity.
func (pool *Pool) Reserve(name string, mcpu int64) bool {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	inst := pool.instances[name]
	if inst == nil || inst.State != batch.InstanceStateActive || inst.freeCoresMCPU < mcpu {
		return false
	}
	inst.freeCoresMCPU -= mcpu
	return true
}

// Release returns mcpu to the named instance's free capacity and
// wakes subscribers. Releasing to a deleted instance is a no-op.
func (pool *Pool) Release(name string, mcpu int64) {
	pool.mtx.Lock()
	if inst := pool.instances[name]; inst != nil {
		inst.freeCoresMCPU += mcpu
		if inst.freeCoresMCPU > inst.Cores*1000 {
			inst.freeCoresMCPU = inst.Cores * 1000
		}
	}
	pool.notifyLocked()
	pool.mtx.Unlock()
}

// CountByState returns the number of instances in each state, for the
// status endpoint.
func (pool *Pool) CountByState() map[batch.InstanceState]int {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	counts := map[batch.InstanceState]int{}
	for _, inst := range pool.instances {
		counts[inst.State]++
	}
	return counts
}
