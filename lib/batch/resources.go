// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WorkerType determines a worker VM's memory-to-CPU ratio. The
// effective CPU request of a container is scaled up when its
// memory/CPU ratio exceeds what the worker type supports, so memory
// is never oversubscribed.
type WorkerType string

const (
	WorkerTypeStandard WorkerType = "standard"
	WorkerTypeHighMem  WorkerType = "highmem"
	WorkerTypeHighCPU  WorkerType = "highcpu"
)

// bytes of memory available per core for each worker type.
var memoryPerCore = map[WorkerType]int64{
	WorkerTypeStandard: 3840 << 20, // 3.75 GiB
	WorkerTypeHighMem:  6656 << 20, // 6.5 GiB
	WorkerTypeHighCPU:  usableGiB(0.9),
}

func usableGiB(gib float64) int64 {
	return int64(gib * float64(1<<30))
}

// Valid reports whether t is a known worker type.
func (t WorkerType) Valid() bool {
	_, ok := memoryPerCore[t]
	return ok
}

// MemoryPerMCPU returns the bytes of memory backing one millicore on
// workers of type t.
func (t WorkerType) MemoryPerMCPU() int64 {
	return memoryPerCore[t] / 1000
}

// ParseCPUMilli parses a CPU request ("250m", "1", "0.5") into
// millicores.
func ParseCPUMilli(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty cpu request")
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid cpu request %q", s)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid cpu request %q", s)
	}
	return int64(math.Round(f * 1000)), nil
}

var memorySuffixes = []struct {
	suffix string
	factor int64
}{
	{"Ki", 1 << 10},
	{"Mi", 1 << 20},
	{"Gi", 1 << 30},
	{"Ti", 1 << 40},
	{"K", 1000},
	{"M", 1000 * 1000},
	{"G", 1000 * 1000 * 1000},
	{"T", 1000 * 1000 * 1000 * 1000},
}

// ParseMemoryBytes parses a memory request ("128Mi", "0.5Gi", "1G",
// "1073741824") into bytes.
func ParseMemoryBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty memory request")
	}
	for _, ms := range memorySuffixes {
		if strings.HasSuffix(s, ms.suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(s, ms.suffix), 64)
			if err != nil || f <= 0 {
				return 0, fmt.Errorf("invalid memory request %q", s)
			}
			return int64(f * float64(ms.factor)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory request %q", s)
	}
	return n, nil
}

// AdjustCPUForMemory returns the effective CPU request in millicores:
// the requested CPU, scaled up if the requested memory cannot be
// backed by that many millicores on the given worker type.
func AdjustCPUForMemory(cpuMilli, memoryBytes int64, t WorkerType) int64 {
	perMCPU := t.MemoryPerMCPU()
	if perMCPU <= 0 {
		return cpuMilli
	}
	need := (memoryBytes + perMCPU - 1) / perMCPU
	if need > cpuMilli {
		return need
	}
	return cpuMilli
}

// MemoryForCPU returns the bytes of memory granted to a container
// holding cpuMilli millicores on the given worker type.
func MemoryForCPU(cpuMilli int64, t WorkerType) int64 {
	return cpuMilli * t.MemoryPerMCPU()
}

// EffectiveCoresMCPU computes the effective CPU request for a job
// spec, used both for scheduling and for the worker's CPU budget.
func (spec *JobSpec) EffectiveCoresMCPU(t WorkerType) (int64, error) {
	cpu, err := ParseCPUMilli(spec.Resources.CPU)
	if err != nil {
		return 0, err
	}
	mem, err := ParseMemoryBytes(spec.Resources.Memory)
	if err != nil {
		return 0, err
	}
	return AdjustCPUForMemory(cpu, mem, t), nil
}

// NormalizeImage appends the :latest tag to an untagged image name. A
// digest reference or an explicit tag is returned unchanged.
func NormalizeImage(image string) string {
	if strings.Contains(image, "@") {
		return image
	}
	slash := strings.LastIndex(image, "/")
	if strings.Contains(image[slash+1:], ":") {
		return image
	}
	return image + ":latest"
}
