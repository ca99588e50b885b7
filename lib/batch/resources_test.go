// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ResourcesSuite{})

type ResourcesSuite struct{}

func (*ResourcesSuite) TestParseCPUMilli(c *check.C) {
	for _, trial := range []struct {
		in  string
		out int64
	}{
		{"250m", 250},
		{"1", 1000},
		{"0.5", 500},
		{"8", 8000},
	} {
		n, err := ParseCPUMilli(trial.in)
		c.Check(err, check.IsNil)
		c.Check(n, check.Equals, trial.out, check.Commentf("%q", trial.in))
	}
	for _, in := range []string{"", "-1", "0", "abc", "1x"} {
		_, err := ParseCPUMilli(in)
		c.Check(err, check.NotNil, check.Commentf("%q", in))
	}
}

func (*ResourcesSuite) TestParseMemoryBytes(c *check.C) {
	for _, trial := range []struct {
		in  string
		out int64
	}{
		{"128Mi", 128 << 20},
		{"0.5Gi", 512 << 20},
		{"1G", 1000000000},
		{"1024", 1024},
	} {
		n, err := ParseMemoryBytes(trial.in)
		c.Check(err, check.IsNil)
		c.Check(n, check.Equals, trial.out, check.Commentf("%q", trial.in))
	}
	for _, in := range []string{"", "-1Gi", "zebra"} {
		_, err := ParseMemoryBytes(in)
		c.Check(err, check.NotNil, check.Commentf("%q", in))
	}
}

func (*ResourcesSuite) TestAdjustCPUForMemory(c *check.C) {
	// 250 mcpu on a standard worker backs 250 * 3.75GiB/1000 ≈
	// 0.94GiB; asking for 8GiB must scale the request up.
	adjusted := AdjustCPUForMemory(250, 8<<30, WorkerTypeStandard)
	c.Check(adjusted > 250, check.Equals, true)
	c.Check(MemoryForCPU(adjusted, WorkerTypeStandard) >= 8<<30, check.Equals, true)

	// A modest memory request leaves the CPU request alone.
	c.Check(AdjustCPUForMemory(1000, 1<<30, WorkerTypeStandard), check.Equals, int64(1000))

	// highcpu has the least memory per core, so the same memory
	// request costs more millicores there.
	c.Check(AdjustCPUForMemory(100, 1<<30, WorkerTypeHighCPU) >
		AdjustCPUForMemory(100, 1<<30, WorkerTypeHighMem), check.Equals, true)
}

func (*ResourcesSuite) TestNormalizeImage(c *check.C) {
	c.Check(NormalizeImage("ubuntu"), check.Equals, "ubuntu:latest")
	c.Check(NormalizeImage("ubuntu:22.04"), check.Equals, "ubuntu:22.04")
	c.Check(NormalizeImage("quay.io:443/org/img"), check.Equals, "quay.io:443/org/img:latest")
	c.Check(NormalizeImage("img@sha256:abcd"), check.Equals, "img@sha256:abcd")
}

func (*ResourcesSuite) TestJobStateFromWorker(c *check.C) {
	for in, out := range map[string]JobState{
		WorkerJobSucceeded: JobStateSuccess,
		WorkerJobFailed:    JobStateFailed,
		WorkerJobError:     JobStateError,
	} {
		mapped, ok := JobStateFromWorker(in)
		c.Check(ok, check.Equals, true)
		c.Check(mapped, check.Equals, out)
	}
	_, ok := JobStateFromWorker(WorkerJobRunning)
	c.Check(ok, check.Equals, false)
	_, ok = JobStateFromWorker("bogus")
	c.Check(ok, check.Equals, false)
}
