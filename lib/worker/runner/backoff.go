// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runner

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
)

const (
	retryDelayMin = 100 * time.Millisecond
	retryDelayMax = 30 * time.Second
)

// retryable reports whether a docker engine error is transient:
// request timeouts and temporary unavailability. Everything else
// (missing image, bad spec, engine bug) fails the step immediately.
func retryable(err error) bool {
	if errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// callWithRetry runs fn, retrying transient failures with exponential
// backoff until it succeeds, fails permanently, or ctx is cancelled.
func callWithRetry(ctx context.Context, logger logrus.FieldLogger, name string, fn func() error) error {
	delay := retryDelayMin
	for {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		logger.WithField("Call", name).WithError(err).Warn("transient engine error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryDelayMax {
			delay = retryDelayMax
		}
	}
}
