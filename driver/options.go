// File: driver/options.go
// Package driver defines functional options for controller construction.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package driver

import (
	"github.com/momentics/hioload-nvme/control"
	"github.com/momentics/hioload-nvme/nvme"
)

// Options carries controller construction parameters.
type Options struct {
	// NSQR and NCQR are the requested I/O submission and completion queue
	// counts negotiated during bring-up.
	NSQR uint16
	NCQR uint16

	// AdminQueueEntries is the admin queue pair depth.
	AdminQueueEntries uint32

	// Metrics, when set, receives driver counters.
	Metrics *control.MetricsRegistry

	// Probes, when set, gets a per-controller state probe registered.
	Probes *control.DebugProbes
}

// DefaultOptions supplies the embedded defaults used when the caller
// passes none.
func DefaultOptions() Options {
	return Options{
		NSQR:              16,
		NCQR:              16,
		AdminQueueEntries: nvme.AdminQueueEntries,
	}
}

// Option customizes controller construction.
type Option func(*Options)

// WithIOQueues sets the requested I/O queue counts.
func WithIOQueues(nsqr, ncqr uint16) Option {
	return func(o *Options) {
		o.NSQR = nsqr
		o.NCQR = ncqr
	}
}

// WithAdminQueueEntries overrides the admin queue depth.
func WithAdminQueueEntries(entries uint32) Option {
	return func(o *Options) {
		o.AdminQueueEntries = entries
	}
}

// WithMetrics publishes driver counters into mr.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(o *Options) {
		o.Metrics = mr
	}
}

// WithDebugProbes registers a controller state probe with dp.
func WithDebugProbes(dp *control.DebugProbes) Option {
	return func(o *Options) {
		o.Probes = dp
	}
}
