// File: driver/doc.go
// Package driver
// Author: momentics <momentics@gmail.com>
//
// Controller lifecycle and queue-pair engine for userspace NVMe devices
// reached through a kernel passthrough facility. The driver brings a
// controller from reset to operational, builds admin and I/O queue pairs
// in DMA-addressable memory, translates transfer buffers to device-visible
// IOVAs and carries commands through their submission/completion
// round-trip, including asynchronous event notifications.
//
// Concurrency contract: one Controller is single-threaded cooperative.
// The request pool, queue indices and doorbell writes share no internal
// lock; callers serialize externally. Independent controllers run in
// parallel freely.
package driver
