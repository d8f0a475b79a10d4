// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Pooling primitives for hioload-nvme. The driver's request contexts are
// slots in a fixed slab recycled through an index-linked LIFO free list;
// the list carries indices only, so the owning engine keeps its slot
// storage dense and lock-free under its single-owner concurrency contract.
package pool
