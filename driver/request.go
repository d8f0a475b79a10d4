// File: driver/request.go
// Package driver implements per-command request contexts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package driver

// Request is one in-flight command's context: the command identifier (its
// pool index), a dedicated 4 KiB scratch page with its IOVA for PRP lists,
// an opaque caller value and the owning submission queue. Contexts live as
// long as their queue and recycle through the queue's free list.
type Request struct {
	cid      uint16
	sq       *SubmissionQueue
	page     []byte
	pageIOVA uint64
	opaque   any
}

// CID returns the command identifier stamped into submitted entries.
func (r *Request) CID() uint16 { return r.cid }

// SetOpaque attaches a caller value to the context; the async event path
// stores its handler here.
func (r *Request) SetOpaque(v any) { r.opaque = v }

// Opaque returns the attached caller value.
func (r *Request) Opaque() any { return r.opaque }
