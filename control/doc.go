// File: control/doc.go
// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics registry and debug probe reflector for hioload-nvme.
// Controllers publish counters and register named probes here; operator
// tooling reads snapshots without touching driver internals.
package control
