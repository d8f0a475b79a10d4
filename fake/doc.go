// File: fake/doc.go
// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development. Device models an NVMe
// controller obeying the register contract: CC/CSTS handshakes, admin and
// I/O queue rings in guest memory reached through the fake IOMMU, phase
// tagged completions and doorbell-driven command execution. Behavior is
// predictable and controllable through error-injection setters.
package fake
