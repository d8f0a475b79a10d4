// File: nvme/doc.go
// Package nvme
// Author: momentics <momentics@gmail.com>
//
// Bit-exact NVMe wire formats: controller registers, submission and
// completion queue entries, admin command constructors and PRP data
// pointer building. Everything on the wire is little-endian and packed;
// the codecs here keep host byte order out of device-visible memory.
package nvme
