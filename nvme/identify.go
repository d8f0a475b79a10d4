// File: nvme/identify.go
// Package nvme decodes Identify Controller data.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package nvme

import (
	"encoding/binary"
	"errors"
	"strings"
)

// IdentifyDataSize is the length of every Identify data structure.
const IdentifyDataSize = 4096

// IdentifyController carries the fields of the CNS 01h data structure the
// library consumes. Offsets follow the NVMe base specification.
type IdentifyController struct {
	VID          uint16 // PCI vendor id
	SSVID        uint16 // PCI subsystem vendor id
	SerialNumber string
	ModelNumber  string
	Firmware     string
	RAB          uint8
	IEEE         [3]byte
	CMIC         uint8
	MDTS         uint8 // max transfer size as 2^MDTS minimum pages
	CNTLID       uint16
	VER          uint32
	OAES         uint32 // optional async events supported
	SQES         uint8  // submission entry sizes, packed min/max exponents
	CQES         uint8  // completion entry sizes, packed min/max exponents
	NN           uint32 // namespace count
}

var errIdentifyShort = errors.New("nvme: identify buffer too short")

// DecodeIdentifyController parses the 4 KiB Identify Controller payload.
func DecodeIdentifyController(buf []byte) (*IdentifyController, error) {
	if len(buf) < IdentifyDataSize {
		return nil, errIdentifyShort
	}
	id := &IdentifyController{
		VID:          binary.LittleEndian.Uint16(buf[0:]),
		SSVID:        binary.LittleEndian.Uint16(buf[2:]),
		SerialNumber: asciiField(buf[4:24]),
		ModelNumber:  asciiField(buf[24:64]),
		Firmware:     asciiField(buf[64:72]),
		RAB:          buf[72],
		CMIC:         buf[76],
		MDTS:         buf[77],
		CNTLID:       binary.LittleEndian.Uint16(buf[78:]),
		VER:          binary.LittleEndian.Uint32(buf[80:]),
		OAES:         binary.LittleEndian.Uint32(buf[92:]),
		SQES:         buf[512],
		CQES:         buf[513],
		NN:           binary.LittleEndian.Uint32(buf[516:]),
	}
	copy(id.IEEE[:], buf[73:76])
	return id, nil
}

// asciiField trims the space padding NVMe uses in identify strings.
func asciiField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
