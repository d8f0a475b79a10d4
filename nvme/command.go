// File: nvme/command.go
// Package nvme implements the SQE/CQE codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Submission entries are 64 bytes, completion entries 16 bytes, both packed
// little-endian. Encoding always goes through encoding/binary so no host
// byte order leaks into queue memory.

package nvme

import (
	"encoding/binary"
	"errors"
)

const (
	// SQESize is the submission queue entry size in bytes.
	SQESize = 64
	// CQESize is the completion queue entry size in bytes.
	CQESize = 16
)

// AERBit tags the command identifier of Asynchronous Event Requests. The
// remaining bits carry the request pool index.
const AERBit uint16 = 1 << 15

// SQE is one submission queue entry in host order.
type SQE struct {
	Opcode   uint8
	Flags    uint8
	CID      uint16
	NSID     uint32
	Cdw2     uint32
	Cdw3     uint32
	Metadata uint64
	PRP1     uint64
	PRP2     uint64
	Cdw10    uint32
	Cdw11    uint32
	Cdw12    uint32
	Cdw13    uint32
	Cdw14    uint32
	Cdw15    uint32
}

var errShortBuffer = errors.New("nvme: buffer too short for entry")

// EncodeTo serializes the entry into dst, which must hold SQESize bytes.
func (s *SQE) EncodeTo(dst []byte) error {
	if len(dst) < SQESize {
		return errShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(s.Opcode)|uint32(s.Flags)<<8|uint32(s.CID)<<16)
	binary.LittleEndian.PutUint32(dst[4:], s.NSID)
	binary.LittleEndian.PutUint32(dst[8:], s.Cdw2)
	binary.LittleEndian.PutUint32(dst[12:], s.Cdw3)
	binary.LittleEndian.PutUint64(dst[16:], s.Metadata)
	binary.LittleEndian.PutUint64(dst[24:], s.PRP1)
	binary.LittleEndian.PutUint64(dst[32:], s.PRP2)
	binary.LittleEndian.PutUint32(dst[40:], s.Cdw10)
	binary.LittleEndian.PutUint32(dst[44:], s.Cdw11)
	binary.LittleEndian.PutUint32(dst[48:], s.Cdw12)
	binary.LittleEndian.PutUint32(dst[52:], s.Cdw13)
	binary.LittleEndian.PutUint32(dst[56:], s.Cdw14)
	binary.LittleEndian.PutUint32(dst[60:], s.Cdw15)
	return nil
}

// DecodeSQE parses one entry from src. Used by device models reading ring
// memory; the driver itself only encodes.
func DecodeSQE(src []byte) (SQE, error) {
	var s SQE
	if len(src) < SQESize {
		return s, errShortBuffer
	}
	dw0 := binary.LittleEndian.Uint32(src[0:])
	s.Opcode = uint8(dw0)
	s.Flags = uint8(dw0 >> 8)
	s.CID = uint16(dw0 >> 16)
	s.NSID = binary.LittleEndian.Uint32(src[4:])
	s.Cdw2 = binary.LittleEndian.Uint32(src[8:])
	s.Cdw3 = binary.LittleEndian.Uint32(src[12:])
	s.Metadata = binary.LittleEndian.Uint64(src[16:])
	s.PRP1 = binary.LittleEndian.Uint64(src[24:])
	s.PRP2 = binary.LittleEndian.Uint64(src[32:])
	s.Cdw10 = binary.LittleEndian.Uint32(src[40:])
	s.Cdw11 = binary.LittleEndian.Uint32(src[44:])
	s.Cdw12 = binary.LittleEndian.Uint32(src[48:])
	s.Cdw13 = binary.LittleEndian.Uint32(src[52:])
	s.Cdw14 = binary.LittleEndian.Uint32(src[56:])
	s.Cdw15 = binary.LittleEndian.Uint32(src[60:])
	return s, nil
}

// CQE is one completion queue entry in host order. Status bit 0 is the
// phase tag; bits 15:1 carry the status field.
type CQE struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

// Phase reports the phase tag.
func (c CQE) Phase() uint8 { return uint8(c.Status & 1) }

// StatusCode reports the status field without the phase tag; zero means
// the command succeeded.
func (c CQE) StatusCode() uint16 { return c.Status >> 1 }

// DecodeCQE parses one completion entry from src.
func DecodeCQE(src []byte) (CQE, error) {
	var c CQE
	if len(src) < CQESize {
		return c, errShortBuffer
	}
	c.DW0 = binary.LittleEndian.Uint32(src[0:])
	c.DW1 = binary.LittleEndian.Uint32(src[4:])
	c.SQHead = binary.LittleEndian.Uint16(src[8:])
	c.SQID = binary.LittleEndian.Uint16(src[10:])
	c.CID = binary.LittleEndian.Uint16(src[12:])
	c.Status = binary.LittleEndian.Uint16(src[14:])
	return c, nil
}

// EncodeTo serializes the completion entry into dst. Used by device models
// posting completions into CQ memory.
func (c CQE) EncodeTo(dst []byte) error {
	if len(dst) < CQESize {
		return errShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:], c.DW0)
	binary.LittleEndian.PutUint32(dst[4:], c.DW1)
	binary.LittleEndian.PutUint16(dst[8:], c.SQHead)
	binary.LittleEndian.PutUint16(dst[10:], c.SQID)
	binary.LittleEndian.PutUint16(dst[12:], c.CID)
	binary.LittleEndian.PutUint16(dst[14:], c.Status)
	return nil
}
