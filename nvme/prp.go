// File: nvme/prp.go
// Package nvme implements PRP data pointer building.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package nvme

import (
	"encoding/binary"
	"errors"
)

// PRPEntrySize is the size of one PRP list entry in bytes.
const PRPEntrySize = 8

var (
	errBadPageSize   = errors.New("nvme: page size must be a power of two")
	errTransferLarge = errors.New("nvme: transfer exceeds PRP list capacity")
)

// SetDataPointer fills the entry's PRP1/PRP2 fields for a transfer of
// length bytes mapped at iova. Transfers touching more than two pages
// spill into a PRP list written into list (the request's scratch page),
// which the device reaches through listIOVA.
//
// The list entries and prp2 follow the standard layout: prp1 addresses the
// first page (possibly at an offset), every later page appears page-aligned
// either in prp2 or in the list.
func SetDataPointer(sqe *SQE, iova, length, pageSize uint64, list []byte, listIOVA uint64) error {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return errBadPageSize
	}
	if length == 0 {
		sqe.PRP1, sqe.PRP2 = 0, 0
		return nil
	}

	firstPage := iova &^ (pageSize - 1)
	npages := (iova - firstPage + length + pageSize - 1) / pageSize

	sqe.PRP1 = iova
	switch {
	case npages == 1:
		sqe.PRP2 = 0
	case npages == 2:
		sqe.PRP2 = firstPage + pageSize
	default:
		entries := int(npages - 1)
		if entries*PRPEntrySize > len(list) {
			return errTransferLarge
		}
		if err := EncodePRPList(list, firstPage, pageSize, entries); err != nil {
			return err
		}
		sqe.PRP2 = listIOVA
	}
	return nil
}

// EncodePRPList writes entries little-endian 64-bit page addresses into
// dst, starting at the page after firstPage.
func EncodePRPList(dst []byte, firstPage, pageSize uint64, entries int) error {
	if entries*PRPEntrySize > len(dst) {
		return errTransferLarge
	}
	for i := 0; i < entries; i++ {
		addr := firstPage + pageSize*uint64(i+1)
		binary.LittleEndian.PutUint64(dst[i*PRPEntrySize:], addr)
	}
	return nil
}

// DecodePRPList reads entries page addresses back out of src. Device
// models and tests use it to walk a list the driver produced.
func DecodePRPList(src []byte, entries int) []uint64 {
	out := make([]uint64, 0, entries)
	for i := 0; i < entries && (i+1)*PRPEntrySize <= len(src); i++ {
		out = append(out, binary.LittleEndian.Uint64(src[i*PRPEntrySize:]))
	}
	return out
}
