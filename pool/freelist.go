// File: pool/freelist.go
// Package pool implements a fixed-capacity index free list.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

// FreeList recycles slot indices 0..cap-1 in LIFO order. The zero value is
// an empty list with no capacity; use NewFreeList. Not safe for concurrent
// use — the owner serializes access.
type FreeList struct {
	next []int32
	head int32
	free int
}

const nilSlot = int32(-1)

// NewFreeList builds a list with every slot free. The initial pop order is
// descending from slot cap-1.
func NewFreeList(capacity int) *FreeList {
	fl := &FreeList{
		next: make([]int32, capacity),
		head: nilSlot,
	}
	fl.Reset()
	return fl
}

// Reset returns every slot to the list.
func (fl *FreeList) Reset() {
	fl.head = nilSlot
	fl.free = 0
	for i := range fl.next {
		fl.Release(i)
	}
}

// Acquire pops the most recently released slot. ok is false when the list
// is empty.
func (fl *FreeList) Acquire() (slot int, ok bool) {
	if fl.head == nilSlot || len(fl.next) == 0 {
		return 0, false
	}
	s := fl.head
	fl.head = fl.next[s]
	fl.next[s] = nilSlot
	fl.free--
	return int(s), true
}

// Release pushes a slot back. Releasing an out-of-range slot is ignored.
func (fl *FreeList) Release(slot int) {
	if slot < 0 || slot >= len(fl.next) {
		return
	}
	fl.next[slot] = fl.head
	fl.head = int32(slot)
	fl.free++
}

// Free reports how many slots are currently available.
func (fl *FreeList) Free() int { return fl.free }

// Cap reports the slot capacity.
func (fl *FreeList) Cap() int { return len(fl.next) }
