//go:build linux

// File: adapters/vfio_linux.go
// Package adapters implements PCI passthrough over VFIO.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One VFIOProvider owns a type-1 IOMMU container; each opened function
// joins its IOMMU group to the container and exposes BAR windows through
// mmap of the device fd. DMA translations are programmed with
// VFIO_IOMMU_MAP_DMA against a bump-allocated IOVA space.

package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nvme/api"
)

// VFIO ioctl numbers: _IO(';', 100+nr), dir and size zero.
const (
	vfioType = 0x3B // ';'
	vfioBase = 100

	vfioGetAPIVersion      = vfioType<<8 | (vfioBase + 0)
	vfioCheckExtension     = vfioType<<8 | (vfioBase + 1)
	vfioSetIommu           = vfioType<<8 | (vfioBase + 2)
	vfioGroupGetStatus     = vfioType<<8 | (vfioBase + 3)
	vfioGroupSetContainer  = vfioType<<8 | (vfioBase + 4)
	vfioGroupGetDeviceFd   = vfioType<<8 | (vfioBase + 6)
	vfioDeviceGetInfo       = vfioType<<8 | (vfioBase + 7)
	vfioDeviceGetRegionInfo = vfioType<<8 | (vfioBase + 8)
	vfioIommuMapDma         = vfioType<<8 | (vfioBase + 13)
	vfioIommuUnmapDma       = vfioType<<8 | (vfioBase + 14)

	vfioAPIVersion = 0
	vfioType1Iommu = 1

	vfioGroupFlagsViable = 1 << 0

	vfioDmaMapFlagRead  = 1 << 0
	vfioDmaMapFlagWrite = 1 << 1
)

type vfioGroupStatus struct {
	Argsz uint32
	Flags uint32
}

type vfioRegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

type vfioDmaMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

type vfioDmaUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// VFIOProvider opens passthrough handles through /dev/vfio. Safe for
// concurrent Open calls.
type VFIOProvider struct {
	mu          sync.Mutex
	containerFd int

	iovaNext uint64
}

// NewVFIOProvider opens the VFIO container and selects the type-1 IOMMU
// backend.
func NewVFIOProvider() (*VFIOProvider, error) {
	fd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open vfio container: %w", err)
	}
	ver, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vfioGetAPIVersion, 0)
	if errno != 0 || ver != vfioAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("vfio api version mismatch: got %d", ver)
	}
	return &VFIOProvider{containerFd: fd, iovaNext: 0x10000000}, nil
}

// Open implements api.PciProvider: resolves the function's IOMMU group,
// joins it to the container and fetches the device fd. The function is
// claimed with a per-BDF lock so two processes cannot drive it at once.
func (p *VFIOProvider) Open(bdf string) (api.PciDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	claim := flock.New(filepath.Join(os.TempDir(), "hioload-nvme-"+bdf+".lock"))
	locked, err := claim.TryLock()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", bdf, err)
	}
	if !locked {
		return nil, fmt.Errorf("device %s already claimed", bdf)
	}

	groupPath, err := os.Readlink("/sys/bus/pci/devices/" + bdf + "/iommu_group")
	if err != nil {
		claim.Unlock()
		return nil, fmt.Errorf("resolve iommu group for %s: %w", bdf, err)
	}
	group := filepath.Base(groupPath)

	groupFd, err := unix.Open("/dev/vfio/"+group, unix.O_RDWR, 0)
	if err != nil {
		claim.Unlock()
		return nil, fmt.Errorf("open vfio group %s: %w", group, err)
	}

	status := vfioGroupStatus{Argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if err := ioctl(groupFd, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		unix.Close(groupFd)
		claim.Unlock()
		return nil, fmt.Errorf("group status: %w", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		unix.Close(groupFd)
		claim.Unlock()
		return nil, fmt.Errorf("iommu group %s not viable (unbound devices?)", group)
	}

	container := int32(p.containerFd)
	if err := ioctl(groupFd, vfioGroupSetContainer, unsafe.Pointer(&container)); err != nil {
		unix.Close(groupFd)
		claim.Unlock()
		return nil, fmt.Errorf("set container: %w", err)
	}
	// First group attached enables IOMMU selection on the container;
	// repeating it is harmless.
	unix.Syscall(unix.SYS_IOCTL, uintptr(p.containerFd), vfioSetIommu, vfioType1Iommu)

	bdfBytes := append([]byte(bdf), 0)
	devFd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFd),
		vfioGroupGetDeviceFd, uintptr(unsafe.Pointer(&bdfBytes[0])))
	if errno != 0 {
		unix.Close(groupFd)
		claim.Unlock()
		return nil, fmt.Errorf("get device fd for %s: %w", bdf, errno)
	}

	return &vfioDevice{
		provider: p,
		bdf:      bdf,
		devFd:    int(devFd),
		groupFd:  groupFd,
		claim:    claim,
	}, nil
}

// Close releases the container.
func (p *VFIOProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.containerFd >= 0 {
		unix.Close(p.containerFd)
		p.containerFd = -1
	}
	return nil
}

// vfioDevice is one claimed function.
type vfioDevice struct {
	provider *VFIOProvider
	bdf      string
	devFd    int
	groupFd  int
	claim    *flock.Flock

	mu         sync.Mutex
	persistent map[uintptr]vfioDmaMap
	ephemeral  []vfioDmaMap
	closed     bool
}

// ClassCode implements api.PciDevice by reading sysfs.
func (d *vfioDevice) ClassCode() (uint32, error) {
	raw, err := os.ReadFile("/sys/bus/pci/devices/" + d.bdf + "/class")
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	class, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse class of %s: %w", d.bdf, err)
	}
	return uint32(class), nil
}

// MapBar implements api.PciDevice: region info for the BAR index, then
// mmap of the device fd at the region offset.
func (d *vfioDevice) MapBar(barIndex int, offset, length uint64) (api.Mmio, error) {
	info := vfioRegionInfo{
		Argsz: uint32(unsafe.Sizeof(vfioRegionInfo{})),
		Index: uint32(barIndex),
	}
	if err := ioctl(d.devFd, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("region info bar%d: %w", barIndex, err)
	}
	if offset+length > info.Size {
		return nil, fmt.Errorf("bar%d window %#x+%#x exceeds region size %#x",
			barIndex, offset, length, info.Size)
	}
	mem, err := unix.Mmap(d.devFd, int64(info.Offset+offset), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap bar%d: %w", barIndex, err)
	}
	return NewMmio(mem), nil
}

// UnmapBar implements api.PciDevice.
func (d *vfioDevice) UnmapBar(barIndex int, offset uint64, m api.Mmio) error {
	win, ok := m.(interface{ Bytes() []byte })
	if !ok {
		return fmt.Errorf("foreign mmio window")
	}
	return unix.Munmap(win.Bytes())
}

// Iommu implements api.PciDevice.
func (d *vfioDevice) Iommu() api.IommuMapper { return d }

// Map implements api.IommuMapper.
func (d *vfioDevice) Map(buf []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.mapLocked(buf)
	if err != nil {
		return 0, err
	}
	if d.persistent == nil {
		d.persistent = make(map[uintptr]vfioDmaMap)
	}
	d.persistent[uintptr(unsafe.Pointer(&buf[0]))] = m
	return m.IOVA, nil
}

// Unmap implements api.IommuMapper.
func (d *vfioDevice) Unmap(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := uintptr(unsafe.Pointer(&buf[0]))
	m, ok := d.persistent[key]
	if !ok {
		return fmt.Errorf("no mapping for %#x", key)
	}
	delete(d.persistent, key)
	return d.unmapLocked(m)
}

// MapEphemeral implements api.IommuMapper.
func (d *vfioDevice) MapEphemeral(buf []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.mapLocked(buf)
	if err != nil {
		return 0, err
	}
	d.ephemeral = append(d.ephemeral, m)
	return m.IOVA, nil
}

// FreeEphemeral implements api.IommuMapper, LIFO.
func (d *vfioDevice) FreeEphemeral(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < count; i++ {
		if len(d.ephemeral) == 0 {
			return fmt.Errorf("ephemeral stack underflow")
		}
		m := d.ephemeral[len(d.ephemeral)-1]
		d.ephemeral = d.ephemeral[:len(d.ephemeral)-1]
		if err := d.unmapLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (d *vfioDevice) mapLocked(buf []byte) (vfioDmaMap, error) {
	pageSize := uint64(unix.Getpagesize())
	vaddr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	size := (uint64(len(buf)) + pageSize - 1) &^ (pageSize - 1)

	p := d.provider
	p.mu.Lock()
	iova := p.iovaNext
	p.iovaNext += size
	p.mu.Unlock()

	m := vfioDmaMap{
		Argsz: uint32(unsafe.Sizeof(vfioDmaMap{})),
		Flags: vfioDmaMapFlagRead | vfioDmaMapFlagWrite,
		Vaddr: vaddr,
		IOVA:  iova,
		Size:  size,
	}
	if err := ioctl(p.containerFd, vfioIommuMapDma, unsafe.Pointer(&m)); err != nil {
		return m, fmt.Errorf("map dma %#x+%#x: %w", vaddr, size, err)
	}
	return m, nil
}

func (d *vfioDevice) unmapLocked(m vfioDmaMap) error {
	u := vfioDmaUnmap{
		Argsz: uint32(unsafe.Sizeof(vfioDmaUnmap{})),
		IOVA:  m.IOVA,
		Size:  m.Size,
	}
	if err := ioctl(d.provider.containerFd, vfioIommuUnmapDma, unsafe.Pointer(&u)); err != nil {
		return fmt.Errorf("unmap dma %#x: %w", m.IOVA, err)
	}
	return nil
}

// Close implements api.PciDevice. Idempotent.
func (d *vfioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, m := range d.persistent {
		d.unmapLocked(m)
	}
	for i := len(d.ephemeral) - 1; i >= 0; i-- {
		d.unmapLocked(d.ephemeral[i])
	}
	unix.Close(d.devFd)
	unix.Close(d.groupFd)
	return d.claim.Unlock()
}

var (
	_ api.PciProvider = (*VFIOProvider)(nil)
	_ api.PciDevice   = (*vfioDevice)(nil)
)
