// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package vfio implements pagetable.PageTable on a Linux VFIO type1
// container.
//
// The kernel owns the IOMMU page tables of a container. Map pins the caller's
// memory and installs the translation, so the physical address passed to Map
// is the process virtual address of the buffer.
package vfio

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/sync"
)

// Ioctl commands from include/uapi/linux/vfio.h.
const (
	VFIO_API_VERSION = 0

	VFIO_TYPE1_IOMMU   = 1
	VFIO_TYPE1v2_IOMMU = 3

	VFIO_GET_API_VERSION        = 0x3b64
	VFIO_CHECK_EXTENSION        = 0x3b65
	VFIO_SET_IOMMU              = 0x3b66
	VFIO_GROUP_GET_STATUS       = 0x3b67
	VFIO_GROUP_SET_CONTAINER    = 0x3b68
	VFIO_GROUP_UNSET_CONTAINER  = 0x3b69
	VFIO_IOMMU_MAP_DMA          = 0x3b71
	VFIO_IOMMU_UNMAP_DMA        = 0x3b72
	VFIO_DMA_MAP_FLAG_READ      = 1 << 0
	VFIO_DMA_MAP_FLAG_WRITE     = 1 << 1
	VFIO_GROUP_FLAGS_VIABLE     = 1 << 0
	VFIO_GROUP_FLAGS_CONTAINER  = 1 << 1
	containerPath               = "/dev/vfio/vfio"
)

// dmaMap is struct vfio_iommu_type1_dma_map.
type dmaMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

// dmaUnmap is struct vfio_iommu_type1_dma_unmap.
type dmaUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

// groupStatus is struct vfio_group_status.
type groupStatus struct {
	Argsz uint32
	Flags uint32
}

// Container is a VFIO container used as a device page table.
type Container struct {
	hostFD int32

	mu sync.Mutex

	// iommuType is the IOMMU model set on the container, or 0 before the
	// first group is attached.
	//
	// +checklocks:mu
	iommuType int

	// +checklocks:mu
	groups int

	// +checklocks:mu
	released bool
}

var _ pagetable.PageTable = (*Container)(nil)

// Open opens the VFIO container at path, or /dev/vfio/vfio if path is empty,
// and checks that it speaks the supported API with a type1 IOMMU.
func Open(path string) (*Container, error) {
	if path == "" {
		path = containerPath
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c := &Container{hostFD: int32(fd)}
	if v, err := ioctlInvoke[uint32, uint32](c.hostFD, VFIO_GET_API_VERSION, 0); err != nil || v != VFIO_API_VERSION {
		unix.Close(fd)
		return nil, fmt.Errorf("VFIO API version %d (%v), want %d: %w", v, err, VFIO_API_VERSION, unix.EINVAL)
	}
	if _, err := c.pickIOMMU(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// Factory returns a pagetable.Factory that opens a new container at path.
func Factory(path string) pagetable.Factory {
	return func() (pagetable.PageTable, error) {
		return Open(path)
	}
}

// pickIOMMU returns the best type1 IOMMU model the container supports.
func (c *Container) pickIOMMU() (int, error) {
	for _, t := range []int{VFIO_TYPE1v2_IOMMU, VFIO_TYPE1_IOMMU} {
		if ok, err := ioctlInvoke[uint32, int](c.hostFD, VFIO_CHECK_EXTENSION, t); err == nil && ok != 0 {
			return t, nil
		}
	}
	return 0, fmt.Errorf("container has no type1 IOMMU: %w", unix.ENODEV)
}

// attachGroup binds the group behind groupFD to c, setting the IOMMU model
// when it is the first group.
func (c *Container) attachGroup(groupFD int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("container released: %w", unix.EINVAL)
	}
	fd := c.hostFD
	if _, err := ioctlInvokePtrArg[uint32](groupFD, VFIO_GROUP_SET_CONTAINER, &fd); err != nil {
		return fmt.Errorf("VFIO_GROUP_SET_CONTAINER: %w", err)
	}
	if c.iommuType == 0 {
		t, err := c.pickIOMMU()
		if err == nil {
			_, err = ioctlInvoke[uint32, int](c.hostFD, VFIO_SET_IOMMU, t)
		}
		if err != nil {
			ioctlInvoke[uint32, uint32](groupFD, VFIO_GROUP_UNSET_CONTAINER, 0)
			return fmt.Errorf("VFIO_SET_IOMMU: %w", err)
		}
		c.iommuType = t
		log.Debugf("vfio: container %d using IOMMU type %d", c.hostFD, t)
	}
	c.groups++
	return nil
}

// detachGroup unbinds the group behind groupFD from c.
func (c *Container) detachGroup(groupFD int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := ioctlInvoke[uint32, uint32](groupFD, VFIO_GROUP_UNSET_CONTAINER, 0); err != nil {
		log.Warningf("vfio: VFIO_GROUP_UNSET_CONTAINER on group fd %d: %v", groupFD, err)
		return
	}
	c.groups--
}

// Map implements pagetable.PageTable.Map.
func (c *Container) Map(iova, phys hostarch.Addr, length uint64, prot pagetable.Prot) error {
	p := dmaMap{
		Vaddr: uint64(phys),
		IOVA:  uint64(iova),
		Size:  length,
	}
	p.Argsz = argsz(&p)
	if prot&pagetable.Read != 0 {
		p.Flags |= VFIO_DMA_MAP_FLAG_READ
	}
	if prot&pagetable.Write != 0 {
		p.Flags |= VFIO_DMA_MAP_FLAG_WRITE
	}
	if _, err := ioctlInvokePtrArg[uint32](c.hostFD, VFIO_IOMMU_MAP_DMA, &p); err != nil {
		return fmt.Errorf("VFIO_IOMMU_MAP_DMA %v -> %v length %#x: %w", iova, phys, length, err)
	}
	return nil
}

// Unmap implements pagetable.PageTable.Unmap.
func (c *Container) Unmap(iova hostarch.Addr, length uint64) {
	p := dmaUnmap{
		IOVA: uint64(iova),
		Size: length,
	}
	p.Argsz = argsz(&p)
	if _, err := ioctlInvokePtrArg[uint32](c.hostFD, VFIO_IOMMU_UNMAP_DMA, &p); err != nil {
		log.Warningf("vfio: VFIO_IOMMU_UNMAP_DMA %v length %#x: %v", iova, length, err)
	}
}

// Release implements pagetable.PageTable.Release.
func (c *Container) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.groups != 0 {
		log.Warningf("vfio: releasing container %d with %d groups attached", c.hostFD, c.groups)
	}
	unix.Close(int(c.hostFD))
}

// Group is a VFIO group, /dev/vfio/<n>, usable as a domain device.
type Group struct {
	name   string
	hostFD int32
}

// OpenGroup opens the VFIO group at path and checks that it is viable, which
// requires every device of the group to be bound to a VFIO driver.
func OpenGroup(path string) (*Group, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	g := &Group{name: "vfio/" + filepath.Base(path), hostFD: int32(fd)}
	st := groupStatus{}
	st.Argsz = argsz(&st)
	if _, err := ioctlInvokePtrArg[uint32](g.hostFD, VFIO_GROUP_GET_STATUS, &st); err != nil {
		g.Close()
		return nil, fmt.Errorf("VFIO_GROUP_GET_STATUS %s: %w", path, err)
	}
	if st.Flags&VFIO_GROUP_FLAGS_VIABLE == 0 {
		g.Close()
		return nil, fmt.Errorf("group %s is not viable: %w", path, unix.EBUSY)
	}
	return g, nil
}

// Name returns the group name, such as "vfio/12".
func (g *Group) Name() string {
	return g.name
}

// AttachDomain binds g to pt, which must be a *Container.
func (g *Group) AttachDomain(pt pagetable.PageTable) error {
	c, ok := pt.(*Container)
	if !ok {
		return fmt.Errorf("%s: page table %T is not a VFIO container: %w", g.name, pt, unix.EINVAL)
	}
	return c.attachGroup(g.hostFD)
}

// DetachDomain unbinds g from pt.
func (g *Group) DetachDomain(pt pagetable.PageTable) {
	if c, ok := pt.(*Container); ok {
		c.detachGroup(g.hostFD)
	}
}

// Close closes the group file.
func (g *Group) Close() error {
	return unix.Close(int(g.hostFD))
}
