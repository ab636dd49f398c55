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

package domain

import (
	"fmt"

	"gvisor.dev/iommu/pkg/cleanup"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/sg"
)

// Direction is the direction of a DMA transfer.
type Direction int

const (
	// Bidirectional transfers may go either way.
	Bidirectional Direction = iota

	// ToDevice transfers are read by the device.
	ToDevice

	// FromDevice transfers are written by the device.
	FromDevice

	// None is not a valid mapping direction.
	None
)

// String implements fmt.Stringer.String.
func (dir Direction) String() string {
	switch dir {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case None:
		return "none"
	default:
		return fmt.Sprintf("Direction(%d)", int(dir))
	}
}

// Prot returns the page-table permissions for a transfer in direction dir.
func Prot(dir Direction, coherent bool) (pagetable.Prot, error) {
	var p pagetable.Prot
	switch dir {
	case Bidirectional:
		p = pagetable.ReadWrite
	case ToDevice:
		p = pagetable.Read
	case FromDevice:
		p = pagetable.Write
	default:
		return 0, fmt.Errorf("direction %v: %w", dir, iommuerr.ErrInvalidArgument)
	}
	if coherent {
		p |= pagetable.CacheCoherent
	}
	return p, nil
}

func (d *Domain) checkLive() error {
	if d.dead.Load() {
		return fmt.Errorf("%s destroyed: %w", d.name, iommuerr.ErrInvalidArgument)
	}
	return nil
}

// MapPage maps size bytes of physically contiguous memory at phys and returns
// the IOVA of phys. phys need not be page aligned.
func (d *Domain) MapPage(phys hostarch.Addr, size uint64, dir Direction, coherent bool) (hostarch.Addr, error) {
	prot, err := Prot(dir, coherent)
	if err != nil {
		return 0, err
	}
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("zero length mapping of %v: %w", phys, iommuerr.ErrInvalidArgument)
	}
	start, npages, ok := d.pages(phys, size)
	if !ok {
		return 0, fmt.Errorf("mapping %v length %#x wraps: %w", phys, size, iommuerr.ErrInvalidArgument)
	}
	addr, err := d.alloc.Alloc(npages, d.alignMax)
	if err != nil {
		d.allocFailed(npages, err)
		return 0, err
	}
	length := npages << d.pageShift
	if err := d.pt.Map(addr, start, length, prot); err != nil {
		d.freeLogged(addr, npages)
		return 0, fmt.Errorf("%s: map %v -> %v length %#x: %w: %w", d.name, addr, start, length, iommuerr.ErrPageTableMapFailed, err)
	}
	d.accountMapped(int64(length))
	return addr + (phys - start), nil
}

// MapSegments maps every segment of segs into one IOVA run and rewrites segs
// into device segments, as described by sg.Finalize. It returns the number of
// device segments.
//
// boundaryMask is the device's segment boundary less one, or all ones. On
// failure segs is left as the caller passed it.
func (d *Domain) MapSegments(segs []sg.Segment, dir Direction, coherent bool, boundaryMask, maxSegmentSize uint64) (int, error) {
	prot, err := Prot(dir, coherent)
	if err != nil {
		return 0, err
	}
	if err := d.checkLive(); err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, fmt.Errorf("empty segment list: %w", iommuerr.ErrInvalidArgument)
	}
	if maxSegmentSize == 0 {
		return 0, fmt.Errorf("zero max segment size: %w", iommuerr.ErrInvalidArgument)
	}
	if (boundaryMask+1)&boundaryMask != 0 || boundaryMask < d.PageSize()-1 {
		return 0, fmt.Errorf("boundary mask %#x: %w", boundaryMask, iommuerr.ErrInvalidArgument)
	}
	for i := range segs {
		if segs[i].Length == 0 {
			return 0, fmt.Errorf("segment %d is empty: %w", i, iommuerr.ErrInvalidArgument)
		}
		if _, ok := segs[i].Phys.AddLength(segs[i].Offset + segs[i].Length); !ok || segs[i].Offset+segs[i].Length < segs[i].Length {
			return 0, fmt.Errorf("segment %d wraps: %w", i, iommuerr.ErrInvalidArgument)
		}
	}

	total := sg.Prepare(segs, d.PageSize(), boundaryMask)
	cu := cleanup.Make(func() { sg.Restore(segs) })
	defer cu.Clean()

	npages := total >> d.pageShift
	addr, err := d.allocSegments(npages, total, boundaryMask)
	if err != nil {
		d.allocFailed(npages, err)
		return 0, err
	}
	cu.Add(func() { d.freeLogged(addr, npages) })

	for _, r := range sg.Runs(segs) {
		iova := addr + hostarch.Addr(r.Offset)
		if err := d.pt.Map(iova, r.Phys, r.Length, prot); err != nil {
			return 0, fmt.Errorf("%s: map %v -> %v length %#x: %w: %w", d.name, iova, r.Phys, r.Length, iommuerr.ErrPageTableMapFailed, err)
		}
		length := r.Length
		cu.Add(func() { d.pt.Unmap(iova, length) })
	}

	cu.Release()
	d.accountMapped(int64(total))
	return sg.Finalize(segs, addr, boundaryMask, maxSegmentSize), nil
}

// allocSegments allocates the IOVA run for a prepared segment list of total
// bytes.
func (d *Domain) allocSegments(npages, total, boundaryMask uint64) (hostarch.Addr, error) {
	window := boundaryMask + 1
	if window == 0 {
		return d.alloc.Alloc(npages, d.alignMax)
	}
	if total > window {
		// Padding assumes the run starts on a window boundary.
		return d.alloc.AllocAligned(npages, window>>d.pageShift)
	}
	addr, err := d.alloc.Alloc(npages, d.alignMax)
	if err != nil {
		return 0, err
	}
	if fitsWindow(addr, total, boundaryMask) {
		return addr, nil
	}
	// A run aligned to its own size rounded up to a power of two stays
	// within one window.
	if err := d.alloc.Free(addr, npages); err != nil {
		return 0, fmt.Errorf("%s: %w", d.name, err)
	}
	return d.alloc.AllocAligned(npages, uint64(1)<<hostarch.Order(npages))
}

// fitsWindow returns whether a run of total bytes at addr stays within one
// boundary window.
func fitsWindow(addr hostarch.Addr, total, boundaryMask uint64) bool {
	return uint64(addr)&^boundaryMask == (uint64(addr)+total-1)&^boundaryMask
}

// Unmap removes the mapping covering [iova, iova+size) and frees its IOVAs.
// The range is widened to whole pages. Every page must be allocated and none
// reserved, otherwise ErrInvalidRegion is returned and nothing is unmapped.
func (d *Domain) Unmap(iova hostarch.Addr, size uint64) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("zero length unmap at %v: %w", iova, iommuerr.ErrInvalidRegion)
	}
	start, npages, ok := d.pages(iova, size)
	if !ok {
		return fmt.Errorf("%s: unmap [%v, +%#x) wraps: %w", d.name, iova, size, iommuerr.ErrInvalidRegion)
	}

	d.unmapMu.Lock()
	defer d.unmapMu.Unlock()
	if !d.alloc.IsAllocated(start, npages) {
		return fmt.Errorf("%s: unmap [%v, +%#x) is not mapped: %w", d.name, iova, size, iommuerr.ErrInvalidRegion)
	}
	length := npages << d.pageShift
	// The run stays allocated until the page table no longer maps it.
	d.pt.Unmap(start, length)
	if err := d.alloc.Free(start, npages); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	d.accountMapped(-int64(length))
	return nil
}

// UnmapSegments unmaps a list rewritten by a successful MapSegments and
// resets its DMA fields.
func (d *Domain) UnmapSegments(segs []sg.Segment) error {
	mapped := sg.Mapped(segs)
	if len(mapped) == 0 {
		return fmt.Errorf("segment list is not mapped: %w", iommuerr.ErrInvalidRegion)
	}
	first, last := mapped[0], mapped[len(mapped)-1]
	if last.End() <= first.Addr {
		return fmt.Errorf("segment list is not in IOVA order: %w", iommuerr.ErrInvalidRegion)
	}
	if err := d.Unmap(first.Addr, uint64(last.End()-first.Addr)); err != nil {
		return err
	}
	sg.Restore(segs)
	return nil
}

// ReserveFixed keeps [iova, iova+size), widened to whole pages, from ever
// being allocated. The range must lie within the domain.
func (d *Domain) ReserveFixed(iova hostarch.Addr, size uint64) error {
	if err := d.checkLive(); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("zero length reservation at %v: %w", iova, iommuerr.ErrInvalidArgument)
	}
	start, npages, ok := d.pages(iova, size)
	if !ok {
		return fmt.Errorf("reservation at %v length %#x wraps: %w", iova, size, iommuerr.ErrOutOfRange)
	}
	r := hostarch.AddrRange{Start: start, End: start + hostarch.Addr(npages<<d.pageShift)}
	if !d.space.IsSupersetOf(r) {
		return fmt.Errorf("%s: reservation %v outside %v: %w", d.name, r, d.space, iommuerr.ErrOutOfRange)
	}
	// Pages outside the aperture are never handed out anyway.
	r = r.Intersect(d.usable)
	if r.Length() == 0 {
		return nil
	}
	if err := d.alloc.Reserve(r.Start, r.Length()>>d.pageShift); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return nil
}

// freeLogged frees an IOVA run on a rollback path.
func (d *Domain) freeLogged(addr hostarch.Addr, npages uint64) {
	if err := d.alloc.Free(addr, npages); err != nil {
		d.warn.Warningf("freeing %d pages at %v: %v", npages, addr, err)
	}
}

func (d *Domain) allocFailed(npages uint64, err error) {
	allocFailuresAdd(d)
	d.warn.Warningf("allocating %d pages: %v", npages, err)
}

func (d *Domain) accountMapped(n int64) {
	d.mapped.Add(n)
	mappedBytesAdd(d, n)
}
