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

// Package domain implements IOMMU mapping domains.
//
// A Domain couples one IOVA allocator with one device page table. Devices
// attach to a domain and share its address space; the domain is destroyed
// when the creator's reference and every attachment have been dropped.
//
// Lock order:
//
//	Registry.mu
//	  iova.Allocator.mu
//
//	Domain.unmapMu
//	  iova.Allocator.mu
//
// The reference count is atomic and is never updated under either lock.
package domain

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/iommu/pkg/cleanup"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iova"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/refs"
	"gvisor.dev/iommu/pkg/sync"
)

// Aperture is the window of IOVAs a device can address. End is inclusive.
type Aperture struct {
	Start hostarch.Addr
	End   hostarch.Addr
}

// Options configures a Domain. The zero value selects the defaults.
type Options struct {
	// Name identifies the domain in logs and metrics.
	Name string

	// BitsPerBitmap is the number of pages each allocator bitmap tracks.
	// Zero selects eight bits per byte of one page, clamped to the domain
	// size.
	BitsPerBitmap uint32

	// MaxAlignOrder caps the size alignment of allocations. Zero selects
	// iova.MaxAlignOrder.
	MaxAlignOrder uint

	// PageShift is the binary log of the IOMMU page size. Zero selects
	// hostarch.PageShift.
	PageShift uint
}

// Device is a device that can be bound to a domain's page table.
type Device interface {
	// Name identifies the device in logs.
	Name() string

	// AttachDomain points the device at pt.
	AttachDomain(pt pagetable.PageTable) error

	// DetachDomain unbinds the device from pt.
	DetachDomain(pt pagetable.PageTable)
}

// Domain is a reference counted IOVA address space backed by a device page
// table.
type Domain struct {
	refs.Refs

	name      string
	pageShift uint
	alignMax  uint

	// space is [base, base+size) as requested at creation.
	space hostarch.AddrRange

	// usable is the page aligned intersection of space and the aperture.
	usable hostarch.AddrRange

	alloc *iova.Allocator
	pt    pagetable.PageTable

	// unmapMu serializes Unmap, so that a range is checked, unmapped from
	// the page table and freed by exactly one caller.
	unmapMu sync.Mutex

	// mapped is the number of bytes currently mapped through the domain.
	mapped atomic.Int64

	dead atomic.Bool

	warn log.Logger
}

// New creates a domain for [base, base+size) restricted to aperture, with
// page tables built by factory. The caller holds the only reference.
//
// Pages of the range below the aperture are reserved so that they are never
// handed out. Pages above it are past the allocator's page limit.
func New(base hostarch.Addr, size uint64, factory pagetable.Factory, aperture Aperture, opts Options) (*Domain, error) {
	if opts.PageShift == 0 {
		opts.PageShift = hostarch.PageShift
	}
	if opts.PageShift >= 32 {
		return nil, fmt.Errorf("page shift %d too large: %w", opts.PageShift, iommuerr.ErrInvalidArgument)
	}
	pageSize := uint64(1) << opts.PageShift
	if size == 0 || size&(pageSize-1) != 0 || uint64(base)&(pageSize-1) != 0 {
		return nil, fmt.Errorf("domain [%v, +%#x) is not page aligned: %w", base, size, iommuerr.ErrInvalidArgument)
	}
	space, ok := base.ToRange(size)
	if !ok {
		return nil, fmt.Errorf("domain [%v, +%#x) wraps: %w", base, size, iommuerr.ErrInvalidArgument)
	}
	if aperture.End < aperture.Start {
		return nil, fmt.Errorf("aperture [%v, %v] is empty: %w", aperture.Start, aperture.End, iommuerr.ErrInvalidArgument)
	}
	usable, ok := clamp(space, aperture, pageSize)
	if !ok {
		return nil, fmt.Errorf("domain %v outside aperture [%v, %v]: %w", space, aperture.Start, aperture.End, iommuerr.ErrOutOfAperture)
	}
	if factory == nil {
		return nil, fmt.Errorf("nil page table factory: %w", iommuerr.ErrInvalidArgument)
	}
	if opts.MaxAlignOrder == 0 || opts.MaxAlignOrder > iova.MaxAlignOrder {
		opts.MaxAlignOrder = iova.MaxAlignOrder
	}

	pages := size >> opts.PageShift
	per := uint64(opts.BitsPerBitmap)
	if per == 0 {
		per = pageSize * 8
		if per > pages {
			per = pages
		}
	}
	if per > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%d bits per bitmap: %w", per, iommuerr.ErrInvalidArgument)
	}
	count := (pages + per - 1) / per
	if count-1 > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%d bitmaps of %d pages: %w", count, per, iommuerr.ErrInvalidArgument)
	}

	if opts.Name == "" {
		opts.Name = fmt.Sprintf("domain@%v", base)
	}
	d := &Domain{
		name:      opts.Name,
		pageShift: opts.PageShift,
		alignMax:  opts.MaxAlignOrder,
		space:     space,
		usable:    usable,
		warn:      log.PrefixedLogger(log.BasicRateLimitedLogger(time.Second), opts.Name+": "),
	}

	alloc, err := iova.NewAllocator(iova.Options{
		Base:          base,
		BitsPerBitmap: uint32(per),
		Extensions:    uint32(count - 1),
		PageShift:     opts.PageShift,
		Pages:         uint64(usable.End-base) >> opts.PageShift,
	})
	if err != nil {
		return nil, fmt.Errorf("creating allocator for %v: %w", space, err)
	}
	d.alloc = alloc
	cu := cleanup.Make(alloc.Release)
	defer cu.Clean()

	if usable.Start > space.Start {
		if err := d.reserve(space.Start, usable.Start); err != nil {
			return nil, err
		}
	}

	pt, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating page table for %s: %w", d.name, err)
	}
	d.pt = pt

	d.InitRefs(d.name)
	cu.Release()
	domainsCreated(d)
	log.Debugf("domain: created %s for %v, usable %v, %d bitmaps of %d pages", d.name, space, usable, count, per)
	return d, nil
}

// clamp returns the page aligned part of space within aperture.
func clamp(space hostarch.AddrRange, aperture Aperture, pageSize uint64) (hostarch.AddrRange, bool) {
	last := space.End - 1
	if aperture.Start > last || aperture.End < space.Start {
		return hostarch.AddrRange{}, false
	}
	lo := max(space.Start, aperture.Start)
	hi := min(last, aperture.End)
	start := hostarch.Addr(hostarch.RoundUp(uint64(lo), pageSize))
	if start < lo {
		return hostarch.AddrRange{}, false
	}
	// hi < space.End, so hi+1 cannot wrap.
	end := hostarch.RoundDown(uint64(hi)+1, pageSize)
	if hostarch.Addr(end) <= start {
		return hostarch.AddrRange{}, false
	}
	return hostarch.AddrRange{Start: start, End: hostarch.Addr(end)}, true
}

// reserve reserves the page aligned range [start, end).
func (d *Domain) reserve(start, end hostarch.Addr) error {
	if err := d.alloc.Reserve(start, uint64(end-start)>>d.pageShift); err != nil {
		return fmt.Errorf("reserving [%v, %v) of %s: %w", start, end, d.name, err)
	}
	return nil
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// Range returns the IOVA range the domain was created for.
func (d *Domain) Range() hostarch.AddrRange {
	return d.space
}

// Usable returns the part of Range that lies within the aperture.
func (d *Domain) Usable() hostarch.AddrRange {
	return d.usable
}

// PageSize returns the IOMMU page size of the domain.
func (d *Domain) PageSize() uint64 {
	return uint64(1) << d.pageShift
}

// PageTable returns the page table of the domain.
func (d *Domain) PageTable() pagetable.PageTable {
	return d.pt
}

// Stats returns the allocator statistics of the domain.
func (d *Domain) Stats() iova.Stats {
	return d.alloc.Stats()
}

// MappedBytes returns the number of bytes currently mapped.
func (d *Domain) MappedBytes() uint64 {
	return uint64(d.mapped.Load())
}

// Dead returns whether the last reference has been dropped.
func (d *Domain) Dead() bool {
	return d.dead.Load()
}

// Attach takes a reference on d and binds dev to its page table. If dev
// fails to attach the reference is dropped again, which destroys d if the
// caller has already released its own.
func (d *Domain) Attach(dev Device) error {
	if !d.TryIncRef() {
		return fmt.Errorf("attach %s to %s: domain destroyed: %w", dev.Name(), d.name, iommuerr.ErrInvalidArgument)
	}
	if err := dev.AttachDomain(d.pt); err != nil {
		d.DecRef()
		return fmt.Errorf("attach %s to %s: %w", dev.Name(), d.name, err)
	}
	log.Debugf("domain: attached %s to %s", dev.Name(), d.name)
	return nil
}

// Detach unbinds dev from the page table of d and drops the reference taken
// by Attach.
func (d *Domain) Detach(dev Device) {
	dev.DetachDomain(d.pt)
	log.Debugf("domain: detached %s from %s", dev.Name(), d.name)
	d.DecRef()
}

// Release drops the creator's reference. Each reference may be dropped once;
// dropping more references than were taken panics.
func (d *Domain) Release() {
	d.DecRef()
}

// DecRef drops one reference and destroys d when it was the last one.
func (d *Domain) DecRef() {
	d.Refs.DecRef(d.destroy)
}

// destroy frees every bitmap and the page table.
func (d *Domain) destroy() {
	d.dead.Store(true)
	if n := d.mapped.Swap(0); n != 0 {
		log.Warningf("domain: destroying %s with %d bytes still mapped", d.name, n)
		mappedBytesAdd(d, -n)
	}
	d.pt.Release()
	d.alloc.Release()
	domainsDestroyed(d)
	log.Debugf("domain: destroyed %s", d.name)
}

// pages returns the number of pages covering [addr, addr+length) and the first
// page's address.
func (d *Domain) pages(addr hostarch.Addr, length uint64) (hostarch.Addr, uint64, bool) {
	mask := d.PageSize() - 1
	start := addr &^ hostarch.Addr(mask)
	end, ok := addr.AddLength(length)
	if !ok {
		return 0, 0, false
	}
	last := hostarch.RoundUp(uint64(end), d.PageSize())
	if last < uint64(end) {
		return 0, 0, false
	}
	return start, (last - uint64(start)) >> d.pageShift, true
}

