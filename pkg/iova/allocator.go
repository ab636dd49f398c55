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

package iova

import (
	"errors"
	"fmt"

	"gvisor.dev/iommu/pkg/bitmap"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/sync"
)

// MaxAlignOrder is the largest alignment order Alloc will ever search for.
// It bounds the search cost of very large requests.
const MaxAlignOrder = 8

// Options configures an Allocator.
type Options struct {
	// Base is the first IOVA of the space. It must be page aligned.
	Base hostarch.Addr

	// BitsPerBitmap is the number of pages tracked by each bitmap.
	BitsPerBitmap uint32

	// Extensions is the number of bitmaps that may be appended after the
	// first one.
	Extensions uint32

	// PageShift is the binary log of the page size. Zero selects
	// hostarch.PageShift.
	PageShift uint

	// Pages is the number of pages, from Base, that may be allocated or
	// reserved. Zero selects every page of the fully extended space. The
	// last bitmap is only used up to Pages and no bitmap past it is created.
	Pages uint64
}

// Allocator hands out and reclaims aligned, contiguous page ranges of an IOVA
// space. All methods are safe for concurrent use; they are serialized by a
// single mutex whose worst-case hold time is a linear scan of every bitmap.
type Allocator struct {
	mu sync.Mutex

	// +checklocks:mu
	s store

	// released is set once Release has dropped the bitmaps.
	//
	// +checklocks:mu
	released bool
}

// Stats is a point-in-time summary of an Allocator.
type Stats struct {
	// Bitmaps is the number of bitmaps currently allocated.
	Bitmaps int

	// MaxBitmaps is the number of bitmaps the store may grow to.
	MaxBitmaps int

	// PagesSet is the number of allocated or reserved pages.
	PagesSet uint64

	// ReservedPages is the number of reserved pages.
	ReservedPages uint64

	// CapacityPages is the number of usable pages in allocated bitmaps.
	CapacityPages uint64
}

// NewAllocator returns an Allocator with its first bitmap in place.
func NewAllocator(opts Options) (*Allocator, error) {
	return newAllocator(opts, bitmap.New)
}

func newAllocator(opts Options, newBitmap func(uint32) (*bitmap.Bitmap, error)) (*Allocator, error) {
	if opts.PageShift == 0 {
		opts.PageShift = hostarch.PageShift
	}
	if opts.PageShift >= 32 {
		return nil, fmt.Errorf("page shift %d too large: %w", opts.PageShift, iommuerr.ErrInvalidArgument)
	}
	if opts.BitsPerBitmap == 0 || opts.BitsPerBitmap > bitmap.MaxBitEntryLimit {
		return nil, fmt.Errorf("bits per bitmap %d out of range: %w", opts.BitsPerBitmap, iommuerr.ErrInvalidArgument)
	}
	if uint64(opts.Base)&(uint64(1)<<opts.PageShift-1) != 0 {
		return nil, fmt.Errorf("base %v not page aligned: %w", opts.Base, iommuerr.ErrInvalidArgument)
	}
	a := &Allocator{
		s: store{
			base:          opts.Base,
			pageShift:     opts.PageShift,
			bitsPerBitmap: opts.BitsPerBitmap,
			extensions:    opts.Extensions,
			newBitmap:     newBitmap,
		},
	}
	// The end of the fully extended space must be representable.
	maxBytes := a.s.maxPages() << opts.PageShift
	if maxBytes>>opts.PageShift != a.s.maxPages() {
		return nil, fmt.Errorf("%d bitmaps of %d pages overflow: %w", opts.Extensions+1, opts.BitsPerBitmap, iommuerr.ErrInvalidArgument)
	}
	if _, ok := opts.Base.AddLength(maxBytes); !ok {
		return nil, fmt.Errorf("space at %v of %#x bytes overflows: %w", opts.Base, maxBytes, iommuerr.ErrInvalidArgument)
	}
	a.s.limit = a.s.maxPages()
	if opts.Pages != 0 {
		if opts.Pages > a.s.limit {
			return nil, fmt.Errorf("%d pages exceed the %d pages of %d bitmaps: %w", opts.Pages, a.s.limit, opts.Extensions+1, iommuerr.ErrInvalidArgument)
		}
		a.s.limit = opts.Pages
	}
	if err := a.s.extend(); err != nil {
		return nil, err
	}
	return a, nil
}

// Base returns the first IOVA of the space.
func (a *Allocator) Base() hostarch.Addr {
	return a.s.base
}

// PageSize returns the allocation granule in bytes.
func (a *Allocator) PageSize() uint64 {
	return uint64(1) << a.s.pageShift
}

// BitsPerBitmap returns the number of pages covered by each bitmap.
func (a *Allocator) BitsPerBitmap() uint32 {
	return a.s.bitsPerBitmap
}

// Extensions returns the number of bitmaps that may follow the first one.
func (a *Allocator) Extensions() uint32 {
	return a.s.extensions
}

// Limit returns the end of the usable space once every permitted bitmap
// exists.
func (a *Allocator) Limit() hostarch.Addr {
	return a.s.base + hostarch.Addr(a.s.limit<<a.s.pageShift)
}

// NumBitmaps returns the number of bitmaps currently allocated.
func (a *Allocator) NumBitmaps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.s.bitmaps)
}

// Stats returns a summary of the allocator state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Bitmaps:       len(a.s.bitmaps),
		MaxBitmaps:    a.s.maxBitmaps(),
		CapacityPages: a.s.capacity(),
	}
	for i, b := range a.s.bitmaps {
		st.PagesSet += uint64(b.GetNumOnes())
		if r := a.s.reserved[i]; r != nil {
			st.ReservedPages += uint64(r.GetNumOnes())
		}
	}
	return st
}

// Snapshot returns copies of every bitmap, in order.
func (a *Allocator) Snapshot() []*bitmap.Bitmap {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*bitmap.Bitmap, len(a.s.bitmaps))
	for i, b := range a.s.bitmaps {
		out[i] = b.Clone()
	}
	return out
}

// Contains returns whether the page holding iova is allocated or reserved.
func (a *Allocator) Contains(iova hostarch.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	page, err := a.s.page(iova &^ hostarch.Addr(uint64(1)<<a.s.pageShift-1))
	if err != nil {
		return false
	}
	per := uint64(a.s.bitsPerBitmap)
	index := page / per
	if page >= a.s.limit || index >= uint64(len(a.s.bitmaps)) {
		return false
	}
	return a.s.bitmaps[index].Test(uint32(page % per))
}

// alignMask returns the bit alignment mask for an npages request.
func alignMask(npages uint64, maxAlignOrder uint) uint32 {
	order := hostarch.Order(npages)
	if order > maxAlignOrder {
		order = maxAlignOrder
	}
	if order > MaxAlignOrder {
		order = MaxAlignOrder
	}
	return uint32(1)<<order - 1
}

// Alloc allocates npages contiguous pages and returns the IOVA of the first.
//
// The run is aligned to the request's size order, capped at maxAlignOrder and
// MaxAlignOrder. If no existing bitmap has an aligned hole, a page aligned
// hole is accepted instead, and only then is a new bitmap appended and tried
// once. A request larger than one bitmap can never be satisfied and fails
// without extending the store.
func (a *Allocator) Alloc(npages uint64, maxAlignOrder uint) (hostarch.Addr, error) {
	if npages == 0 {
		return 0, fmt.Errorf("zero page allocation: %w", iommuerr.ErrInvalidArgument)
	}
	if npages > uint64(a.s.bitsPerBitmap) {
		return 0, fmt.Errorf("%d pages exceed the %d pages of one bitmap: %w", npages, a.s.bitsPerBitmap, iommuerr.ErrOutOfIovaSpace)
	}
	n := uint32(npages)
	mask := alignMask(npages, maxAlignOrder)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return 0, fmt.Errorf("allocator released: %w", iommuerr.ErrInvalidArgument)
	}

	masks := []uint64{uint64(mask)}
	if mask != 0 {
		masks = append(masks, 0)
	}
	for _, m := range masks {
		for i := range a.s.bitmaps {
			if addr, ok := a.takeLocked(i, n, m, 0); ok {
				return addr, nil
			}
		}
	}

	i, err := a.extendForLocked(npages)
	if err != nil {
		return 0, err
	}
	for _, m := range masks {
		if addr, ok := a.takeLocked(i, n, m, 0); ok {
			return addr, nil
		}
	}
	// Only a last bitmap cut short by the page limit can miss.
	return 0, fmt.Errorf("no room for %d pages in new bitmap: %w", npages, iommuerr.ErrOutOfIovaSpace)
}

// AllocAligned allocates npages contiguous pages whose first IOVA is a
// multiple of alignPages pages, and returns that IOVA. alignPages must be a
// power of two.
//
// Unlike Alloc, the alignment is mandatory: it is never capped or relaxed,
// and it is measured on absolute IOVAs rather than from the start of each
// bitmap. The search and extension order is the same.
func (a *Allocator) AllocAligned(npages, alignPages uint64) (hostarch.Addr, error) {
	if npages == 0 {
		return 0, fmt.Errorf("zero page allocation: %w", iommuerr.ErrInvalidArgument)
	}
	if !hostarch.IsPowerOfTwo(alignPages) {
		return 0, fmt.Errorf("alignment of %d pages: %w", alignPages, iommuerr.ErrInvalidArgument)
	}
	if npages > uint64(a.s.bitsPerBitmap) {
		return 0, fmt.Errorf("%d pages exceed the %d pages of one bitmap: %w", npages, a.s.bitsPerBitmap, iommuerr.ErrOutOfIovaSpace)
	}
	n := uint32(npages)
	mask := alignPages - 1

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return 0, fmt.Errorf("allocator released: %w", iommuerr.ErrInvalidArgument)
	}
	for i := range a.s.bitmaps {
		if addr, ok := a.takeLocked(i, n, mask, a.s.firstPage(i)); ok {
			return addr, nil
		}
	}
	i, err := a.extendForLocked(npages)
	if err != nil {
		return 0, err
	}
	if addr, ok := a.takeLocked(i, n, mask, a.s.firstPage(i)); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no run of %d pages aligned to %d pages: %w", npages, alignPages, iommuerr.ErrOutOfIovaSpace)
}

// takeLocked marks the first free run of n bits in bitmap index whose bit
// number plus phase is a multiple of mask+1, and returns its IOVA.
//
// +checklocks:a.mu
func (a *Allocator) takeLocked(index int, n uint32, mask, phase uint64) (hostarch.Addr, bool) {
	b := a.s.bitmaps[index]
	bit, ok := b.FindAlignedZeroRun(0, a.s.usableBits(index), n, mask, phase)
	if !ok {
		return 0, false
	}
	b.SetRange(bit, bit+n)
	return a.s.addr(index, bit), true
}

// extendForLocked appends a bitmap for an npages request that did not fit and
// returns its index.
//
// +checklocks:a.mu
func (a *Allocator) extendForLocked(npages uint64) (int, error) {
	if err := a.s.extend(); err != nil {
		if errors.Is(err, iommuerr.ErrExtensionLimitReached) {
			return 0, fmt.Errorf("no room for %d pages in %d bitmaps: %w", npages, len(a.s.bitmaps), iommuerr.ErrOutOfIovaSpace)
		}
		return 0, err
	}
	i := len(a.s.bitmaps) - 1
	log.Debugf("iova: extended %v to %d bitmaps for %d pages", a.s.base, i+1, npages)
	return i, nil
}

// Free releases npages pages starting at iova. Every page must currently be
// allocated and none may be reserved; otherwise ErrInvalidRegion is returned
// and nothing changes. A range that spans several bitmaps, as adjacent
// allocations may form, is freed in one call.
func (a *Allocator) Free(iova hostarch.Addr, npages uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	spans, err := a.freeableLocked(iova, npages)
	if err != nil {
		return err
	}
	for _, sp := range spans {
		a.s.bitmaps[sp.index].ClearRange(sp.start, sp.end)
	}
	return nil
}

// IsAllocated returns whether every page of [iova, +npages) is allocated and
// not reserved, that is whether Free(iova, npages) would succeed.
func (a *Allocator) IsAllocated(iova hostarch.Addr, npages uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.freeableLocked(iova, npages)
	return err == nil
}

// freeableLocked returns the spans of [iova, +npages) if the range may be
// freed.
//
// +checklocks:a.mu
func (a *Allocator) freeableLocked(iova hostarch.Addr, npages uint64) ([]span, error) {
	spans, err := a.checkedSpansLocked(iova, npages)
	if err != nil {
		return nil, err
	}
	for _, sp := range spans {
		if !a.s.bitmaps[sp.index].IsRangeSet(sp.start, sp.end) {
			return nil, fmt.Errorf("[%v, +%d pages) is not fully allocated: %w", iova, npages, iommuerr.ErrInvalidRegion)
		}
		if a.s.isReserved(sp) {
			return nil, fmt.Errorf("[%v, +%d pages) is reserved: %w", iova, npages, iommuerr.ErrInvalidRegion)
		}
	}
	return spans, nil
}

// checkedSpansLocked validates that [iova, +npages) lies within the allocated
// bitmaps and splits it per bitmap.
//
// +checklocks:a.mu
func (a *Allocator) checkedSpansLocked(iova hostarch.Addr, npages uint64) ([]span, error) {
	if a.released {
		return nil, fmt.Errorf("allocator released: %w", iommuerr.ErrInvalidRegion)
	}
	if npages == 0 {
		return nil, fmt.Errorf("zero page range at %v: %w", iova, iommuerr.ErrInvalidRegion)
	}
	first, err := a.s.page(iova)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, iommuerr.ErrInvalidRegion)
	}
	have := a.s.capacity()
	if first >= have || npages > have-first {
		return nil, fmt.Errorf("[%v, +%d pages) outside allocated bitmaps: %w", iova, npages, iommuerr.ErrInvalidRegion)
	}
	return a.s.spans(first, npages), nil
}

// Reserve marks npages pages starting at iova as occupied without searching,
// for windows whose addresses are fixed by firmware or hardware. The range
// may span bitmaps; missing bitmaps up to the range's end are created empty.
// Reserving is idempotent, and a reserved page can never be freed, even if it
// was allocated before. ErrOutOfRange is returned for a range past Limit.
func (a *Allocator) Reserve(iova hostarch.Addr, npages uint64) error {
	if npages == 0 {
		return fmt.Errorf("zero page reservation: %w", iommuerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return fmt.Errorf("allocator released: %w", iommuerr.ErrInvalidArgument)
	}
	first, err := a.s.page(iova)
	if err != nil {
		return err
	}
	if limit := a.s.limit; first >= limit || npages > limit-first {
		return fmt.Errorf("[%v, +%d pages) beyond %d addressable pages: %w", iova, npages, limit, iommuerr.ErrOutOfRange)
	}
	end := first + npages
	per := uint64(a.s.bitsPerBitmap)
	for uint64(len(a.s.bitmaps))*per < end {
		if err := a.s.extend(); err != nil {
			return err
		}
	}
	spans := a.s.spans(first, npages)
	for _, sp := range spans {
		if _, err := a.s.reservedBitmap(sp.index); err != nil {
			return err
		}
	}
	for _, sp := range spans {
		a.s.bitmaps[sp.index].SetRange(sp.start, sp.end)
		a.s.reserved[sp.index].SetRange(sp.start, sp.end)
	}
	return nil
}

// Extend appends one empty bitmap.
func (a *Allocator) Extend() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return fmt.Errorf("allocator released: %w", iommuerr.ErrInvalidArgument)
	}
	return a.s.extend()
}

// Release drops every bitmap. The allocator cannot be used afterwards.
func (a *Allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.bitmaps = nil
	a.s.reserved = nil
	a.released = true
}
