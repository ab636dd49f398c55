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

// Package iova implements an extensible, bitmap-backed allocator for I/O
// virtual address space.
//
// The space starts at a base address and is carved into equally sized slices,
// each tracked by one bitmap with one bit per page. Only the first bitmap
// exists up front; further bitmaps are appended on demand up to a fixed
// extension limit. A page limit may cut the last bitmap short. An allocation never spans two bitmaps and is found by a
// linear first-fit scan starting at the first bitmap, so freed holes are
// reused before the space grows. Freed ranges are never merged or compacted.
//
// Reserved pages are tracked apart from allocated ones and are never freed.
package iova

import (
	"fmt"

	"gvisor.dev/iommu/pkg/bitmap"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
)

// store is the ordered sequence of bitmaps backing an Allocator. It is not
// synchronized; Allocator serializes all access.
//
// Invariants: len(bitmaps) <= maxBitmaps(); len(reserved) == len(bitmaps); a
// bit set in reserved is also set in bitmaps; no bit at or past limit is set.
type store struct {
	// The following fields are immutable.
	base          hostarch.Addr
	pageShift     uint
	bitsPerBitmap uint32
	extensions    uint32

	// limit is the number of pages, from base, that may ever be used.
	limit uint64

	// newBitmap allocates one zeroed bitmap. It is replaced in tests.
	newBitmap func(size uint32) (*bitmap.Bitmap, error)

	// bitmaps has a bit set for every allocated or reserved page.
	bitmaps []*bitmap.Bitmap

	// reserved has a bit set for every reserved page. Entries are nil
	// until the first reservation in the matching bitmap.
	reserved []*bitmap.Bitmap
}

// bitmapBytes returns the number of IOVA bytes covered by one bitmap.
func (s *store) bitmapBytes() uint64 {
	return uint64(s.bitsPerBitmap) << s.pageShift
}

// maxPages returns the number of pages the store can address once fully
// extended, ignoring limit.
func (s *store) maxPages() uint64 {
	return (uint64(s.extensions) + 1) * uint64(s.bitsPerBitmap)
}

// maxBitmaps returns the number of bitmaps needed to reach limit.
func (s *store) maxBitmaps() int {
	per := uint64(s.bitsPerBitmap)
	return int((s.limit + per - 1) / per)
}

// capacity returns the number of usable pages in the existing bitmaps.
func (s *store) capacity() uint64 {
	return min(uint64(len(s.bitmaps))*uint64(s.bitsPerBitmap), s.limit)
}

// usableBits returns the number of bits of bitmap index below limit.
func (s *store) usableBits(index int) uint32 {
	first := uint64(index) * uint64(s.bitsPerBitmap)
	return uint32(min(uint64(s.bitsPerBitmap), s.limit-first))
}

// firstPage returns the absolute page number of bit 0 of bitmap index.
func (s *store) firstPage(index int) uint64 {
	return uint64(s.base)>>s.pageShift + uint64(index)*uint64(s.bitsPerBitmap)
}

// addr returns the absolute IOVA of the given bit of bitmap index.
func (s *store) addr(index int, bit uint32) hostarch.Addr {
	return s.base + hostarch.Addr(uint64(index)*s.bitmapBytes()) + hostarch.Addr(uint64(bit)<<s.pageShift)
}

// page returns the page number of iova relative to base.
func (s *store) page(iova hostarch.Addr) (uint64, error) {
	if iova < s.base {
		return 0, fmt.Errorf("%v below base %v: %w", iova, s.base, iommuerr.ErrOutOfRange)
	}
	off := uint64(iova - s.base)
	if off&(uint64(1)<<s.pageShift-1) != 0 {
		return 0, fmt.Errorf("%v is not page aligned: %w", iova, iommuerr.ErrInvalidArgument)
	}
	return off >> s.pageShift, nil
}

// extend appends one zeroed bitmap.
func (s *store) extend() error {
	if len(s.bitmaps) >= s.maxBitmaps() {
		return fmt.Errorf("%d bitmaps in use: %w", len(s.bitmaps), iommuerr.ErrExtensionLimitReached)
	}
	b, err := s.newBitmap(s.bitsPerBitmap)
	if err != nil {
		return fmt.Errorf("allocating bitmap %d: %v: %w", len(s.bitmaps), err, iommuerr.ErrNoMemory)
	}
	s.bitmaps = append(s.bitmaps, b)
	s.reserved = append(s.reserved, nil)
	return nil
}

// reservedBitmap returns the reserved bitmap of index, creating it if needed.
func (s *store) reservedBitmap(index int) (*bitmap.Bitmap, error) {
	if r := s.reserved[index]; r != nil {
		return r, nil
	}
	r, err := s.newBitmap(s.bitsPerBitmap)
	if err != nil {
		return nil, fmt.Errorf("allocating reserved bitmap %d: %v: %w", index, err, iommuerr.ErrNoMemory)
	}
	s.reserved[index] = r
	return r, nil
}

// isReserved returns whether any page of sp is reserved.
func (s *store) isReserved(sp span) bool {
	r := s.reserved[sp.index]
	return r != nil && !r.IsRangeClear(sp.start, sp.end)
}

// span is the portion of a page range that falls into one bitmap.
type span struct {
	index      int
	start, end uint32
}

// spans splits the page range [first, first+npages) into per-bitmap pieces.
// The caller has checked that the range is below limit.
func (s *store) spans(first, npages uint64) []span {
	var out []span
	per := uint64(s.bitsPerBitmap)
	for p, end := first, first+npages; p < end; {
		index := p / per
		start := p % per
		stop := per
		if rem := end - (index * per); rem < stop {
			stop = rem
		}
		out = append(out, span{index: int(index), start: uint32(start), end: uint32(stop)})
		p = index*per + stop
	}
	return out
}
