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

// Package sg coalesces scatter-gather lists for DMA.
//
// A mapping request describes memory as a list of segments, each placed
// independently in physical memory. Once the segments have been laid out back
// to back in one freshly allocated IOVA run, Finalize merges neighbours into
// the fewest contiguous device-visible segments that still respect the
// device's maximum segment size and segment boundary. Until every page-table
// mapping for the run has succeeded the list stays reversible: Prepare keeps
// a copy of each segment's physical layout and Restore puts it back.
//
// Typical use:
//
//	total := sg.Prepare(segs, pageSize, boundaryMask)
//	iova := allocate(total)
//	for _, r := range sg.Runs(segs) {
//		if err := pt.Map(iova+r.Offset, r.Phys, r.Length, prot); err != nil {
//			... unmap, free ...
//			sg.Restore(segs)
//			return err
//		}
//	}
//	n := sg.Finalize(segs, iova, boundaryMask, maxSegmentSize)
package sg

import (
	"fmt"

	"gvisor.dev/iommu/pkg/hostarch"
)

// Unset is the DMAAddress of a segment that carries no device mapping.
const Unset = hostarch.Addr(^uint64(0))

// PhysLayout is the physical placement of a segment: Length bytes starting
// Offset bytes past Phys.
type PhysLayout struct {
	Phys   hostarch.Addr
	Offset uint64
	Length uint64
}

// Segment is one entry of a scatter-gather list.
//
// Callers fill in Phys, Offset and Length. Between Prepare and Finalize (or
// Restore) those fields describe the page-aligned span to map instead. After
// Finalize, DMAAddress and DMALength hold the merged device-visible segments:
// an output is stored in the segment that starts it, and segments merged into
// a predecessor have DMALength 0 and DMAAddress Unset.
type Segment struct {
	Phys   hostarch.Addr
	Offset uint64
	Length uint64

	DMAAddress hostarch.Addr
	DMALength  uint64

	// original is the caller's layout, saved by Prepare.
	original *PhysLayout

	// iovaOffset is the in-page offset of the data within its IOVA slot.
	iovaOffset uint64

	// iovaLength is the page-aligned footprint of the segment. pad is
	// boundary padding that follows it in the IOVA run.
	iovaLength uint64
	pad        uint64
}

// Layout returns the caller's physical layout of s, even while s is prepared.
func (s *Segment) Layout() PhysLayout {
	if s.original != nil {
		return *s.original
	}
	return PhysLayout{Phys: s.Phys, Offset: s.Offset, Length: s.Length}
}

// Prepared returns whether s has been prepared and not yet finalized or
// restored.
func (s *Segment) Prepared() bool {
	return s.original != nil
}

// String implements fmt.Stringer.String.
func (s *Segment) String() string {
	l := s.Layout()
	if s.DMAAddress == Unset {
		return fmt.Sprintf("{phys %v+%#x len %#x, unmapped}", l.Phys, l.Offset, l.Length)
	}
	return fmt.Sprintf("{phys %v+%#x len %#x, dma %v len %#x}", l.Phys, l.Offset, l.Length, s.DMAAddress, s.DMALength)
}

// DMARange is one device-visible contiguous segment.
type DMARange struct {
	Addr   hostarch.Addr
	Length uint64
}

// End returns the first address past r.
func (r DMARange) End() hostarch.Addr {
	return r.Addr + hostarch.Addr(r.Length)
}

// Run is a span of a prepared list that is contiguous both in physical memory
// and in the IOVA run, so that it can be mapped with one page-table call.
type Run struct {
	// Offset is the position of the run relative to the start of the IOVA
	// run.
	Offset uint64

	Phys   hostarch.Addr
	Length uint64
}
