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

package sg

import (
	"fmt"

	"gvisor.dev/iommu/pkg/hostarch"
)

// Prepare lays segs out back to back in IOVA space and returns the number of
// IOVA bytes the whole list needs.
//
// Each segment keeps its in-page offset, so it occupies its page-rounded
// length. When boundaryMask describes a window smaller than the list, a
// segment that would straddle a window boundary is pushed to the next window
// by padding its predecessor; the run must then be allocated aligned to the
// window. boundaryMask must be one less than a power of two, or all ones.
//
// Prepare saves each caller layout and rewrites Phys, Offset and Length in
// place to the page-aligned physical span to map. Finalize or Restore must
// follow.
func Prepare(segs []Segment, pageSize, boundaryMask uint64) uint64 {
	if !hostarch.IsPowerOfTwo(pageSize) {
		panic(fmt.Sprintf("page size %#x is not a power of two", pageSize))
	}
	var (
		total uint64
		prev  *Segment
	)
	for i := range segs {
		s := &segs[i]
		orig := PhysLayout{Phys: s.Phys, Offset: s.Offset, Length: s.Length}
		s.original = &orig

		start := s.Phys + hostarch.Addr(s.Offset)
		off := uint64(start) & (pageSize - 1)
		length := hostarch.RoundUp(off+s.Length, pageSize)

		s.Phys = start - hostarch.Addr(off)
		s.Offset = 0
		s.Length = length
		s.iovaOffset = off
		s.iovaLength = length
		s.pad = 0
		s.DMAAddress = Unset
		s.DMALength = 0

		// padLen is the distance from the current end of the run to the
		// next window boundary. It is zero at the start of the run and
		// whenever the window covers the whole address width.
		if padLen := (boundaryMask - total + 1) & boundaryMask; padLen != 0 && padLen < length && prev != nil {
			prev.pad += padLen
			total += padLen
		}
		total += length
		prev = s
	}
	return total
}

// Runs returns the spans of a prepared list that can each be mapped with a
// single page-table call, in IOVA order.
func Runs(segs []Segment) []Run {
	var (
		runs   []Run
		cursor uint64
	)
	for i := range segs {
		s := &segs[i]
		if !s.Prepared() {
			panic(fmt.Sprintf("segment %d is not prepared", i))
		}
		if s.Length != 0 {
			if n := len(runs); n > 0 {
				last := &runs[n-1]
				if last.Offset+last.Length == cursor && last.Phys+hostarch.Addr(last.Length) == s.Phys {
					last.Length += s.Length
					cursor += s.iovaLength + s.pad
					continue
				}
			}
			runs = append(runs, Run{Offset: cursor, Phys: s.Phys, Length: s.Length})
		}
		cursor += s.iovaLength + s.pad
	}
	return runs
}

// mergeable returns whether an output segment starting at start with length
// curLen may grow by length bytes without exceeding maxSegmentSize or crossing
// a boundaryMask window. All arithmetic is checked for wrap around.
func mergeable(start hostarch.Addr, curLen, length, boundaryMask, maxSegmentSize uint64) bool {
	combined := curLen + length
	if combined < curLen || combined > maxSegmentSize || combined > boundaryMask {
		return false
	}
	return uint64(start)&boundaryMask <= boundaryMask-combined
}

// Finalize turns a prepared list placed at iovaBase into device-visible
// segments and returns how many non-empty ones there are.
//
// Segments are visited in order with a cursor that starts at iovaBase. A
// segment joins the current output segment iff that output is non-empty, the
// segment's address immediately follows the output's end, and the combined
// segment fits both maxSegmentSize and the boundaryMask window. Otherwise it
// starts a new output. The caller's physical layout is restored on every
// segment. Every segment must be prepared.
func Finalize(segs []Segment, iovaBase hostarch.Addr, boundaryMask, maxSegmentSize uint64) int {
	var (
		count    int
		cur      *Segment
		curStart hostarch.Addr
		curLen   uint64
		dma      = iovaBase
	)
	for i := range segs {
		s := &segs[i]
		if !s.Prepared() {
			panic(fmt.Sprintf("segment %d is not prepared", i))
		}
		off, slot := s.iovaOffset, s.iovaLength+s.pad
		s.Phys, s.Offset, s.Length = s.original.Phys, s.original.Offset, s.original.Length
		s.original = nil
		s.iovaOffset, s.iovaLength, s.pad = 0, 0, 0
		s.DMAAddress = Unset
		s.DMALength = 0

		addr := dma + hostarch.Addr(off)
		dma += hostarch.Addr(slot)
		if s.Length == 0 {
			continue
		}
		if cur != nil && curLen != 0 && curStart+hostarch.Addr(curLen) == addr &&
			mergeable(curStart, curLen, s.Length, boundaryMask, maxSegmentSize) {
			curLen += s.Length
			cur.DMALength = curLen
			continue
		}
		cur, curStart, curLen = s, addr, s.Length
		s.DMAAddress = addr
		s.DMALength = s.Length
		count++
	}
	return count
}

// Restore undoes Prepare on the failure path: the caller's physical layout is
// copied back and the DMA fields are cleared to Unset. Segments that were
// never prepared only have their DMA fields cleared.
func Restore(segs []Segment) {
	for i := range segs {
		s := &segs[i]
		if s.original != nil {
			s.Phys, s.Offset, s.Length = s.original.Phys, s.original.Offset, s.original.Length
			s.original = nil
		}
		s.iovaOffset, s.iovaLength, s.pad = 0, 0, 0
		s.DMAAddress = Unset
		s.DMALength = 0
	}
}

// Mapped returns the non-empty device-visible segments of a finalized list,
// in order.
func Mapped(segs []Segment) []DMARange {
	var out []DMARange
	for i := range segs {
		if s := &segs[i]; s.DMALength != 0 && s.DMAAddress != Unset {
			out = append(out, DMARange{Addr: s.DMAAddress, Length: s.DMALength})
		}
	}
	return out
}
