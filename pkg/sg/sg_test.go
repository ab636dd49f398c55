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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/iommu/pkg/hostarch"
)

const page = hostarch.PageSize

func contiguous(n int, phys hostarch.Addr) []Segment {
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{Phys: phys + hostarch.Addr(i*page), Length: page}
	}
	return segs
}

func TestFinalizeMergesContiguous(t *testing.T) {
	segs := contiguous(3, 0x80000)
	if total := Prepare(segs, page, 0xffffffff); total != 3*page {
		t.Fatalf("Prepare() = %#x, want %#x", total, 3*page)
	}
	if n := Finalize(segs, 0x1000, 0xffffffff, 0x10000); n != 1 {
		t.Fatalf("Finalize() = %d, want 1", n)
	}
	if diff := cmp.Diff([]DMARange{{0x1000, 12288}}, Mapped(segs)); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < 3; i++ {
		if segs[i].DMALength != 0 || segs[i].DMAAddress != Unset {
			t.Errorf("merged segment %d = %v, want empty", i, &segs[i])
		}
	}
}

func TestFinalizeMaxSegmentSize(t *testing.T) {
	segs := contiguous(3, 0x80000)
	Prepare(segs, page, 0xffffffff)
	if n := Finalize(segs, 0x1000, 0xffffffff, 8192); n != 2 {
		t.Fatalf("Finalize() = %d, want 2", n)
	}
	if diff := cmp.Diff([]DMARange{{0x1000, 8192}, {0x3000, 4096}}, Mapped(segs)); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
	// Outputs are stored in the segment that starts them.
	if segs[2].DMAAddress != 0x3000 {
		t.Errorf("segs[2].DMAAddress = %v, want 0x3000", segs[2].DMAAddress)
	}
}

func TestFinalizeRestoresPhysicalLayout(t *testing.T) {
	segs := []Segment{
		{Phys: 0x80000, Offset: 0x100, Length: 0xf00},
		{Phys: 0x90000, Length: 0x1000},
	}
	want := []PhysLayout{segs[0].Layout(), segs[1].Layout()}
	if total := Prepare(segs, page, 0xffffffff); total != 2*page {
		t.Fatalf("Prepare() = %#x, want %#x", total, 2*page)
	}
	// While prepared the segments describe whole pages.
	if segs[0].Phys != 0x80000 || segs[0].Offset != 0 || segs[0].Length != page {
		t.Errorf("prepared segment 0 = %+v", segs[0])
	}
	if n := Finalize(segs, 0x10000, 0xffffffff, 0x10000); n != 1 {
		t.Fatalf("Finalize() = %d, want 1", n)
	}
	// The first segment ends on a page boundary and the second starts on
	// one, so they merge even though they are physically apart.
	if diff := cmp.Diff([]DMARange{{0x10100, 0x1f00}}, Mapped(segs)); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
	for i := range segs {
		if diff := cmp.Diff(want[i], segs[i].Layout()); diff != "" {
			t.Errorf("segment %d layout mismatch (-want +got):\n%s", i, diff)
		}
		if segs[i].Prepared() {
			t.Errorf("segment %d still prepared after Finalize", i)
		}
	}
}

func TestFinalizeShortSegmentBreaksRun(t *testing.T) {
	segs := []Segment{
		{Phys: 0x80000, Length: 0x800},
		{Phys: 0x81000, Length: 0x1000},
	}
	Prepare(segs, page, 0xffffffff)
	if n := Finalize(segs, 0x10000, 0xffffffff, 0x10000); n != 2 {
		t.Fatalf("Finalize() = %d, want 2", n)
	}
	if diff := cmp.Diff([]DMARange{{0x10000, 0x800}, {0x11000, 0x1000}}, Mapped(segs)); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
}

func TestRuns(t *testing.T) {
	segs := []Segment{
		{Phys: 0x80000, Length: page},
		{Phys: 0x81000, Length: page},
		{Phys: 0xa0000, Offset: 0x10, Length: 0x20},
		{Phys: 0xa1000, Length: 2 * page},
	}
	Prepare(segs, page, 0xffffffff)
	want := []Run{
		{Offset: 0, Phys: 0x80000, Length: 2 * page},
		{Offset: 2 * page, Phys: 0xa0000, Length: 3 * page},
	}
	if diff := cmp.Diff(want, Runs(segs)); diff != "" {
		t.Errorf("Runs() mismatch (-want +got):\n%s", diff)
	}
	Restore(segs)
}

func TestPrepareBoundaryPadding(t *testing.T) {
	const mask = 0x1fff
	segs := []Segment{
		{Phys: 0x80000, Length: page},
		{Phys: 0x81000, Length: 2 * page},
	}
	// The second segment would straddle the 8K boundary, so the first is
	// padded to push it into the next window.
	if total := Prepare(segs, page, mask); total != 4*page {
		t.Fatalf("Prepare() = %#x, want %#x", total, 4*page)
	}
	want := []Run{
		{Offset: 0, Phys: 0x80000, Length: page},
		{Offset: 2 * page, Phys: 0x81000, Length: 2 * page},
	}
	if diff := cmp.Diff(want, Runs(segs)); diff != "" {
		t.Errorf("Runs() mismatch (-want +got):\n%s", diff)
	}
	if n := Finalize(segs, 0x10000, mask, 0x10000); n != 2 {
		t.Fatalf("Finalize() = %d, want 2", n)
	}
	if diff := cmp.Diff([]DMARange{{0x10000, page}, {0x12000, 2 * page}}, Mapped(segs)); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
}

func TestRestore(t *testing.T) {
	segs := []Segment{
		{Phys: 0x80000, Offset: 0x234, Length: 0x1500},
		{Phys: 0x90000, Offset: 0x1000, Length: 0x10},
	}
	want := []PhysLayout{segs[0].Layout(), segs[1].Layout()}
	Prepare(segs, page, 0xffffffff)
	Restore(segs)
	for i := range segs {
		s := &segs[i]
		got := PhysLayout{Phys: s.Phys, Offset: s.Offset, Length: s.Length}
		if diff := cmp.Diff(want[i], got); diff != "" {
			t.Errorf("segment %d mismatch (-want +got):\n%s", i, diff)
		}
		if s.DMAAddress != Unset || s.DMALength != 0 || s.Prepared() {
			t.Errorf("segment %d not reset: %v", i, s)
		}
	}
}

func TestFinalizeUnpreparedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Finalize of an unprepared list did not panic")
		}
	}()
	Finalize(contiguous(1, 0), 0, 0xffffffff, 0x10000)
}

func TestMergeableOverflow(t *testing.T) {
	if mergeable(0, ^uint64(0), 2, ^uint64(0), ^uint64(0)) {
		t.Errorf("mergeable accepted a wrapped length")
	}
	if mergeable(hostarch.Addr(^uint64(0)-page+1), page, page, ^uint64(0), ^uint64(0)) {
		t.Errorf("mergeable accepted a run past the end of the address space")
	}
}

// TestFinalizeProperties checks coalescing invariants over random lists.
func TestFinalizeProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const iovaBase = hostarch.Addr(0x100000)
	for _, cfg := range []struct {
		mask   uint64
		maxSeg uint64
	}{
		{0xffffffff, 0x10000},
		{0xffff, 0x8000},
		{0x3fff, 0x10000},
		{0x3fff, 0x1000},
	} {
		window := cfg.mask + 1
		for iter := 0; iter < 200; iter++ {
			n := rng.Intn(16) + 1
			segs := make([]Segment, n)
			var sum uint64
			phys := hostarch.Addr(0x1000000)
			for i := range segs {
				offset := uint64(rng.Intn(page))
				maxLen := uint64(0x6000)
				if window > page && window-page < maxLen {
					maxLen = window - page
				}
				length := uint64(rng.Int63n(int64(maxLen))) + 1
				if rng.Intn(2) == 0 {
					// Physically contiguous with the previous segment.
					offset = 0
				} else {
					phys += 0x100000
				}
				segs[i] = Segment{Phys: phys, Offset: offset, Length: length}
				phys += hostarch.Addr(hostarch.RoundUp(offset+length, page))
				sum += length
			}
			Prepare(segs, page, cfg.mask)
			count := Finalize(segs, iovaBase, cfg.mask, cfg.maxSeg)
			for i := range segs {
				// Only a lone input segment may exceed the maximum.
				if s := &segs[i]; s.DMALength > cfg.maxSeg && s.DMALength != s.Length {
					t.Errorf("merged segment %v exceeds max %#x", s, cfg.maxSeg)
				}
			}
			mapped := Mapped(segs)
			if count != len(mapped) || count > n {
				t.Fatalf("count %d, mapped %d, inputs %d", count, len(mapped), n)
			}
			var got uint64
			for _, r := range mapped {
				got += r.Length
				if uint64(r.Addr)&^cfg.mask != uint64(r.End()-1)&^cfg.mask {
					t.Errorf("segment %+v crosses a %#x boundary", r, window)
				}
			}
			if got != sum {
				t.Errorf("merged length %#x, want %#x", got, sum)
			}
		}
	}
}
