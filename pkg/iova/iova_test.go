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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iommu/pkg/bitmap"
	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/hostarch"
)

const (
	page = hostarch.PageSize
	base = hostarch.Addr(0x100000)
)

func newTestAllocator(t *testing.T, bits, extensions uint32) *Allocator {
	t.Helper()
	a, err := NewAllocator(Options{Base: base, BitsPerBitmap: bits, Extensions: extensions})
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	return a
}

func mustAlloc(t *testing.T, a *Allocator, npages uint64) hostarch.Addr {
	t.Helper()
	addr, err := a.Alloc(npages, MaxAlignOrder)
	if err != nil {
		t.Fatalf("Alloc(%d) failed: %v", npages, err)
	}
	return addr
}

func checkInvariant(t *testing.T, a *Allocator) {
	t.Helper()
	if n, limit := a.NumBitmaps(), int(a.Extensions())+1; n > limit {
		t.Errorf("%d bitmaps exceed limit %d", n, limit)
	}
}

func TestNewAllocatorValidation(t *testing.T) {
	for _, test := range []struct {
		name string
		opts Options
	}{
		{"zero bits", Options{Base: base}},
		{"unaligned base", Options{Base: 0x1001, BitsPerBitmap: 64}},
		{"overflow", Options{Base: hostarch.Addr(^uint64(0) &^ (page - 1)), BitsPerBitmap: 64}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewAllocator(test.opts); !errors.Is(err, iommuerr.ErrInvalidArgument) {
				t.Errorf("NewAllocator(%+v) = %v, want ErrInvalidArgument", test.opts, err)
			}
		})
	}
}

func TestAllocFirstFit(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	for i := 0; i < 4; i++ {
		if got, want := mustAlloc(t, a, 1), base+hostarch.Addr(i*page); got != want {
			t.Errorf("allocation %d = %v, want %v", i, got, want)
		}
	}
	// Free the second page; the next single page reuses the hole.
	if err := a.Free(base+page, 1); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if got, want := mustAlloc(t, a, 1), base+page; got != want {
		t.Errorf("allocation after free = %v, want %v", got, want)
	}
}

func TestAllocAlignment(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	mustAlloc(t, a, 1)
	// Four pages are aligned to four pages.
	if got, want := mustAlloc(t, a, 4), base+4*page; got != want {
		t.Errorf("Alloc(4) = %v, want %v", got, want)
	}
	// Three pages round up to order 2 as well.
	if got, want := mustAlloc(t, a, 3), base+8*page; got != want {
		t.Errorf("Alloc(3) = %v, want %v", got, want)
	}
	// Page 1-3 are still free for small requests.
	if got, want := mustAlloc(t, a, 2), base+2*page; got != want {
		t.Errorf("Alloc(2) = %v, want %v", got, want)
	}
}

func TestAllocAlignmentCapped(t *testing.T) {
	a := newTestAllocator(t, 1024, 0)
	mustAlloc(t, a, 1)
	// 512 pages would be order 9; the search is capped at order 8.
	if got, want := mustAlloc(t, a, 512), base+256*page; got != want {
		t.Errorf("Alloc(512) = %v, want %v", got, want)
	}
	// The caller's cap is honored too.
	addr, err := a.Alloc(4, 0)
	if err != nil {
		t.Fatalf("Alloc(4, 0) failed: %v", err)
	}
	if want := base + page; addr != want {
		t.Errorf("Alloc(4, 0) = %v, want %v", addr, want)
	}
}

func TestAllocAlignmentDegrades(t *testing.T) {
	a := newTestAllocator(t, 8, 0)
	if err := a.Reserve(base, 1); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := a.Reserve(base+5*page, 3); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	// Only pages 1-4 are free and no order-2 aligned run of four exists.
	if got, want := mustAlloc(t, a, 4), base+page; got != want {
		t.Errorf("Alloc(4) = %v, want %v", got, want)
	}
}

func TestAllocExtends(t *testing.T) {
	a := newTestAllocator(t, 64, 1)
	if got := mustAlloc(t, a, 64); got != base {
		t.Errorf("Alloc(64) = %v, want %v", got, base)
	}
	if n := a.NumBitmaps(); n != 1 {
		t.Fatalf("NumBitmaps() = %d, want 1", n)
	}
	if got, want := mustAlloc(t, a, 1), base+64*page; got != want {
		t.Errorf("Alloc(1) = %v, want %v", got, want)
	}
	if n := a.NumBitmaps(); n != 2 {
		t.Fatalf("NumBitmaps() = %d, want 2", n)
	}
	if got, want := mustAlloc(t, a, 1), base+65*page; got != want {
		t.Errorf("Alloc(1) = %v, want %v", got, want)
	}
	if _, err := a.Alloc(64, MaxAlignOrder); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Errorf("Alloc(64) with full space = %v, want ErrOutOfIovaSpace", err)
	}
	checkInvariant(t, a)
}

// An allocation never spans two bitmaps, so a request larger than one bitmap
// fails without consuming an extension.
func TestAllocLargerThanBitmap(t *testing.T) {
	a := newTestAllocator(t, 1024, 2)
	if _, err := a.Alloc(2000, MaxAlignOrder); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Fatalf("Alloc(2000) = %v, want ErrOutOfIovaSpace", err)
	}
	if n := a.NumBitmaps(); n != 1 {
		t.Errorf("NumBitmaps() = %d, want 1", n)
	}
	checkInvariant(t, a)
}

func TestAllocZero(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	if _, err := a.Alloc(0, MaxAlignOrder); !errors.Is(err, iommuerr.ErrInvalidArgument) {
		t.Errorf("Alloc(0) = %v, want ErrInvalidArgument", err)
	}
}

func TestFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 128, 1)
	mustAlloc(t, a, 3)
	mustAlloc(t, a, 17)
	before := a.Snapshot()
	for _, n := range []uint64{1, 7, 64, 128} {
		addr := mustAlloc(t, a, n)
		if err := a.Free(addr, n); err != nil {
			t.Fatalf("Free(%v, %d) failed: %v", addr, n, err)
		}
		after := a.Snapshot()
		// A new bitmap may have been appended; it must be empty again.
		for i, b := range after {
			if i < len(before) {
				if !b.Equal(before[i]) {
					t.Errorf("bitmap %d changed after Alloc/Free of %d pages: %v vs %v", i, n, b.ToSlice(), before[i].ToSlice())
				}
			} else if !b.IsEmpty() {
				t.Errorf("appended bitmap %d not empty: %v", i, b.ToSlice())
			}
		}
	}
}

func TestFreeInvalid(t *testing.T) {
	a := newTestAllocator(t, 64, 1)
	addr := mustAlloc(t, a, 4)
	for _, test := range []struct {
		name   string
		iova   hostarch.Addr
		npages uint64
	}{
		{"never allocated", addr + 8*page, 1},
		{"partially allocated", addr + 2*page, 4},
		{"below base", base - page, 1},
		{"beyond allocated bitmaps", base + 64*page, 1},
		{"unaligned", addr + 1, 1},
		{"zero pages", addr, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := a.Free(test.iova, test.npages); !errors.Is(err, iommuerr.ErrInvalidRegion) {
				t.Errorf("Free(%v, %d) = %v, want ErrInvalidRegion", test.iova, test.npages, err)
			}
		})
	}
	// Failed frees leave the allocation intact.
	if st := a.Stats(); st.PagesSet != 4 {
		t.Errorf("PagesSet = %d, want 4", st.PagesSet)
	}
}

func TestReserveSpansBitmaps(t *testing.T) {
	a := newTestAllocator(t, 64, 3)
	if err := a.Reserve(base+60*page, 10); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if n := a.NumBitmaps(); n != 2 {
		t.Errorf("NumBitmaps() = %d, want 2", n)
	}
	if st := a.Stats(); st.PagesSet != 10 {
		t.Errorf("PagesSet = %d, want 10", st.PagesSet)
	}
	// Reserving again is idempotent.
	if err := a.Reserve(base+62*page, 2); err != nil {
		t.Fatalf("second Reserve failed: %v", err)
	}
	// Allocation skips the reserved pages.
	if got, want := mustAlloc(t, a, 64), base+128*page; got != want {
		t.Errorf("Alloc(64) = %v, want %v", got, want)
	}
	// Reserved pages are never freed, in one call or per bitmap.
	for _, r := range []struct {
		iova   hostarch.Addr
		npages uint64
	}{{base + 60*page, 10}, {base + 60*page, 4}, {base + 64*page, 6}} {
		if err := a.Free(r.iova, r.npages); !errors.Is(err, iommuerr.ErrInvalidRegion) {
			t.Errorf("Free(%v, %d) of reservation = %v, want ErrInvalidRegion", r.iova, r.npages, err)
		}
	}
	want := Stats{Bitmaps: 3, MaxBitmaps: 4, PagesSet: 74, ReservedPages: 10, CapacityPages: 192}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	checkInvariant(t, a)
}

func TestFreeReserved(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	addr := mustAlloc(t, a, 4)
	// Reserving over an allocation takes its pages for good.
	if err := a.Reserve(addr+2*page, 4); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := a.Free(addr, 4); !errors.Is(err, iommuerr.ErrInvalidRegion) {
		t.Errorf("Free(%v, 4) over reserved pages = %v, want ErrInvalidRegion", addr, err)
	}
	if a.IsAllocated(addr+2*page, 1) {
		t.Errorf("IsAllocated(%v, 1) = true for a reserved page", addr+2*page)
	}
	if !a.Contains(addr + 2*page) {
		t.Errorf("Contains(%v) = false for a reserved page", addr+2*page)
	}
	if err := a.Free(addr, 2); err != nil {
		t.Errorf("Free(%v, 2) of unreserved pages failed: %v", addr, err)
	}
	want := Stats{Bitmaps: 1, MaxBitmaps: 1, PagesSet: 4, ReservedPages: 4, CapacityPages: 64}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocAligned(t *testing.T) {
	// Base is one page past a 2 MiB boundary, so bitmap relative alignment
	// differs from absolute alignment.
	a, err := NewAllocator(Options{Base: 0x101000, BitsPerBitmap: 1024, Extensions: 1})
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	if _, err := a.Alloc(1, MaxAlignOrder); err != nil {
		t.Fatalf("Alloc(1) failed: %v", err)
	}
	got, err := a.AllocAligned(300, 512)
	if err != nil {
		t.Fatalf("AllocAligned(300, 512) failed: %v", err)
	}
	if want := hostarch.Addr(0x200000); got != want {
		t.Errorf("AllocAligned(300, 512) = %v, want %v", got, want)
	}
	if n := a.NumBitmaps(); n != 1 {
		t.Errorf("NumBitmaps() = %d, want 1", n)
	}
}

func TestAllocAlignedNeverRelaxes(t *testing.T) {
	a := newTestAllocator(t, 16, 0)
	for _, p := range []hostarch.Addr{1, 9} {
		if err := a.Reserve(base+p*page, 1); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}
	if _, err := a.AllocAligned(4, 8); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Errorf("AllocAligned(4, 8) = %v, want ErrOutOfIovaSpace", err)
	}
	if _, err := a.AllocAligned(1, 1<<20); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Errorf("AllocAligned(1, 1<<20) = %v, want ErrOutOfIovaSpace", err)
	}
	// Alloc settles for its own, smaller alignment.
	if got, want := mustAlloc(t, a, 4), base+4*page; got != want {
		t.Errorf("Alloc(4) = %v, want %v", got, want)
	}
}

func TestAllocAlignedExtends(t *testing.T) {
	a := newTestAllocator(t, 16, 1)
	if err := a.Reserve(base, 16); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	got, err := a.AllocAligned(4, 16)
	if err != nil {
		t.Fatalf("AllocAligned(4, 16) failed: %v", err)
	}
	if want := base + 16*page; got != want {
		t.Errorf("AllocAligned(4, 16) = %v, want %v", got, want)
	}
	if n := a.NumBitmaps(); n != 2 {
		t.Errorf("NumBitmaps() = %d, want 2", n)
	}
	checkInvariant(t, a)
}

func TestAllocAlignedInvalid(t *testing.T) {
	a := newTestAllocator(t, 16, 0)
	for _, test := range []struct {
		npages, align uint64
		want          error
	}{
		{0, 1, iommuerr.ErrInvalidArgument},
		{1, 0, iommuerr.ErrInvalidArgument},
		{1, 3, iommuerr.ErrInvalidArgument},
		{17, 1, iommuerr.ErrOutOfIovaSpace},
	} {
		if _, err := a.AllocAligned(test.npages, test.align); !errors.Is(err, test.want) {
			t.Errorf("AllocAligned(%d, %d) = %v, want %v", test.npages, test.align, err, test.want)
		}
	}
}

func TestPageLimit(t *testing.T) {
	a, err := NewAllocator(Options{Base: base, BitsPerBitmap: 64, Extensions: 3, Pages: 100})
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}
	if got, want := a.Limit(), base+100*page; got != want {
		t.Errorf("Limit() = %v, want %v", got, want)
	}
	mustAlloc(t, a, 64)
	// The second bitmap only holds 36 usable pages.
	if _, err := a.Alloc(64, MaxAlignOrder); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Errorf("Alloc(64) past the page limit = %v, want ErrOutOfIovaSpace", err)
	}
	if got, want := mustAlloc(t, a, 36), base+64*page; got != want {
		t.Errorf("Alloc(36) = %v, want %v", got, want)
	}
	if _, err := a.Alloc(1, MaxAlignOrder); !errors.Is(err, iommuerr.ErrOutOfIovaSpace) {
		t.Errorf("Alloc(1) in full space = %v, want ErrOutOfIovaSpace", err)
	}
	if err := a.Reserve(base+100*page, 1); !errors.Is(err, iommuerr.ErrOutOfRange) {
		t.Errorf("Reserve past the page limit = %v, want ErrOutOfRange", err)
	}
	if err := a.Free(base+100*page, 1); !errors.Is(err, iommuerr.ErrInvalidRegion) {
		t.Errorf("Free past the page limit = %v, want ErrInvalidRegion", err)
	}
	want := Stats{Bitmaps: 2, MaxBitmaps: 2, PagesSet: 100, CapacityPages: 100}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewAllocator(Options{Base: base, BitsPerBitmap: 64, Extensions: 1, Pages: 129}); !errors.Is(err, iommuerr.ErrInvalidArgument) {
		t.Errorf("NewAllocator with Pages past the last bitmap = %v, want ErrInvalidArgument", err)
	}
}

func TestReserveCreatesInterveningBitmaps(t *testing.T) {
	a := newTestAllocator(t, 64, 3)
	if err := a.Reserve(base+3*64*page, 1); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	snap := a.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("got %d bitmaps, want 4", len(snap))
	}
	for i := 0; i < 3; i++ {
		if !snap[i].IsEmpty() {
			t.Errorf("bitmap %d not empty", i)
		}
	}
	if diff := snap[3].ToSlice(); len(diff) != 1 || diff[0] != 0 {
		t.Errorf("bitmap 3 = %v, want [0]", diff)
	}
	checkInvariant(t, a)
}

func TestReserveOutOfRange(t *testing.T) {
	a := newTestAllocator(t, 64, 1)
	for _, test := range []struct {
		name   string
		iova   hostarch.Addr
		npages uint64
	}{
		{"below base", base - page, 1},
		{"past limit", a.Limit(), 1},
		{"straddles limit", a.Limit() - page, 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := a.Reserve(test.iova, test.npages); !errors.Is(err, iommuerr.ErrOutOfRange) {
				t.Errorf("Reserve(%v, %d) = %v, want ErrOutOfRange", test.iova, test.npages, err)
			}
		})
	}
	if st := a.Stats(); st.PagesSet != 0 || st.Bitmaps != 1 {
		t.Errorf("failed reservations changed state: %+v", st)
	}
}

func TestExtend(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	for i := 0; i < 2; i++ {
		if err := a.Extend(); err != nil {
			t.Fatalf("Extend %d failed: %v", i, err)
		}
	}
	if err := a.Extend(); !errors.Is(err, iommuerr.ErrExtensionLimitReached) {
		t.Errorf("Extend past limit = %v, want ErrExtensionLimitReached", err)
	}
	if n := a.NumBitmaps(); n != 3 {
		t.Errorf("NumBitmaps() = %d, want 3", n)
	}
	checkInvariant(t, a)
}

func TestExtendNoMemory(t *testing.T) {
	calls := 0
	a, err := newAllocator(Options{Base: base, BitsPerBitmap: 64, Extensions: 4}, func(size uint32) (*bitmap.Bitmap, error) {
		calls++
		if calls > 1 {
			return nil, fmt.Errorf("injected")
		}
		return bitmap.New(size)
	})
	if err != nil {
		t.Fatalf("newAllocator failed: %v", err)
	}
	if err := a.Extend(); !errors.Is(err, iommuerr.ErrNoMemory) {
		t.Errorf("Extend = %v, want ErrNoMemory", err)
	}
	mustAlloc(t, a, 64)
	if _, err := a.Alloc(1, MaxAlignOrder); !errors.Is(err, iommuerr.ErrNoMemory) {
		t.Errorf("Alloc with failing extension = %v, want ErrNoMemory", err)
	}
}

func TestRelease(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	addr := mustAlloc(t, a, 1)
	a.Release()
	if n := a.NumBitmaps(); n != 0 {
		t.Errorf("NumBitmaps() after Release = %d, want 0", n)
	}
	if _, err := a.Alloc(1, MaxAlignOrder); err == nil {
		t.Errorf("Alloc after Release succeeded")
	}
	if err := a.Free(addr, 1); !errors.Is(err, iommuerr.ErrInvalidRegion) {
		t.Errorf("Free after Release = %v, want ErrInvalidRegion", err)
	}
}

func TestConcurrentAllocDisjoint(t *testing.T) {
	const (
		workers = 8
		perW    = 32
	)
	a := newTestAllocator(t, 256, 7)
	type run struct {
		start hostarch.Addr
		n     uint64
	}
	results := make([][]run, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perW; i++ {
				n := uint64(i%5 + 1)
				addr, err := a.Alloc(n, MaxAlignOrder)
				if err != nil {
					return err
				}
				results[w] = append(results[w], run{addr, n})
				// Free every third allocation to exercise reuse.
				if i%3 == 0 {
					if err := a.Free(addr, n); err != nil {
						return err
					}
					results[w] = results[w][:len(results[w])-1]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent allocation failed: %v", err)
	}
	var all []run
	var pages uint64
	for _, rs := range results {
		all = append(all, rs...)
		for _, r := range rs {
			pages += r.n
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })
	for i := 1; i < len(all); i++ {
		prevEnd := all[i-1].start + hostarch.Addr(all[i-1].n*page)
		if all[i].start < prevEnd {
			t.Errorf("allocations overlap: %v+%d and %v+%d", all[i-1].start, all[i-1].n, all[i].start, all[i].n)
		}
	}
	if st := a.Stats(); st.PagesSet != pages {
		t.Errorf("PagesSet = %d, want %d", st.PagesSet, pages)
	}
	checkInvariant(t, a)
}

func TestContains(t *testing.T) {
	a := newTestAllocator(t, 64, 1)
	addr := mustAlloc(t, a, 2)
	for _, test := range []struct {
		iova hostarch.Addr
		want bool
	}{
		{addr, true},
		{addr + page + 0x10, true},
		{addr + 2*page, false},
		{base - page, false},
		{base + 64*page, false},
	} {
		if got := a.Contains(test.iova); got != test.want {
			t.Errorf("Contains(%v) = %t, want %t", test.iova, got, test.want)
		}
	}
}

func TestIsAllocated(t *testing.T) {
	a := newTestAllocator(t, 64, 1)
	addr := mustAlloc(t, a, 4)
	if !a.IsAllocated(addr, 4) {
		t.Errorf("IsAllocated(%v, 4) = false after Alloc", addr)
	}
	if a.IsAllocated(addr, 5) {
		t.Errorf("IsAllocated(%v, 5) = true, want false", addr)
	}
	if a.IsAllocated(addr+page, 0) {
		t.Errorf("IsAllocated of zero pages = true, want false")
	}
	if err := a.Free(addr, 4); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if a.IsAllocated(addr, 1) {
		t.Errorf("IsAllocated(%v, 1) = true after Free", addr)
	}
}
