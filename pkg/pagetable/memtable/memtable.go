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

// Package memtable provides an in-memory device page table.
//
// A Table records translations in a btree keyed by IOVA and rejects
// overlapping maps, so it doubles as a checker for mapping domains in tests
// and in the iovactl simulator.
package memtable

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/errors"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/sync"
)

// ErrOverlap is returned when a mapping overlaps an existing one.
var ErrOverlap = errors.New(unix.EEXIST, "mapping overlaps an existing mapping")

// ErrInjected is returned by a Map call selected with FailMap.
var ErrInjected = errors.New(unix.EIO, "injected map failure")

// Mapping is one installed translation.
type Mapping struct {
	IOVA   hostarch.Addr
	Phys   hostarch.Addr
	Length uint64
	Prot   pagetable.Prot
}

// End returns the end of the mapped IOVA range.
func (m Mapping) End() hostarch.Addr {
	return m.IOVA + hostarch.Addr(m.Length)
}

func (m Mapping) String() string {
	return fmt.Sprintf("[%v, %v) -> %v %v", m.IOVA, m.End(), m.Phys, m.Prot)
}

func less(a, b Mapping) bool {
	return a.IOVA < b.IOVA
}

// Table is an in-memory pagetable.PageTable.
type Table struct {
	// pageMask is the page size less one. It is immutable.
	pageMask uint64

	mu sync.Mutex

	// +checklocks:mu
	tree *btree.BTreeG[Mapping]

	// failAt is the 1-based Map call that fails with ErrInjected, or 0.
	//
	// +checklocks:mu
	failAt int

	// +checklocks:mu
	maps int

	// +checklocks:mu
	unmaps int

	// +checklocks:mu
	released bool
}

var _ pagetable.PageTable = (*Table)(nil)

// New returns an empty table of hostarch.PageSize pages.
func New() *Table {
	return NewPageSize(hostarch.PageSize)
}

// NewPageSize returns an empty table that maps pageSize pages. pageSize must
// be a power of two.
func NewPageSize(pageSize uint64) *Table {
	if !hostarch.IsPowerOfTwo(pageSize) {
		panic(fmt.Sprintf("page size %#x is not a power of two", pageSize))
	}
	return &Table{
		pageMask: pageSize - 1,
		tree:     btree.NewG(8, less),
	}
}

// PageSize returns the page size of the table.
func (t *Table) PageSize() uint64 {
	return t.pageMask + 1
}

// Factory returns a pagetable.Factory that always hands out t.
func (t *Table) Factory() pagetable.Factory {
	return func() (pagetable.PageTable, error) {
		return t, nil
	}
}

// FailMap makes the nth Map call from now, counting from 1, fail with
// ErrInjected. Zero disables injection.
func (t *Table) FailMap(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n == 0 {
		t.failAt = 0
		return
	}
	t.failAt = t.maps + n
}

// Map implements pagetable.PageTable.Map.
func (t *Table) Map(iova, phys hostarch.Addr, length uint64, prot pagetable.Prot) error {
	if length == 0 || (uint64(iova)|uint64(phys)|length)&t.pageMask != 0 {
		return errors.New(unix.EINVAL, fmt.Sprintf("unaligned mapping %v -> %v length %#x", iova, phys, length))
	}
	end, ok := iova.AddLength(length)
	if !ok {
		return errors.New(unix.EINVAL, fmt.Sprintf("mapping at %v length %#x wraps", iova, length))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return errors.New(unix.EINVAL, "page table released")
	}
	t.maps++
	if t.failAt != 0 && t.maps == t.failAt {
		t.failAt = 0
		return ErrInjected
	}
	if over := t.overlappingLocked(iova, end); len(over) != 0 {
		return fmt.Errorf("%v over %v: %w", Mapping{iova, phys, length, prot}, over[0], ErrOverlap)
	}
	t.tree.ReplaceOrInsert(Mapping{IOVA: iova, Phys: phys, Length: length, Prot: prot})
	return nil
}

// Unmap implements pagetable.PageTable.Unmap. Mappings that straddle the
// range are split.
func (t *Table) Unmap(iova hostarch.Addr, length uint64) {
	end, ok := iova.AddLength(length)
	if !ok {
		end = hostarch.Addr(^uint64(0))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmaps++
	for _, m := range t.overlappingLocked(iova, end) {
		t.tree.Delete(m)
		if m.IOVA < iova {
			t.tree.ReplaceOrInsert(Mapping{IOVA: m.IOVA, Phys: m.Phys, Length: uint64(iova - m.IOVA), Prot: m.Prot})
		}
		if m.End() > end {
			off := uint64(end - m.IOVA)
			t.tree.ReplaceOrInsert(Mapping{IOVA: end, Phys: m.Phys + hostarch.Addr(off), Length: m.Length - off, Prot: m.Prot})
		}
	}
}

// overlappingLocked returns the mappings intersecting [start, end), in order.
//
// +checklocks:t.mu
func (t *Table) overlappingLocked(start, end hostarch.Addr) []Mapping {
	var out []Mapping
	t.tree.DescendLessOrEqual(Mapping{IOVA: start}, func(m Mapping) bool {
		if m.IOVA < start && m.End() > start {
			out = append(out, m)
		}
		return false
	})
	t.tree.AscendGreaterOrEqual(Mapping{IOVA: start}, func(m Mapping) bool {
		if m.IOVA >= end {
			return false
		}
		out = append(out, m)
		return true
	})
	return out
}

// Release implements pagetable.PageTable.Release.
func (t *Table) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Clear(false)
	t.released = true
}

// Released returns whether Release has been called.
func (t *Table) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Translate returns the physical address and permissions iova maps to.
func (t *Table) Translate(iova hostarch.Addr) (hostarch.Addr, pagetable.Prot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		found Mapping
		ok    bool
	)
	t.tree.DescendLessOrEqual(Mapping{IOVA: iova}, func(m Mapping) bool {
		found, ok = m, iova < m.End()
		return false
	})
	if !ok {
		return 0, 0, false
	}
	return found.Phys + (iova - found.IOVA), found.Prot, true
}

// Mappings returns every installed mapping in IOVA order.
func (t *Table) Mappings() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mapping, 0, t.tree.Len())
	t.tree.Ascend(func(m Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// MappedBytes returns the total length of all mappings.
func (t *Table) MappedBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	t.tree.Ascend(func(m Mapping) bool {
		n += m.Length
		return true
	})
	return n
}

// Calls returns the number of Map and Unmap calls made so far.
func (t *Table) Calls() (maps, unmaps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maps, t.unmaps
}
