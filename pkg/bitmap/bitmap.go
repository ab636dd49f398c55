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

// Package bitmap provides a fixed-size bitmap with contiguous run search,
// used to track page occupancy of one slice of an IOVA space.
package bitmap

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap is a fixed-size bit array. A set bit marks an allocated or reserved
// page. Bitmap is not safe for concurrent use.
type Bitmap struct {
	// size is the number of bits. The underlying bitset grows on out of range
	// writes, so every mutation is bounds checked against size first.
	size uint32

	bits *bitset.BitSet
}

// New creates a new empty Bitmap of size bits.
func New(size uint32) (*Bitmap, error) {
	if size == 0 || size > MaxBitEntryLimit {
		return nil, fmt.Errorf("requested bitmap size %d out of range", size)
	}
	return &Bitmap{
		size: size,
		bits: bitset.New(uint(size)),
	}, nil
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.bits.None()
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return uint32(b.bits.Count())
}

// Test returns whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	return i < b.size && b.bits.Test(uint(i))
}

func (b *Bitmap) checkRange(begin, end uint32) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of bounds for size %d", begin, end, b.size))
	}
}

// IsRangeClear returns whether every bit in [begin, end) is unset.
func (b *Bitmap) IsRangeClear(begin, end uint32) bool {
	b.checkRange(begin, end)
	i, ok := b.bits.NextSet(uint(begin))
	return !ok || i >= uint(end)
}

// IsRangeSet returns whether every bit in [begin, end) is set.
func (b *Bitmap) IsRangeSet(begin, end uint32) bool {
	b.checkRange(begin, end)
	if begin == end {
		return true
	}
	i, ok := b.bits.NextClear(uint(begin))
	return !ok || i >= uint(end)
}

// SetRange sets bits within range (begin and end). begin is inclusive and end
// is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	b.checkRange(begin, end)
	for i := begin; i < end; i++ {
		b.bits.Set(uint(i))
	}
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.checkRange(begin, end)
	for i := begin; i < end; i++ {
		b.bits.Clear(uint(i))
	}
}

// FindZeroRun returns the first index at or after start such that the n bits
// starting there are all clear and the index is a multiple of alignMask+1.
// alignMask must be one less than a power of two.
//
// The search is a linear first fit: later free space is never preferred over
// earlier, smaller holes.
func (b *Bitmap) FindZeroRun(start, n, alignMask uint32) (uint32, bool) {
	return b.FindAlignedZeroRun(start, b.size, n, uint64(alignMask), 0)
}

// FindAlignedZeroRun is like FindZeroRun, but the run must end at or before
// end and index+phase, rather than index, must be a multiple of alignMask+1.
// phase lets the caller align on a coordinate that does not start at bit 0.
func (b *Bitmap) FindAlignedZeroRun(start, end, n uint32, alignMask, phase uint64) (uint32, bool) {
	if end > b.size {
		end = b.size
	}
	if n == 0 || n > end {
		return 0, false
	}
	for start < end {
		i, ok := b.bits.NextClear(uint(start))
		if !ok || i >= uint(end) {
			return 0, false
		}
		index := (uint64(i)+phase+alignMask)&^alignMask - phase
		if index < uint64(i) {
			return 0, false
		}
		stop := index + uint64(n)
		if stop > uint64(end) {
			return 0, false
		}
		set, ok := b.bits.NextSet(uint(index))
		if !ok || set >= uint(stop) {
			return uint32(index), true
		}
		start = uint32(set) + 1
	}
	return 0, false
}

// Clone the Bitmap.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{
		size: b.size,
		bits: b.bits.Clone(),
	}
}

// Equal returns whether b and other have the same size and the same bits set.
func (b *Bitmap) Equal(other *Bitmap) bool {
	return b.size == other.size && b.bits.Equal(other.bits)
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.bits.Count())
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		bitmapSlice = append(bitmapSlice, uint32(i))
	}
	return bitmapSlice
}

// Run is a maximal range of set bits [Start, End).
type Run struct {
	Start uint32
	End   uint32
}

// SetRuns returns the maximal runs of set bits in ascending order.
func (b *Bitmap) SetRuns() []Run {
	var runs []Run
	for i, ok := b.bits.NextSet(0); ok; {
		end, found := b.bits.NextClear(i)
		if !found || end > uint(b.size) {
			end = uint(b.size)
		}
		runs = append(runs, Run{Start: uint32(i), End: uint32(end)})
		i, ok = b.bits.NextSet(end)
	}
	return runs
}
