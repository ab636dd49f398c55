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

// Package pagetable defines the device page-table collaborator that a
// mapping domain programs.
package pagetable

import (
	"strings"

	"gvisor.dev/iommu/pkg/hostarch"
)

// Prot is the set of permissions of a device mapping.
type Prot uint32

const (
	// Read allows the device to read the mapped memory.
	Read Prot = 1 << iota

	// Write allows the device to write the mapped memory.
	Write

	// CacheCoherent marks the mapping as snooping CPU caches.
	CacheCoherent
)

// ReadWrite is Read|Write.
const ReadWrite = Read | Write

// String implements fmt.Stringer.String.
func (p Prot) String() string {
	var b strings.Builder
	if p&Read != 0 {
		b.WriteByte('r')
	} else {
		b.WriteByte('-')
	}
	if p&Write != 0 {
		b.WriteByte('w')
	} else {
		b.WriteByte('-')
	}
	if p&CacheCoherent != 0 {
		b.WriteByte('c')
	} else {
		b.WriteByte('-')
	}
	return b.String()
}

// Any returns whether p permits any device access.
func (p Prot) Any() bool {
	return p&ReadWrite != 0
}

// PageTable programs translations for one device address space.
//
// Implementations need not be safe for concurrent calls on overlapping
// ranges; a domain never maps a range it has not allocated.
type PageTable interface {
	// Map installs translations for [iova, iova+length) to
	// [phys, phys+length). iova, phys and length are page aligned.
	Map(iova, phys hostarch.Addr, length uint64, prot Prot) error

	// Unmap removes translations for [iova, iova+length). Ranges that are
	// not mapped are ignored.
	Unmap(iova hostarch.Addr, length uint64)

	// Release frees the table. It is called once, after the last Unmap.
	Release()
}

// Factory creates a PageTable.
type Factory func() (PageTable, error)
