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

// Package iommuerr contains the errors returned by the IOVA allocator and the
// mapping domains, exported as *errors.Error pointers so that they can be
// compared with errors.Is after being wrapped with additional context.
package iommuerr

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/errors"
)

var (
	// ErrOutOfIovaSpace is returned when no free IOVA run exists and the
	// bitmap store cannot be extended any further. Callers may retry later or
	// shrink the request.
	ErrOutOfIovaSpace = errors.New(unix.ENOSPC, "out of IOVA space")

	// ErrExtensionLimitReached is returned when the bitmap store already
	// holds the maximum number of bitmaps.
	ErrExtensionLimitReached = errors.New(unix.E2BIG, "bitmap extension limit reached")

	// ErrOutOfAperture is returned when a domain's IOVA range does not
	// intersect the device aperture.
	ErrOutOfAperture = errors.New(unix.EFAULT, "IOVA range outside device aperture")

	// ErrPageTableMapFailed is returned when the page-table collaborator
	// fails to map one of the runs of a request.
	ErrPageTableMapFailed = errors.New(unix.EIO, "page table map failed")

	// ErrInvalidRegion is returned when freeing or unmapping an address that
	// is not inside an allocated range.
	ErrInvalidRegion = errors.New(unix.EINVAL, "invalid IOVA region")

	// ErrOutOfRange is returned when a reservation lies beyond the maximum
	// addressable extension of the IOVA space.
	ErrOutOfRange = errors.New(unix.ERANGE, "IOVA out of range")

	// ErrNoMemory is returned when a bitmap cannot be allocated.
	ErrNoMemory = errors.New(unix.ENOMEM, "out of memory")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New(unix.EINVAL, "invalid argument")

	// ErrDeviceBusy is returned when a device is already attached to another
	// domain.
	ErrDeviceBusy = errors.New(unix.EBUSY, "device already attached")
)
