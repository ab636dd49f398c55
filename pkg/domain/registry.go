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

package domain

import (
	"fmt"

	"gvisor.dev/iommu/pkg/errors/iommuerr"
	"gvisor.dev/iommu/pkg/sync"
)

// binding is a Registry entry.
type binding struct {
	domain *Domain

	// attached is false while Attach is in progress.
	attached bool
}

// Registry tracks which domain each device is attached to. A device is
// inserted on its first attach and removed on detach; it can be bound to at
// most one domain at a time. Devices are used as map keys and must be
// comparable.
//
// The zero value is ready to use.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	devices map[Device]*binding
}

// Attach attaches dev to d and records the binding. Attaching a device that
// is already bound to d is a no-op. A device bound to another domain, or
// currently being attached, yields ErrDeviceBusy.
func (r *Registry) Attach(dev Device, d *Domain) error {
	r.mu.Lock()
	if b, ok := r.devices[dev]; ok {
		r.mu.Unlock()
		if b.attached && b.domain == d {
			return nil
		}
		return fmt.Errorf("%s is bound to %s: %w", dev.Name(), b.domain.Name(), iommuerr.ErrDeviceBusy)
	}
	if r.devices == nil {
		r.devices = make(map[Device]*binding)
	}
	b := &binding{domain: d}
	r.devices[dev] = b
	r.mu.Unlock()

	// Attach may destroy d on failure, which takes the allocator lock.
	err := d.Attach(dev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.devices, dev)
		return err
	}
	b.attached = true
	return nil
}

// Detach detaches dev from its domain and forgets the binding.
func (r *Registry) Detach(dev Device) error {
	r.mu.Lock()
	b, ok := r.devices[dev]
	if !ok || !b.attached {
		r.mu.Unlock()
		return fmt.Errorf("%s is not attached: %w", dev.Name(), iommuerr.ErrInvalidArgument)
	}
	delete(r.devices, dev)
	r.mu.Unlock()

	b.domain.Detach(dev)
	return nil
}

// Lookup returns the domain dev is attached to.
func (r *Registry) Lookup(dev Device) (*Domain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.devices[dev]
	if !ok || !b.attached {
		return nil, false
	}
	return b.domain, true
}

// Len returns the number of attached devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.devices {
		if b.attached {
			n++
		}
	}
	return n
}

// Devices returns the devices attached to d.
func (r *Registry) Devices(d *Domain) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Device
	for dev, b := range r.devices {
		if b.attached && b.domain == d {
			out = append(out, dev)
		}
	}
	return out
}
