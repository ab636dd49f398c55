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

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gvisor.dev/iommu/pkg/config"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/pagetable"
	"gvisor.dev/iommu/pkg/pagetable/memtable"
	"gvisor.dev/iommu/pkg/sg"
)

// simDevice is a device that only records which page table it is bound to.
type simDevice struct {
	name string
	pt   pagetable.PageTable
}

func (s *simDevice) Name() string { return s.name }

func (s *simDevice) AttachDomain(pt pagetable.PageTable) error {
	s.pt = pt
	return nil
}

func (s *simDevice) DetachDomain(pagetable.PageTable) {
	s.pt = nil
}

// handle is a live mapping created by a script.
type handle struct {
	// iova and size are set for single mappings.
	iova hostarch.Addr
	size uint64

	// segs is set for scatter-gather mappings.
	segs []sg.Segment
}

// Simulator replays mapping scripts against a domain backed by an in-memory
// page table.
//
// Scripts hold one command per line; '#' starts a comment. Numbers take Go
// literal syntax.
//
//	attach <device>
//	detach <device>
//	map <handle> <phys> <size> [rw|r|w] [coherent]
//	alloc <handle> <boundary-mask> <max-segment> <phys>+<len>[@<offset>]...
//	unmap <handle>
//	reserve <iova> <size>
//	translate <iova>
//	stats
type Simulator struct {
	d       *domain.Domain
	tbl     *memtable.Table
	reg     domain.Registry
	devices map[string]*simDevice
	handles map[string]handle
	out     io.Writer
}

// NewSimulator creates the domain described by c and a simulator writing
// results to out.
func NewSimulator(c *config.Config, out io.Writer) (*Simulator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tbl := memtable.NewPageSize(c.PageSize())
	d, err := c.NewDomain(tbl.Factory())
	if err != nil {
		return nil, err
	}
	return &Simulator{
		d:       d,
		tbl:     tbl,
		devices: make(map[string]*simDevice),
		handles: make(map[string]handle),
		out:     out,
	}, nil
}

// Domain returns the simulated domain.
func (s *Simulator) Domain() *domain.Domain {
	return s.d
}

// Run executes every line of r, stopping at the first error.
func (s *Simulator) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if err := s.Exec(fields); err != nil {
			return fmt.Errorf("line %d: %q: %w", line, scanner.Text(), err)
		}
	}
	return scanner.Err()
}

// Exec executes one command.
func (s *Simulator) Exec(fields []string) error {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "attach":
		return s.attach(args)
	case "detach":
		return s.detach(args)
	case "map":
		return s.mapPage(args)
	case "alloc":
		return s.alloc(args)
	case "unmap":
		return s.unmap(args)
	case "reserve":
		return s.reserve(args)
	case "translate":
		return s.translate(args)
	case "stats":
		return s.stats(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// Close unmaps every handle, detaches every device and drops the creator's
// reference on the domain.
func (s *Simulator) Close() {
	for name, h := range s.handles {
		s.release(h)
		delete(s.handles, name)
	}
	for name, dev := range s.devices {
		s.reg.Detach(dev)
		delete(s.devices, name)
	}
	s.d.Release()
}

// nargs checks that there are between lo and hi arguments. A negative hi
// means no upper bound.
func nargs(args []string, lo, hi int) error {
	if len(args) < lo || (hi >= 0 && len(args) > hi) {
		return fmt.Errorf("got %d arguments", len(args))
	}
	return nil
}

func parseAddr(s string) (hostarch.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return hostarch.Addr(v), nil
}

func parseSize(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

func (s *Simulator) attach(args []string) error {
	if err := nargs(args, 1, 1); err != nil {
		return err
	}
	dev, ok := s.devices[args[0]]
	if !ok {
		dev = &simDevice{name: args[0]}
	}
	if err := s.reg.Attach(dev, s.d); err != nil {
		return err
	}
	s.devices[args[0]] = dev
	fmt.Fprintf(s.out, "attach %s refs=%d\n", dev.name, s.d.ReadRefs())
	return nil
}

func (s *Simulator) detach(args []string) error {
	if err := nargs(args, 1, 1); err != nil {
		return err
	}
	dev, ok := s.devices[args[0]]
	if !ok {
		return fmt.Errorf("unknown device %q", args[0])
	}
	if err := s.reg.Detach(dev); err != nil {
		return err
	}
	delete(s.devices, args[0])
	fmt.Fprintf(s.out, "detach %s refs=%d\n", dev.name, s.d.ReadRefs())
	return nil
}

func parseDirection(s string) (domain.Direction, error) {
	switch s {
	case "rw":
		return domain.Bidirectional, nil
	case "r":
		return domain.ToDevice, nil
	case "w":
		return domain.FromDevice, nil
	default:
		return domain.None, fmt.Errorf("invalid direction %q", s)
	}
}

func (s *Simulator) newHandle(name string) error {
	if _, ok := s.handles[name]; ok {
		return fmt.Errorf("handle %q already mapped", name)
	}
	return nil
}

func (s *Simulator) mapPage(args []string) error {
	if err := nargs(args, 3, 5); err != nil {
		return err
	}
	name := args[0]
	if err := s.newHandle(name); err != nil {
		return err
	}
	phys, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	size, err := parseSize(args[2])
	if err != nil {
		return err
	}
	dir := domain.Bidirectional
	if len(args) > 3 {
		if dir, err = parseDirection(args[3]); err != nil {
			return err
		}
	}
	coherent := len(args) > 4 && args[4] == "coherent"
	if len(args) > 4 && !coherent {
		return fmt.Errorf("invalid flag %q", args[4])
	}
	iova, err := s.d.MapPage(phys, size, dir, coherent)
	if err != nil {
		return err
	}
	s.handles[name] = handle{iova: iova, size: size}
	fmt.Fprintf(s.out, "map %s %v\n", name, iova)
	return nil
}

// parseSegment parses <phys>+<len>[@<offset>].
func parseSegment(s string) (sg.Segment, error) {
	var seg sg.Segment
	rest := s
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		off, err := parseSize(rest[i+1:])
		if err != nil {
			return seg, err
		}
		seg.Offset = off
		rest = rest[:i]
	}
	phys, length, ok := strings.Cut(rest, "+")
	if !ok {
		return seg, fmt.Errorf("invalid segment %q", s)
	}
	var err error
	if seg.Phys, err = parseAddr(phys); err != nil {
		return seg, err
	}
	if seg.Length, err = parseSize(length); err != nil {
		return seg, err
	}
	return seg, nil
}

func (s *Simulator) alloc(args []string) error {
	if err := nargs(args, 4, -1); err != nil {
		return err
	}
	name := args[0]
	if err := s.newHandle(name); err != nil {
		return err
	}
	mask, err := parseSize(args[1])
	if err != nil {
		return err
	}
	maxSeg, err := parseSize(args[2])
	if err != nil {
		return err
	}
	segs := make([]sg.Segment, 0, len(args)-3)
	for _, a := range args[3:] {
		seg, err := parseSegment(a)
		if err != nil {
			return err
		}
		segs = append(segs, seg)
	}
	n, err := s.d.MapSegments(segs, domain.Bidirectional, false, mask, maxSeg)
	if err != nil {
		return err
	}
	s.handles[name] = handle{segs: segs}
	var b strings.Builder
	for _, r := range sg.Mapped(segs) {
		fmt.Fprintf(&b, " %v+%#x", r.Addr, r.Length)
	}
	fmt.Fprintf(s.out, "alloc %s %d%s\n", name, n, b.String())
	return nil
}

func (s *Simulator) release(h handle) error {
	if h.segs != nil {
		return s.d.UnmapSegments(h.segs)
	}
	return s.d.Unmap(h.iova, h.size)
}

func (s *Simulator) unmap(args []string) error {
	if err := nargs(args, 1, 1); err != nil {
		return err
	}
	h, ok := s.handles[args[0]]
	if !ok {
		return fmt.Errorf("unknown handle %q", args[0])
	}
	if err := s.release(h); err != nil {
		return err
	}
	delete(s.handles, args[0])
	fmt.Fprintf(s.out, "unmap %s\n", args[0])
	return nil
}

func (s *Simulator) reserve(args []string) error {
	if err := nargs(args, 2, 2); err != nil {
		return err
	}
	iova, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(args[1])
	if err != nil {
		return err
	}
	if err := s.d.ReserveFixed(iova, size); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "reserve %v+%#x\n", iova, size)
	return nil
}

func (s *Simulator) translate(args []string) error {
	if err := nargs(args, 1, 1); err != nil {
		return err
	}
	iova, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	phys, prot, ok := s.tbl.Translate(iova)
	if !ok {
		fmt.Fprintf(s.out, "translate %v unmapped\n", iova)
		return nil
	}
	fmt.Fprintf(s.out, "translate %v %v %v\n", iova, phys, prot)
	return nil
}

func (s *Simulator) stats(args []string) error {
	if err := nargs(args, 0, 0); err != nil {
		return err
	}
	st := s.d.Stats()
	fmt.Fprintf(s.out, "stats bitmaps=%d/%d pages=%d/%d mapped=%#x\n", st.Bitmaps, st.MaxBitmaps, st.PagesSet, st.CapacityPages, s.d.MappedBytes())
	return nil
}
