// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package loader loads the tethering datapath's compiled eBPF collection
// and attaches its two TCX programs, implementing
// coordinator.ProgramAttacher (§6 attach_program/detach_program).
package loader

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"grimm.is/tetherd/internal/ebpf/interfaces"
	"grimm.is/tetherd/internal/host"
)

// Program names expected in the compiled collection.
const (
	ProgIngress = "tether_ingress" // attached TCX ingress on downstream-facing interfaces
	ProgEgress  = "tether_egress"  // attached TCX egress on upstream-facing interfaces
)

// DatapathLoader loads the tethering collection once and attaches its
// two programs to arbitrary interfaces by index, tracking one link per
// (program, ifindex) pair so a later detach can tear down the right one.
type DatapathLoader struct {
	collection *ebpf.Collection

	mu    sync.Mutex
	links map[string]link.Link // keyed by fmt.Sprintf("%s:%d", prog, ifindex)
}

// NewDatapathLoader creates an unloaded loader.
func NewDatapathLoader() *DatapathLoader {
	return &DatapathLoader{links: make(map[string]link.Link)}
}

// LoadSpec parses a compiled collection from embedded object code.
func (l *DatapathLoader) LoadSpec(data []byte) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	return spec, nil
}

// LoadCollection instantiates the collection's programs and maps.
// Callers typically then build a maps.Registry from Collection().
func (l *DatapathLoader) LoadCollection(spec *ebpf.CollectionSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.collection != nil {
		return fmt.Errorf("collection already loaded")
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	l.collection = coll
	return nil
}

// Collection returns the loaded collection, or nil if none is loaded.
func (l *DatapathLoader) Collection() *ebpf.Collection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collection
}

func (l *DatapathLoader) attach(progName string, ifindex uint32, direction ebpf.AttachType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s:%d", progName, ifindex)
	if _, ok := l.links[key]; ok {
		return nil
	}
	if l.collection == nil {
		return fmt.Errorf("no collection loaded")
	}
	prog, ok := l.collection.Programs[progName]
	if !ok {
		return fmt.Errorf("program %s not found in collection", progName)
	}

	lnk, err := link.AttachTCX(link.TCXOptions{
		Program:   prog,
		Interface: int(ifindex),
		Attach:    direction,
	})
	if err != nil {
		return fmt.Errorf("attach %s to ifindex %d: %w", progName, ifindex, err)
	}
	l.links[key] = lnk
	return nil
}

func (l *DatapathLoader) detach(progName string, ifindex uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s:%d", progName, ifindex)
	lnk, ok := l.links[key]
	if !ok {
		return nil
	}
	delete(l.links, key)
	return lnk.Close()
}

// AttachIngress attaches the downstream-facing program to ifindex (§6).
func (l *DatapathLoader) AttachIngress(ifindex uint32) error {
	return l.attach(ProgIngress, ifindex, ebpf.AttachTCXIngress)
}

// AttachEgress attaches the upstream-facing program to ifindex (§6).
func (l *DatapathLoader) AttachEgress(ifindex uint32) error {
	return l.attach(ProgEgress, ifindex, ebpf.AttachTCXEgress)
}

// DetachIngress detaches the downstream-facing program from ifindex.
func (l *DatapathLoader) DetachIngress(ifindex uint32) error {
	return l.detach(ProgIngress, ifindex)
}

// DetachEgress detaches the upstream-facing program from ifindex.
func (l *DatapathLoader) DetachEgress(ifindex uint32) error {
	return l.detach(ProgEgress, ifindex)
}

// GetProgram returns a loaded program by name, for diagnostics.
func (l *DatapathLoader) GetProgram(name string) (interfaces.Program, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.collection == nil {
		return nil, fmt.Errorf("no collection loaded")
	}
	prog, ok := l.collection.Programs[name]
	if !ok {
		return nil, fmt.Errorf("program %s not found", name)
	}
	return NewProgramWrapper(prog), nil
}

// GetMap returns a loaded map by name, for diagnostics.
func (l *DatapathLoader) GetMap(name string) (interfaces.Map, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.collection == nil {
		return nil, fmt.Errorf("no collection loaded")
	}
	m, ok := l.collection.Maps[name]
	if !ok {
		return nil, fmt.Errorf("map %s not found", name)
	}
	return NewMapWrapper(m), nil
}

// DiagnosticInfo returns static metadata for the two attached datapath
// programs and for any of mapNames present in the loaded collection, for
// startup/debug logging. Entries that cannot be resolved (most commonly
// because no collection is loaded at all) are silently omitted rather
// than treated as an error.
func (l *DatapathLoader) DiagnosticInfo(mapNames []string) ([]interfaces.ProgramInfo, []interfaces.MapInfo) {
	var programs []interfaces.ProgramInfo
	for _, name := range []string{ProgIngress, ProgEgress} {
		prog, err := l.GetProgram(name)
		if err != nil {
			continue
		}
		if info, err := prog.Info(); err == nil {
			programs = append(programs, info)
		}
	}

	var maps []interfaces.MapInfo
	for _, name := range mapNames {
		m, err := l.GetMap(name)
		if err != nil {
			continue
		}
		if info, err := m.Info(); err == nil {
			maps = append(maps, info)
		}
	}

	return programs, maps
}

// Close closes every attach link and the underlying collection.
func (l *DatapathLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for key, lnk := range l.links {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.links, key)
	}
	if l.collection != nil {
		l.collection.Close()
		l.collection = nil
	}
	return firstErr
}

// VerifyKernelSupport fails fast if the kernel is missing required eBPF
// features, before attempting to load the collection.
func VerifyKernelSupport() error {
	for _, issue := range host.VerifyBPFSupport() {
		if issue.Fatal {
			return fmt.Errorf("kernel support verification failed: %s", issue.Message)
		}
	}
	return nil
}

// EnableJIT enables eBPF JIT compilation, required for the datapath
// programs to run at line rate.
func EnableJIT() error {
	return os.WriteFile("/proc/sys/net/core/bpf_jit_enable", []byte("1"), 0o644)
}
