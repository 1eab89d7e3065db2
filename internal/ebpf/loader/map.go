// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package loader

import (
	"github.com/cilium/ebpf"

	"grimm.is/tetherd/internal/ebpf/interfaces"
)

// MapWrapper adapts an *ebpf.Map to interfaces.Map for diagnostic dumps.
type MapWrapper struct {
	ebpfMap *ebpf.Map
}

// NewMapWrapper wraps m.
func NewMapWrapper(m *ebpf.Map) *MapWrapper {
	return &MapWrapper{ebpfMap: m}
}

// Info returns the map's static metadata.
func (m *MapWrapper) Info() (interfaces.MapInfo, error) {
	info, err := m.ebpfMap.Info()
	if err != nil {
		return interfaces.MapInfo{}, err
	}
	return interfaces.MapInfo{
		Name:       info.Name,
		Type:       info.Type.String(),
		KeySize:    uint32(info.KeySize),
		ValueSize:  uint32(info.ValueSize),
		MaxEntries: info.MaxEntries,
		Flags:      uint32(info.Flags),
	}, nil
}

// GetMap returns the underlying eBPF map.
func (m *MapWrapper) GetMap() *ebpf.Map {
	return m.ebpfMap
}
