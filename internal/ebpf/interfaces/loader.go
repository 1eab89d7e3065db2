// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package interfaces holds the small introspection types the datapath
// loader exposes, kept independent of the cilium/ebpf types so callers
// outside internal/ebpf never need to import it directly.
package interfaces

import (
	"time"

	"github.com/cilium/ebpf"
)

// Program represents an attached eBPF program.
type Program interface {
	Info() (ProgramInfo, error)
}

// Map represents a loaded eBPF map.
type Map interface {
	Info() (MapInfo, error)
	GetMap() *ebpf.Map
}

// ProgramInfo describes one of the two tethering datapath programs.
type ProgramInfo struct {
	Name       string
	Type       string
	Tag        string
	ID         uint32
	AttachedTo []string
}

// MapInfo describes one of the collection's kernel maps.
type MapInfo struct {
	Name       string
	Type       string
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
	LoadedAt   time.Time
}
