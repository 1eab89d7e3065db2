// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"errors"

	"github.com/cilium/ebpf"
)

// EBPFMap adapts a *ebpf.Map to the KernelMap interface. Key and value
// types must be fixed-size structs matching the kernel-side layout; the
// cilium/ebpf library marshals them by reference, without copying through
// encoding/binary.
type EBPFMap[K comparable, V any] struct {
	m *ebpf.Map
}

// NewEBPFMap wraps an already-loaded eBPF map.
func NewEBPFMap[K comparable, V any](m *ebpf.Map) *EBPFMap[K, V] {
	return &EBPFMap[K, V]{m: m}
}

func (e *EBPFMap[K, V]) Insert(key K, value V) error {
	err := e.m.Update(&key, &value, ebpf.UpdateNoExist)
	if errors.Is(err, ebpf.ErrKeyExist) {
		return ErrKeyExists
	}
	return err
}

func (e *EBPFMap[K, V]) Update(key K, value V) error {
	return e.m.Update(&key, &value, ebpf.UpdateAny)
}

func (e *EBPFMap[K, V]) Delete(key K) error {
	err := e.m.Delete(&key)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

func (e *EBPFMap[K, V]) Get(key K) (V, bool, error) {
	var value V
	err := e.m.Lookup(&key, &value)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		var zero V
		return zero, false, nil
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	return value, true, nil
}

func (e *EBPFMap[K, V]) ForEach(visit func(K, V) bool) error {
	var key K
	var value V
	it := e.m.Iterate()
	for it.Next(&key, &value) {
		if !visit(key, value) {
			break
		}
	}
	return it.Err()
}

func (e *EBPFMap[K, V]) Clear() error {
	var key K
	var value V
	it := e.m.Iterate()
	var keys []K
	for it.Next(&key, &value) {
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
