// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeMapInsertRejectsDuplicate(t *testing.T) {
	m := NewFakeMap[uint32, string]()
	require.NoError(t, m.Insert(1, "a"))
	err := m.Insert(1, "b")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestFakeMapUpdateOverwrites(t *testing.T) {
	m := NewFakeMap[uint32, string]()
	require.NoError(t, m.Update(1, "a"))
	require.NoError(t, m.Update(1, "b"))
	v, ok, err := m.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestFakeMapForEachEarlyStop(t *testing.T) {
	m := NewFakeMap[uint32, string]()
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, m.Insert(i, "x"))
	}
	visited := 0
	require.NoError(t, m.ForEach(func(uint32, string) bool {
		visited++
		return visited < 2
	}))
	assert.Equal(t, 2, visited)
}

func TestFakeMapClear(t *testing.T) {
	m := NewFakeMap[uint32, string]()
	require.NoError(t, m.Insert(1, "a"))
	require.NoError(t, m.Clear())
	assert.Equal(t, 0, m.Len())
}
