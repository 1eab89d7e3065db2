// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/offload/types"
)

func TestFakeRegistryCRUD(t *testing.T) {
	r := NewFakeRegistry()
	require.False(t, r.Degraded())

	key := types.LimitKey{Ifindex: 1001}
	val := types.LimitValue{QuotaBytes: 1_048_576_000}

	require.NoError(t, r.Limit.Insert(key, val))
	got, ok, err := r.Limit.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val, got)

	require.NoError(t, r.Limit.Delete(key))
	_, ok, err = r.Limit.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestDegradedModeBlocksMutation verifies P7: once a registry is
// degraded, every mutating call is a silent no-op.
func TestDegradedModeBlocksMutation(t *testing.T) {
	r := NewFakeRegistry()
	r.ForceDegraded("upstream4_map unavailable")
	require.True(t, r.Degraded())

	key := types.Tether4Key{Iif: 2001}
	val := types.Tether4Value{Oif: 1001}

	require.NoError(t, r.Upstream4.Insert(key, val))
	_, ok, err := r.Upstream4.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "insert must have been a no-op in degraded mode")

	require.NoError(t, r.ClearAll())
}

func TestClearAll(t *testing.T) {
	r := NewFakeRegistry()
	require.NoError(t, r.Stats.Insert(types.StatsKey{Ifindex: 1}, types.StatsValue{RxBytes: 10}))
	require.NoError(t, r.ClearAll())
	_, ok, err := r.Stats.Get(types.StatsKey{Ifindex: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}
