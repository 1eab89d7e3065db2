// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/quota"
	"grimm.is/tetherd/internal/offload/sessions"
	"grimm.is/tetherd/internal/offload/types"
)

type fakeQuotaSink struct{}

func (fakeQuotaSink) NotifyStatsUpdated(map[uint32]quota.Delta, map[quota.IfaceUID]quota.Delta) {}
func (fakeQuotaSink) NotifyAlertReached()                                                       {}

type fakeRefresher struct {
	refreshed []types.Tether4Key
}

func (f *fakeRefresher) RefreshTimeout(key types.Tether4Key, timeout time.Duration) error {
	f.refreshed = append(f.refreshed, key)
	return nil
}

type fakeSessionsSink struct {
	peaks []int
}

func (f *fakeSessionsSink) NotifyActiveSessionsPeak(peak int) {
	f.peaks = append(f.peaks, peak)
}

func TestResolveStatsPollIntervalEnforcesFloor(t *testing.T) {
	assert.Equal(t, DefaultStatsPollInterval, ResolveStatsPollInterval(0))
	assert.Equal(t, DefaultStatsPollInterval, ResolveStatsPollInterval(500*time.Millisecond))
	assert.Equal(t, 10*time.Second, ResolveStatsPollInterval(10*time.Second))
}

func newTestTimers(t *testing.T, downstreamCount int) (*Timers, *maps.Registry, *ipv4rules.Store, *fakeRefresher, *fakeSessionsSink, *sessions.Counter) {
	t.Helper()
	reg := maps.NewFakeRegistry()
	ipv4Store := ipv4rules.New(reg)
	quotaEngine := quota.New(reg, fakeQuotaSink{}, types.QuotaUnlimited)
	sessionCounter := sessions.New()
	refresher := &fakeRefresher{}
	sink := &fakeSessionsSink{}

	tm := New(reg, quotaEngine, ipv4Store, sessionCounter, refresher, sink, func() int { return downstreamCount }, 1000)
	return tm, reg, ipv4Store, refresher, sink, sessionCounter
}

// TestTasksAreNoOpsWhenDegraded exercises P7 at the timer-subsystem layer.
func TestTasksAreNoOpsWhenDegraded(t *testing.T) {
	tm, reg, _, refresher, sink, sessionCounter := newTestTimers(t, 1)
	reg.ForceDegraded("map missing")
	sessionCounter.Inc()

	require.NoError(t, tm.PollStats())
	require.NoError(t, tm.RefreshConntrackTimeouts(5000))
	tm.UploadActiveSessionsPeak()

	assert.Empty(t, refresher.refreshed)
	assert.Empty(t, sink.peaks)
}

func TestTasksAreNoOpsWithNoDownstreams(t *testing.T) {
	tm, _, _, refresher, sink, sessionCounter := newTestTimers(t, 0)
	sessionCounter.Inc()

	require.NoError(t, tm.PollStats())
	require.NoError(t, tm.RefreshConntrackTimeouts(5000))
	tm.UploadActiveSessionsPeak()

	assert.Empty(t, refresher.refreshed)
	assert.Empty(t, sink.peaks)
}

func TestPollStatsDelegatesToQuotaEngine(t *testing.T) {
	tm, reg, _, _, _, _ := newTestTimers(t, 1)
	require.NoError(t, reg.Stats.Insert(types.StatsKey{Ifindex: 1001}, types.StatsValue{RxBytes: 500}))
	require.NoError(t, tm.PollStats())
}

func TestRefreshSkipsStaleFlows(t *testing.T) {
	tm, reg, ipv4Store, refresher, _, _ := newTestTimers(t, 1)

	fresh := types.Tether4Key{Iif: 2001, Proto: types.ProtoTCP, SrcPort: 1, DstPort: 2}
	stale := types.Tether4Key{Iif: 2001, Proto: types.ProtoUDP, SrcPort: 3, DstPort: 4}

	require.NoError(t, ipv4Store.Insert(ipv4rules.Entry{UpstreamKey: fresh, DownstreamKey: fresh}))
	require.NoError(t, ipv4Store.Insert(ipv4rules.Entry{UpstreamKey: stale, DownstreamKey: stale}))

	// Simulate the kernel datapath advancing last_used independently of
	// the in-memory entry, which still holds the value seeded at insert.
	require.NoError(t, reg.Upstream4.Update(fresh, types.Tether4Value{LastUsed: 5000}))
	require.NoError(t, reg.Upstream4.Update(stale, types.Tether4Value{LastUsed: 1000}))

	require.NoError(t, tm.RefreshConntrackTimeouts(5500))

	require.Len(t, refresher.refreshed, 1)
	assert.Equal(t, fresh, refresher.refreshed[0])
}

func TestUploadActiveSessionsPeakReportsAndResets(t *testing.T) {
	tm, _, _, _, sink, sessionCounter := newTestTimers(t, 1)
	sessionCounter.Inc()
	sessionCounter.Inc()
	sessionCounter.Dec()

	tm.UploadActiveSessionsPeak()
	require.Len(t, sink.peaks, 1)
	assert.Equal(t, 2, sink.peaks[0])

	tm.UploadActiveSessionsPeak()
	require.Len(t, sink.peaks, 2)
	assert.Equal(t, 1, sink.peaks[1])
}
