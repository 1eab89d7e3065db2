// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package timers implements the timer subsystem (C10): stats polling,
// conntrack timeout refresh, and active-sessions metrics upload, all
// driven by the coordinator's executor.
package timers

import (
	"time"

	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/quota"
	"grimm.is/tetherd/internal/offload/sessions"
	"grimm.is/tetherd/internal/offload/types"
)

// DefaultStatsPollInterval is used whenever the configured interval is
// below MinStatsPollInterval.
const DefaultStatsPollInterval = 5 * time.Second

// MinStatsPollInterval is the floor enforced on the configurable stats
// poll interval (§4.10).
const MinStatsPollInterval = 1 * time.Second

// ConntrackRefreshInterval is the fixed interval for the conntrack
// timeout refresh task.
const ConntrackRefreshInterval = 60 * time.Second

// DefaultTCPEstablishedTimeout and DefaultUDPStreamTimeout are the
// netlink timeout values applied to refreshed flows.
const (
	DefaultTCPEstablishedTimeout = 432000 * time.Second
	DefaultUDPStreamTimeout      = 180 * time.Second
)

// ResolveStatsPollInterval applies the floor: configured values below
// MinStatsPollInterval are rejected and the default substituted.
func ResolveStatsPollInterval(configured time.Duration) time.Duration {
	if configured < MinStatsPollInterval {
		return DefaultStatsPollInterval
	}
	return configured
}

// ConntrackRefresher issues a netlink conntrack-timeout-update for one
// live flow, keyed by its Tether4Key 5-tuple.
type ConntrackRefresher interface {
	RefreshTimeout(key types.Tether4Key, timeout time.Duration) error
}

// SessionsSink receives the periodic active-sessions peak report.
type SessionsSink interface {
	NotifyActiveSessionsPeak(peak int)
}

// Timers is the timer subsystem (C10). All three tasks are silent
// no-ops while the registry is degraded or there are no downstreams.
type Timers struct {
	reg             *maps.Registry
	quotaEngine     *quota.Engine
	ipv4Store       *ipv4rules.Store
	sessionCounter  *sessions.Counter
	refresher       ConntrackRefresher
	sink            SessionsSink
	downstreamCount func() int

	refreshWindow time.Duration
	tcpTimeout    time.Duration
	udpTimeout    time.Duration
}

// New creates a timer subsystem. refreshWindow bounds how recently a
// flow's last_used counter must have advanced for its timeout to be
// refreshed; flows older than the window are left to expire naturally.
func New(
	reg *maps.Registry,
	quotaEngine *quota.Engine,
	ipv4Store *ipv4rules.Store,
	sessionCounter *sessions.Counter,
	refresher ConntrackRefresher,
	sink SessionsSink,
	downstreamCount func() int,
	refreshWindow time.Duration,
) *Timers {
	return &Timers{
		reg:             reg,
		quotaEngine:     quotaEngine,
		ipv4Store:       ipv4Store,
		sessionCounter:  sessionCounter,
		refresher:       refresher,
		sink:            sink,
		downstreamCount: downstreamCount,
		refreshWindow:   refreshWindow,
		tcpTimeout:      DefaultTCPEstablishedTimeout,
		udpTimeout:      DefaultUDPStreamTimeout,
	}
}

func (t *Timers) idle() bool {
	return t.reg.Degraded() || t.downstreamCount() == 0
}

// PollStats runs the stats-poll task.
func (t *Timers) PollStats() error {
	if t.idle() {
		return nil
	}
	return t.quotaEngine.Poll()
}

// RefreshConntrackTimeouts runs the conntrack-timeout-refresh task.
// nowTicks and the map's last_used field share the kernel's monotonic
// clock units; flows whose last_used is within refreshWindow of nowTicks
// are kept alive.
func (t *Timers) RefreshConntrackTimeouts(nowTicks uint64) error {
	if t.idle() {
		return nil
	}

	windowTicks := uint64(t.refreshWindow / time.Nanosecond)
	for _, e := range t.ipv4Store.Rules() {
		live, ok, err := t.reg.Upstream4.Get(e.UpstreamKey)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if nowTicks-live.LastUsed > windowTicks {
			continue
		}

		timeout := t.tcpTimeout
		if e.UpstreamKey.Proto == types.ProtoUDP {
			timeout = t.udpTimeout
		}
		if err := t.refresher.RefreshTimeout(e.UpstreamKey, timeout); err != nil {
			return err
		}
	}
	return nil
}

// UploadActiveSessionsPeak runs the active-sessions-metrics task.
func (t *Timers) UploadActiveSessionsPeak() {
	if t.idle() {
		return
	}
	t.sink.NotifyActiveSessionsPeak(t.sessionCounter.TakePeak())
}
