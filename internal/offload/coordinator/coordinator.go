// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package coordinator implements BpfCoordinator: the single-threaded
// executor that ties the map registry, rule stores, event consumers,
// quota engine, upstream manager, and timer subsystem into a single
// external API for managing tethering offload.
package coordinator

import (
	"sync"
	"time"

	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/netutil"
	"grimm.is/tetherd/internal/offload/clients"
	"grimm.is/tetherd/internal/offload/conntrack"
	"grimm.is/tetherd/internal/offload/ifaces"
	"grimm.is/tetherd/internal/offload/ipv4rules"
	"grimm.is/tetherd/internal/offload/ipv6rules"
	"grimm.is/tetherd/internal/offload/maps"
	"grimm.is/tetherd/internal/offload/neighbor"
	"grimm.is/tetherd/internal/offload/quota"
	"grimm.is/tetherd/internal/offload/sessions"
	"grimm.is/tetherd/internal/offload/timers"
	"grimm.is/tetherd/internal/offload/types"
	"grimm.is/tetherd/internal/offload/upstream"
)

// Monitor is a start/stop-able event subscription (netlink neighbor
// monitoring or conntrack monitoring).
type Monitor interface {
	Start() error
	Stop() error
}

type noopMonitor struct{}

func (noopMonitor) Start() error { return nil }
func (noopMonitor) Stop() error  { return nil }

// ProgramAttacher attaches/detaches the TC datapath programs to
// interfaces (§6 attach_program/detach_program).
type ProgramAttacher interface {
	AttachIngress(ifaceIndex uint32) error
	AttachEgress(ifaceIndex uint32) error
	DetachIngress(ifaceIndex uint32) error
	DetachEgress(ifaceIndex uint32) error
}

// Config bundles the coordinator's timer intervals (§4.10).
type Config struct {
	StatsPollInterval          time.Duration
	ActiveSessionsUploadPeriod time.Duration
}

// Coordinator is BpfCoordinator: owns all in-memory state and the single
// executor goroutine everything runs on.
type Coordinator struct {
	reg              *maps.Registry
	ifaceTable       *ifaces.Table
	clientTable      *clients.Table
	ipv6Store        *ipv6rules.Store
	ipv4Store        *ipv4rules.Store
	quotaEngine      *quota.Engine
	upstreamMgr      *upstream.Manager
	neighborConsumer *neighbor.Consumer
	conntrackConsumer *conntrack.Consumer
	sessionCounter   *sessions.Counter
	timerSvc         *timers.Timers
	attacher         ProgramAttacher
	neighborMonitor  Monitor
	conntrackMonitor Monitor
	logger           *logging.Logger
	cfg              Config

	commands chan func()
	stop     chan struct{}
	wg       sync.WaitGroup

	timerStop chan struct{}
	timerWG   sync.WaitGroup

	mu             sync.Mutex // not taken by any method: the maps below are read and written only on the executor goroutine
	downstreams    map[uint32]types.InterfaceParams
	ingressAttach  map[uint32]int
	egressAttach   map[uint32]int
}

// New creates a Coordinator. attacher, neighborMonitor, and
// conntrackMonitor may be nil, in which case attach/detach and
// monitor start/stop become no-ops (useful for tests and for running
// without kernel privileges).
func New(
	reg *maps.Registry,
	ifaceTable *ifaces.Table,
	clientTable *clients.Table,
	ipv6Store *ipv6rules.Store,
	ipv4Store *ipv4rules.Store,
	quotaEngine *quota.Engine,
	upstreamMgr *upstream.Manager,
	neighborConsumer *neighbor.Consumer,
	conntrackConsumer *conntrack.Consumer,
	sessionCounter *sessions.Counter,
	timerSvc *timers.Timers,
	attacher ProgramAttacher,
	neighborMonitor Monitor,
	conntrackMonitor Monitor,
	logger *logging.Logger,
	cfg Config,
) *Coordinator {
	if neighborMonitor == nil {
		neighborMonitor = noopMonitor{}
	}
	if conntrackMonitor == nil {
		conntrackMonitor = noopMonitor{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.StatsPollInterval = timers.ResolveStatsPollInterval(cfg.StatsPollInterval)
	if cfg.ActiveSessionsUploadPeriod <= 0 {
		cfg.ActiveSessionsUploadPeriod = 60 * time.Second
	}

	return &Coordinator{
		reg:               reg,
		ifaceTable:        ifaceTable,
		clientTable:       clientTable,
		ipv6Store:         ipv6Store,
		ipv4Store:         ipv4Store,
		quotaEngine:       quotaEngine,
		upstreamMgr:       upstreamMgr,
		neighborConsumer:  neighborConsumer,
		conntrackConsumer: conntrackConsumer,
		sessionCounter:    sessionCounter,
		timerSvc:          timerSvc,
		attacher:          attacher,
		neighborMonitor:   neighborMonitor,
		conntrackMonitor:  conntrackMonitor,
		logger:            logger,
		cfg:               cfg,
		commands:          make(chan func(), 256),
		stop:              make(chan struct{}),
		downstreams:       make(map[uint32]types.InterfaceParams),
		ingressAttach:      make(map[uint32]int),
		egressAttach:       make(map[uint32]int),
	}
}

// Start launches the executor goroutine.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop drains and stops the executor, tearing down any running timers
// and monitors.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case cmd := <-c.commands:
			cmd()
		}
	}
}

// exec runs fn on the executor and waits for completion.
func (c *Coordinator) exec(fn func()) {
	done := make(chan struct{})
	c.commands <- func() { fn(); close(done) }
	<-done
}

// post runs fn on the executor without waiting, for fire-and-forget
// event delivery (§7 propagation).
func (c *Coordinator) post(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.stop:
	}
}

// DownstreamCount returns the number of downstream interfaces currently
// registered via AddIPServer. It reads c.downstreams directly, so it must
// be called on the executor goroutine, where the timer tasks that consult
// it run.
func (c *Coordinator) DownstreamCount() int {
	return len(c.downstreams)
}

// --- downstream lifecycle (§6 add_ip_server/remove_ip_server) ---

// AddIPServer registers a downstream interface. The first registration
// starts the neighbor and conntrack monitors and the timer tasks.
func (c *Coordinator) AddIPServer(iface types.InterfaceParams) error {
	var err error
	c.exec(func() {
		wasEmpty := len(c.downstreams) == 0
		c.downstreams[iface.Index] = iface
		c.ifaceTable.Add(iface.Index, iface.Name, iface.MAC, iface.MTU)
		c.neighborConsumer.RegisterDownstream(iface.Index)

		if wasEmpty {
			if e := c.neighborMonitor.Start(); e != nil {
				err = e
				return
			}
			if e := c.conntrackMonitor.Start(); e != nil {
				err = e
				return
			}
			c.startTimerTasksLocked()
		}
	})
	return err
}

// RemoveIPServer tears down a downstream's rules and, if it was the
// last one, stops the monitors and timer tasks.
func (c *Coordinator) RemoveIPServer(index uint32) error {
	var err error
	c.exec(func() {
		if _, ok := c.downstreams[index]; !ok {
			return
		}
		delete(c.downstreams, index)
		c.neighborConsumer.UnregisterDownstream(index)

		for _, removed := range c.clientTable.ClearDownstream(index) {
			drained, dErr := c.ipv4Store.RemoveByClient(index, removed.ClientIPv4)
			if dErr != nil {
				err = dErr
			}
			for range drained {
				c.sessionCounter.Dec()
			}
		}
		if e := c.ipv6Store.ClearAll(index); e != nil {
			err = e
		}

		if len(c.downstreams) == 0 {
			c.stopTimerTasksLocked()
			if e := c.neighborMonitor.Stop(); e != nil {
				err = e
			}
			if e := c.conntrackMonitor.Stop(); e != nil {
				err = e
			}
		}
	})
	return err
}

// --- upstream entrypoints (§6) ---

// UpdateIPv6Upstream is the primary per-downstream upstream-change
// entrypoint (§6 update_ipv6_upstream).
func (c *Coordinator) UpdateIPv6Upstream(downstreamIndex, upstreamIndex uint32, prefixes map[uint64]struct{}, outerSrcMAC, outerDstMAC types.MAC, pmtu uint16) error {
	var err error
	c.exec(func() {
		iface, ok := c.downstreams[downstreamIndex]
		if !ok {
			err = newInvariantViolation("update_ipv6_upstream on unregistered downstream")
			return
		}
		if e := c.ipv6Store.UpdateUpstream(downstreamIndex, iface.MAC, upstreamIndex, prefixes, outerSrcMAC, outerDstMAC, pmtu); e != nil {
			err = newMapOperationFailed(e, ReasonIPv6RuleWrite)
		}
	})
	return err
}

// UpdateUpstreamNetworkState is the global upstream-change entrypoint
// (§6 update_upstream_network_state). state == nil means NO_UPSTREAM.
func (c *Coordinator) UpdateUpstreamNetworkState(state *types.UpstreamInfo) error {
	var err error
	c.exec(func() {
		newState := types.NoUpstream()
		if state != nil {
			newState = *state
		}

		oldUpstream := c.upstreamMgr.Current()
		refs := make([]upstream.DownstreamRef, 0, len(c.downstreams))
		for idx, iface := range c.downstreams {
			refs = append(refs, upstream.DownstreamRef{Index: idx, MAC: iface.MAC})
		}

		drained, e := c.upstreamMgr.UpstreamChanged(newState, refs)
		if e != nil {
			err = newMapOperationFailed(e, ReasonIPv4RuleWrite)
			return
		}
		for range drained {
			c.sessionCounter.Dec()
		}
		if len(drained) > 0 && !oldUpstream.IsNone() {
			if e := c.quotaEngine.RemoveUpstream(oldUpstream.Index); e != nil {
				err = newMapOperationFailed(e, ReasonQuotaWrite)
			}
		}
	})
	return err
}

// --- quota & alert (§6 set_data_limit/set_alert) ---

// SetDataLimit implements set_data_limit.
func (c *Coordinator) SetDataLimit(ifaceIndex uint32, bytes uint64) error {
	var err error
	c.exec(func() {
		if e := c.quotaEngine.SetLimit(ifaceIndex, bytes); e != nil {
			err = newMapOperationFailed(e, ReasonQuotaWrite)
		}
	})
	return err
}

// SetAlert implements set_alert.
func (c *Coordinator) SetAlert(bytes uint64) {
	c.exec(func() {
		c.quotaEngine.SetAlert(bytes)
	})
}

// --- client table (§6 client_add/remove/clear) ---

// ClientAdd implements client_add.
func (c *Coordinator) ClientAdd(downstreamIndex uint32, client types.ClientInfo) bool {
	var ok bool
	c.exec(func() {
		ok = c.clientTable.Add(downstreamIndex, client)
	})
	return ok
}

// ClientRemove implements client_remove: removes the client and cascades
// into the IPv4 rule store (P4).
func (c *Coordinator) ClientRemove(downstreamIndex uint32, addr types.IPv4) error {
	var err error
	c.exec(func() {
		err = c.clientRemoveLocked(downstreamIndex, addr)
	})
	return err
}

func (c *Coordinator) clientRemoveLocked(downstreamIndex uint32, addr types.IPv4) error {
	_, found, _ := c.clientTable.Remove(downstreamIndex, addr)
	if !found {
		return nil
	}
	drained, err := c.ipv4Store.RemoveByClient(downstreamIndex, addr)
	if err != nil {
		return newMapOperationFailed(err, ReasonIPv4RuleWrite)
	}
	for range drained {
		c.sessionCounter.Dec()
	}
	return nil
}

// ClientClear implements client_clear: removes every client on
// downstreamIndex.
func (c *Coordinator) ClientClear(downstreamIndex uint32) error {
	var err error
	c.exec(func() {
		for _, removed := range c.clientTable.ClearDownstream(downstreamIndex) {
			drained, e := c.ipv4Store.RemoveByClient(downstreamIndex, removed.ClientIPv4)
			if e != nil {
				err = newMapOperationFailed(e, ReasonIPv4RuleWrite)
				continue
			}
			for range drained {
				c.sessionCounter.Dec()
			}
		}
	})
	return err
}

// --- datapath program attach/detach (§6 attach_program/detach_program) ---

// AttachProgram attaches the TC datapath to the downstream-facing
// (ingress) and upstream-facing (egress) interfaces, refcounted per
// physical interface so repeated pairings attach each program once.
// Virtual interfaces are skipped.
func (c *Coordinator) AttachProgram(ingressIface, egressIface types.InterfaceParams) error {
	if c.attacher == nil {
		return nil
	}
	var err error
	c.exec(func() {
		if !ingressIface.IsVirtual {
			if c.ingressAttach[ingressIface.Index] == 0 {
				if e := c.attacher.AttachIngress(ingressIface.Index); e != nil {
					err = newMapOperationFailed(e, ReasonProgramAttach)
					return
				}
			}
			c.ingressAttach[ingressIface.Index]++
		}
		if !egressIface.IsVirtual {
			if c.egressAttach[egressIface.Index] == 0 {
				if e := c.attacher.AttachEgress(egressIface.Index); e != nil {
					err = newMapOperationFailed(e, ReasonProgramAttach)
					return
				}
			}
			c.egressAttach[egressIface.Index]++
		}
	})
	return err
}

// DetachProgram reverses AttachProgram, detaching a physical interface's
// program only once its refcount reaches zero.
func (c *Coordinator) DetachProgram(ingressIface, egressIface types.InterfaceParams) error {
	if c.attacher == nil {
		return nil
	}
	var err error
	c.exec(func() {
		if !ingressIface.IsVirtual && c.ingressAttach[ingressIface.Index] > 0 {
			c.ingressAttach[ingressIface.Index]--
			if c.ingressAttach[ingressIface.Index] == 0 {
				if e := c.attacher.DetachIngress(ingressIface.Index); e != nil {
					err = newMapOperationFailed(e, ReasonProgramAttach)
				}
			}
		}
		if !egressIface.IsVirtual && c.egressAttach[egressIface.Index] > 0 {
			c.egressAttach[egressIface.Index]--
			if c.egressAttach[egressIface.Index] == 0 {
				if e := c.attacher.DetachEgress(egressIface.Index); e != nil {
					err = newMapOperationFailed(e, ReasonProgramAttach)
				}
			}
		}
	})
	return err
}

// --- event delivery (fire-and-forget, §7 propagation) ---

// HandleNeighborEvent dispatches a neighbor event onto the executor.
func (c *Coordinator) HandleNeighborEvent(ev neighbor.Event) {
	c.post(func() {
		if err := c.neighborConsumer.HandleEvent(ev); err != nil {
			mac := ""
			if ev.HasMAC {
				mac = netutil.FormatMAC(ev.MAC[:])
			}
			c.logger.Error("neighbor event handling failed", "error", err, "iface", ev.IfaceIndex, "mac", mac)
		}
	})
}

// HandleConntrackEvent dispatches a conntrack event onto the executor.
func (c *Coordinator) HandleConntrackEvent(ev conntrack.Event) {
	c.post(func() {
		if err := c.conntrackConsumer.HandleEvent(ev); err != nil {
			c.logger.Error("conntrack event handling failed", "error", err)
		}
	})
}

// --- timer task lifecycle ---

func (c *Coordinator) startTimerTasksLocked() {
	if c.timerStop != nil {
		return
	}
	c.timerStop = make(chan struct{})
	c.timerWG.Add(3)
	go c.runTicker(c.cfg.StatsPollInterval, func() { _ = c.timerSvc.PollStats() })
	go c.runTicker(timers.ConntrackRefreshInterval, func() { _ = c.timerSvc.RefreshConntrackTimeouts(monotonicNanos()) })
	go c.runTicker(c.cfg.ActiveSessionsUploadPeriod, c.timerSvc.UploadActiveSessionsPeak)
}

func (c *Coordinator) stopTimerTasksLocked() {
	if c.timerStop == nil {
		return
	}
	close(c.timerStop)
	c.timerWG.Wait()
	c.timerStop = nil
}

func (c *Coordinator) runTicker(interval time.Duration, fn func()) {
	defer c.timerWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	stop := c.timerStop
	for {
		select {
		case <-stop:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.post(fn)
		}
	}
}
