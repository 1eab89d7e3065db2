// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tetherd runs the tethering offload coordinator as a
// standalone process. The CLI, service registration, and
// configuration-loading UI around it are out of scope (§1): this wires
// the coordinator straight to a config file and the OS signal handler.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/tetherd/internal/config"
	"grimm.is/tetherd/internal/ebpf/loader"
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/metrics"
	"grimm.is/tetherd/internal/offload/clients"
	"grimm.is/tetherd/internal/offload/conntrack"
	"grimm.is/tetherd/internal/offload/coordinator"
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

func main() {
	configPath := "/etc/tetherd/tetherd.hcl"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Default()
	if cfg.Syslog.Enabled {
		w, err := logging.NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			logger.Warn("syslog forwarding disabled", "error", err)
		} else {
			logger = logging.New(w, charmlog.InfoLevel)
		}
	}

	if err := loader.VerifyKernelSupport(); err != nil {
		logger.Warn("kernel support check failed, continuing in degraded mode", "error", err)
	}

	dl := loader.NewDatapathLoader()
	reg := maps.NewFakeRegistry()
	reg.ForceDegraded("no compiled datapath collection embedded in this build")

	progs, mapInfos := dl.DiagnosticInfo([]string{
		maps.NameDownstream4, maps.NameUpstream4, maps.NameDownstream6, maps.NameUpstream6,
		maps.NameStats, maps.NameLimit, maps.NameDevIndex, maps.NameErrorCounter,
	})
	logger.Info("datapath diagnostics", "programs_attached", len(progs), "maps_loaded", len(mapInfos))

	ifaceTable := ifaces.New()
	clientTable := clients.New()
	ipv6Store := ipv6rules.New(reg)
	ipv4Store := ipv4rules.New(reg)

	met := metrics.New()
	if err := met.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("metrics registration failed", "error", err)
	}

	defaultQuotaBytes, err := cfg.QuotaBytes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
		os.Exit(1)
	}
	quotaEngine := quota.New(reg, met, defaultQuotaBytes)
	upstreamMgr := upstream.New(ipv6Store, ipv4Store)
	sessionCounter := sessions.New()

	nonOffloadPorts := make(map[uint16]struct{}, len(cfg.NonOffloadTCPPorts))
	for _, p := range cfg.NonOffloadTCPPorts {
		nonOffloadPorts[uint16(p)] = struct{}{}
	}

	var coord *coordinator.Coordinator
	addClient := func(downstream uint32, info types.ClientInfo) bool {
		return clientTable.Add(downstream, info)
	}
	// Runs on the coordinator's executor (neighbor events are handled
	// there), so it removes the client directly instead of through
	// coord.ClientRemove, which would wait on that same executor.
	removeClient := func(downstream uint32, addr types.IPv4) error {
		if _, found, _ := clientTable.Remove(downstream, addr); !found {
			return nil
		}
		drained, err := ipv4Store.RemoveByClient(downstream, addr)
		if err != nil {
			return err
		}
		for range drained {
			sessionCounter.Dec()
		}
		return nil
	}
	neighborConsumer := neighbor.New(ifaceTable, ipv6Store, addClient, removeClient)
	conntrackConsumer := conntrack.New(ifaceTable, clientTable, ipv4Store, upstreamMgr, quotaEngine, reg.DevIndex, sessionCounter, nonOffloadPorts)

	refresher, err := timers.DialNetlinkRefresher()
	if err != nil {
		logger.Warn("conntrack timeout refresh disabled", "error", err)
	}
	timerSvc := timers.New(reg, quotaEngine, ipv4Store, sessionCounter, refresher, met,
		func() int { return coord.DownstreamCount() }, time.Duration(cfg.ConntrackRefreshIntervalSeconds)*time.Second)

	neighborWatcher := neighbor.NewLinuxWatcher(func(ev neighbor.Event) { coord.HandleNeighborEvent(ev) })
	conntrackWatcher := conntrack.NewLinuxWatcher(func(ev conntrack.Event) { coord.HandleConntrackEvent(ev) })

	coord = coordinator.New(reg, ifaceTable, clientTable, ipv6Store, ipv4Store, quotaEngine, upstreamMgr,
		neighborConsumer, conntrackConsumer, sessionCounter, timerSvc, dl, neighborWatcher, conntrackWatcher, logger,
		coordinator.Config{
			StatsPollInterval:          time.Duration(cfg.StatsPollIntervalSeconds) * time.Second,
			ActiveSessionsUploadPeriod: time.Duration(cfg.ActiveSessionsUploadIntervalSeconds) * time.Second,
		})

	coord.Start()
	logger.Info("tetherd started", "config", configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("tetherd shutting down")
	coord.Stop()
	_ = dl.Close()
}
