// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the coordinator's tunables from an HCL document.
// Unlike the wider firewall configuration this is distilled from, there
// is one schema and no migration path: a tethering coordinator has no
// accumulated deployed-version history to upgrade from.
package config

import (
	"fmt"
	"strconv"

	"grimm.is/tetherd/internal/logging"
)

// Config is the top-level coordinator configuration.
type Config struct {
	// How often the quota & stats engine polls the stats map.
	// @default: 5
	StatsPollIntervalSeconds int `hcl:"stats_poll_interval_seconds,optional" json:"stats_poll_interval_seconds,omitempty"`

	// Refresh window: an active IPv4 rule has its kernel conntrack timeout
	// refreshed only if its last_used stamp is at most this old. The
	// refresh task itself runs every 60 seconds regardless of this value.
	// @default: 60
	ConntrackRefreshIntervalSeconds int `hcl:"conntrack_refresh_interval_seconds,optional" json:"conntrack_refresh_interval_seconds,omitempty"`

	// How often the peak active-session count is reported and reset.
	// @default: 30
	ActiveSessionsUploadIntervalSeconds int `hcl:"active_sessions_upload_interval_seconds,optional" json:"active_sessions_upload_interval_seconds,omitempty"`

	// Default per-interface byte quota applied to a newly seen upstream.
	// @default: "unlimited"
	// @enum: ["unlimited", <uint64>]
	DefaultQuotaBytes string `hcl:"default_quota_bytes,optional" json:"default_quota_bytes,omitempty"`

	// TCP destination ports never offloaded, regardless of conntrack
	// eligibility (F3).
	// @default: [22, 23, 179]
	NonOffloadTCPPorts []int `hcl:"non_offload_tcp_ports,optional" json:"non_offload_tcp_ports,omitempty"`

	// @default: "/var/lib/tetherd"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	// @default: "/var/log/tetherd"
	LogDir string `hcl:"log_dir,optional" json:"log_dir,omitempty"`

	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// DefaultQuotaUnlimited is the sentinel string accepted by
// default_quota_bytes meaning no limit.
const DefaultQuotaUnlimited = "unlimited"

// quotaUnlimited mirrors types.QuotaUnlimited without importing the
// offload/types package purely for one constant.
const quotaUnlimited uint64 = ^uint64(0)

// QuotaBytes parses DefaultQuotaBytes into the uint64 form the quota
// engine seeds newly seen upstreams with.
func (c *Config) QuotaBytes() (uint64, error) {
	if c.DefaultQuotaBytes == DefaultQuotaUnlimited {
		return quotaUnlimited, nil
	}
	bytes, err := strconv.ParseUint(c.DefaultQuotaBytes, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("default_quota_bytes: %w", err)
	}
	return bytes, nil
}

// setDefaults canonicalizes a freshly parsed Config, mirroring the
// teacher's post-decode defaulting pass.
func (c *Config) setDefaults() {
	if c.StatsPollIntervalSeconds == 0 {
		c.StatsPollIntervalSeconds = 5
	}
	if c.ConntrackRefreshIntervalSeconds == 0 {
		c.ConntrackRefreshIntervalSeconds = 60
	}
	if c.ActiveSessionsUploadIntervalSeconds == 0 {
		c.ActiveSessionsUploadIntervalSeconds = 30
	}
	if c.DefaultQuotaBytes == "" {
		c.DefaultQuotaBytes = DefaultQuotaUnlimited
	}
	if c.NonOffloadTCPPorts == nil {
		c.NonOffloadTCPPorts = []int{22, 23, 179}
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/tetherd"
	}
	if c.LogDir == "" {
		c.LogDir = "/var/log/tetherd"
	}
	if c.Syslog == nil {
		def := logging.DefaultSyslogConfig()
		c.Syslog = &def
	}
}
