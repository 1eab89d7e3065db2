// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig configures forwarding of log output to a remote syslog
// collector, in addition to the normal local output.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// DefaultSyslogConfig returns the disabled-by-default syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "tetherd",
		Facility: 1,
	}
}

// NewSyslogWriter dials a syslog collector and returns a writer suitable
// for use as an additional log sink. Host is required; Port, Protocol,
// and Tag default per DefaultSyslogConfig when left zero.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "tetherd"
	}

	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	raddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return syslog.Dial(cfg.Protocol, raddr, priority, cfg.Tag)
}
