// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package timers

import (
	"fmt"
	"time"

	"grimm.is/tetherd/internal/offload/types"
)

// NetlinkRefresher is a stub on non-Linux platforms; the conntrack
// timeout refresh task is Linux-only.
type NetlinkRefresher struct{}

// DialNetlinkRefresher always fails on non-Linux platforms.
func DialNetlinkRefresher() (*NetlinkRefresher, error) {
	return nil, fmt.Errorf("conntrack netlink refresh is not supported on this platform")
}

func (r *NetlinkRefresher) Close() error { return nil }

func (r *NetlinkRefresher) RefreshTimeout(key types.Tether4Key, timeout time.Duration) error {
	return fmt.Errorf("conntrack netlink refresh is not supported on this platform")
}
