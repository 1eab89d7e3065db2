// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package coordinator

import "time"

// monotonicNanos falls back to the wall clock on non-Linux platforms,
// where the conntrack timeout refresh task is unsupported anyway.
func monotonicNanos() uint64 {
	return uint64(time.Now().UnixNano())
}
