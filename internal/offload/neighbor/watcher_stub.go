// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package neighbor

import "fmt"

// EventHandler receives neighbor events observed on the netlink socket.
type EventHandler func(Event)

// LinuxWatcher is a stub on non-Linux platforms; the neighbor cache is
// a Linux kernel concept.
type LinuxWatcher struct{}

// NewLinuxWatcher returns a watcher whose Start always fails.
func NewLinuxWatcher(handler EventHandler) *LinuxWatcher {
	return &LinuxWatcher{}
}

func (w *LinuxWatcher) Start() error {
	return fmt.Errorf("neighbor watching is not supported on this platform")
}

func (w *LinuxWatcher) Stop() error { return nil }
