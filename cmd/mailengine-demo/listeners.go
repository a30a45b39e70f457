package main

import (
	"fmt"
	"net"

	"github.com/mailcore/engine/config"
)

// listenerFor binds lc's port, unless systemd already handed us a
// socket for its service name (the "systemd" convention chasquid's own
// loadAddresses follows: a named systemd socket unit stands in for a
// bind-and-listen).
func listenerFor(lc config.ListenerConfig, systemdLs map[string][]net.Listener) (net.Listener, error) {
	if ls, ok := systemdLs[lc.ServiceName]; ok && len(ls) > 0 {
		return ls[0], nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lc.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on port %d: %w", lc.Port, err)
	}
	return ln, nil
}
