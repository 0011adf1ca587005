/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package netutil provides networking helpers for dialing backend hosts.
package netutil

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// NewCustomDNSResolver creates a net.Resolver that sends lookup queries to the
// given DNS server addresses (host:port) in round-robin order instead of the
// ones from the system configuration. Backend authorities are usually names
// from a service discovery zone (e.g. Consul), so lookups must go to its DNS
// servers rather than to the system ones.
//
// The returned resolver is intended to be plugged into the net.Dialer that
// opens backend connections:
//
//	resolver := netutil.NewCustomDNSResolver(dnsServers, 2*time.Second)
//	dialer := &net.Dialer{Resolver: &resolver}
func NewCustomDNSResolver(addrs []string, timeout time.Duration) net.Resolver {
	var (
		idx      = uint32(0)
		addrsLen = uint32(len(addrs)) //nolint:gosec // address count is reasonable
	)

	return net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}

			addr := addrs[atomic.AddUint32(&idx, 1)%addrsLen]

			return d.DialContext(ctx, "udp", addr)
		},
	}
}
