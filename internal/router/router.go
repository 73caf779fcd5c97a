// Package router is a client for the VOO/Technicolor gateway's
// undocumented HTTP API. It covers the one read the monitor needs (the
// host table with per-device active flags, doubling as a reachability
// source) and the write operations behind the bot and routerctl: site
// filtering, MAC filtering, the Wi-Fi kill switch, and lockdown.
//
// The firmware allows a single web session at a time, so one Client is
// shared between the monitor and the command surface and serializes
// its API calls internally.
package router

import "context"

// Host is one row of the router's host table.
type Host struct {
	MAC      string // upper-case, colon-separated
	IP       string
	Hostname string
	// Name is the hostname when it is meaningful, otherwise the MAC.
	Name string
	// Connection is a human-readable link type: "WiFi 2.4G", "WiFi 5G",
	// "WiFi", "Ethernet", or "Unknown".
	Connection string
	Active     bool
}

// BlockedDevice is one row of the router's MAC filter table.
type BlockedDevice struct {
	MAC         string
	Description string
}

// HostSource provides the router host table. The monitor consumes this
// for router-mode probing; the bot consumes it for name lookups.
type HostSource interface {
	Hosts(ctx context.Context) ([]Host, error)
}
