package router

import "net"

// Interface is one of the router's configured network interfaces, read
// from the interfaces file at startup (spec §6's sr_if-style convention)
// and treated as read-only afterward (spec §5).
type Interface struct {
	Name string
	IP   net.IP
	Mask net.IPMask
	MAC  net.HardwareAddr
}

// RouteEntry is one line of the static routing table.
type RouteEntry struct {
	Dest      net.IP
	Mask      net.IPMask
	Gateway   net.IP // zero IP means the destination is directly connected
	Interface string
}
