package router

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// ParseInterfaces reads the sr_if-style interfaces file: one interface
// per line, "name cidr mac", e.g. "eth0 192.168.1.1/24 02:00:00:00:00:01".
func ParseInterfaces(path string) ([]Interface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("router: open interfaces file: %w", err)
	}
	defer f.Close()

	var ifaces []Interface
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("router: interfaces file line %d: want 3 fields, got %d", lineNo, len(fields))
		}
		ip, ipnet, err := net.ParseCIDR(fields[1])
		if err != nil {
			return nil, fmt.Errorf("router: interfaces file line %d: %w", lineNo, err)
		}
		mac, err := net.ParseMAC(fields[2])
		if err != nil {
			return nil, fmt.Errorf("router: interfaces file line %d: %w", lineNo, err)
		}
		ifaces = append(ifaces, Interface{Name: fields[0], IP: ip.To4(), Mask: ipnet.Mask, MAC: mac})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ifaces, nil
}

// ParseRoutes reads the rtable-style routing table file: one route per
// line, "dest/cidr gateway iface", e.g. "10.0.1.0/24 0.0.0.0 eth1". A
// gateway of 0.0.0.0 means directly connected.
func ParseRoutes(path string) ([]RouteEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("router: open routes file: %w", err)
	}
	defer f.Close()

	var entries []RouteEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("router: routes file line %d: want 3 fields, got %d", lineNo, len(fields))
		}
		_, ipnet, err := net.ParseCIDR(fields[0])
		if err != nil {
			return nil, fmt.Errorf("router: routes file line %d: %w", lineNo, err)
		}
		gw := net.ParseIP(fields[1])
		if gw == nil {
			return nil, fmt.Errorf("router: routes file line %d: bad gateway %q", lineNo, fields[1])
		}
		entries = append(entries, RouteEntry{
			Dest:      ipnet.IP.To4(),
			Mask:      ipnet.Mask,
			Gateway:   gw.To4(),
			Interface: fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ArpSnapshot is one row of a cache dump (cmd/router's --dump-arp).
type ArpSnapshot struct {
	IP  string
	MAC string
}

// Snapshot lists every currently cached IP->MAC mapping.
func (c *ArpCache) Snapshot() []ArpSnapshot {
	items := c.cache.Items()
	out := make([]ArpSnapshot, 0, len(items))
	for ip, item := range items {
		out = append(out, ArpSnapshot{IP: ip, MAC: item.Value().String()})
	}
	return out
}
