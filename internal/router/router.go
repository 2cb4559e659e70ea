package router

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
)

// Router implements the receive path, ARP resolution, and LPM forwarding
// from spec §4.5, built on gopacket for wire parsing/serialization
// instead of manual byte-slicing (SPEC_FULL §2).
type Router struct {
	ifaces    map[string]Interface
	ifaceList []Interface
	table     *RoutingTable
	arp       *ArpCache
	send      func(frame []byte, iface string) error
	log       *slog.Logger
}

// NewRouter wires a Router. send transmits a finished Ethernet frame out
// the named interface (the sr_send_packet boundary from spec §6).
func NewRouter(ifaces []Interface, table *RoutingTable, send func(frame []byte, iface string) error, log *slog.Logger) *Router {
	return NewRouterWithClock(ifaces, table, send, log, clockwork.NewRealClock())
}

// NewRouterWithClock is NewRouter with an injectable clock for the ARP
// sweep scheduler, so tests can skip past real sweep delays with a
// clockwork.FakeClock.
func NewRouterWithClock(ifaces []Interface, table *RoutingTable, send func(frame []byte, iface string) error, log *slog.Logger, clock clockwork.Clock) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		ifaces:    make(map[string]Interface, len(ifaces)),
		ifaceList: append([]Interface(nil), ifaces...),
		table:     table,
		send:      send,
		log:       log,
	}
	for _, ifc := range ifaces {
		r.ifaces[ifc.Name] = ifc
	}
	r.arp = NewArpCacheWithClock(r.broadcastArp, r.onArpGiveUp, clock)
	return r
}

func (r *Router) Close() { r.arp.Close() }

// ArpSnapshot lists every currently cached IP->MAC mapping, for cmd/router's
// --dump-arp debug flag.
func (r *Router) ArpSnapshot() []ArpSnapshot { return r.arp.Snapshot() }

func (r *Router) isOwnIP(ip net.IP) bool {
	for _, ifc := range r.ifaceList {
		if ifc.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (r *Router) ifaceByIP(ip net.IP) (Interface, bool) {
	for _, ifc := range r.ifaceList {
		if ifc.IP.Equal(ip) {
			return ifc, true
		}
	}
	return Interface{}, false
}

// HandlePacket is the entry point the framework delivers inbound frames
// to (sr_handlepacket in spec §6). inIface is the interface frame arrived
// on.
func (r *Router) HandlePacket(frame []byte, inIface string) error {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		metricPacketsDropped.WithLabelValues("short_frame").Inc()
		return ErrFrameTooShort
	}

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		return r.handleARP(eth.Payload, inIface)
	case layers.EthernetTypeIPv4:
		return r.handleIPv4(eth.Payload, inIface)
	default:
		metricPacketsDropped.WithLabelValues("unsupported_ethertype").Inc()
		return nil
	}
}

func (r *Router) handleARP(payload []byte, inIface string) error {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		metricPacketsDropped.WithLabelValues("bad_arp").Inc()
		return nil
	}

	switch arp.Operation {
	case layers.ARPRequest:
		ifc, ok := r.ifaces[inIface]
		if !ok || !net.IP(arp.DstProtAddress).Equal(ifc.IP) {
			return nil
		}
		reply := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   ifc.MAC,
			SourceProtAddress: ifc.IP.To4(),
			DstHwAddress:      arp.SourceHwAddress,
			DstProtAddress:    arp.SourceProtAddress,
		}
		ethHdr := &layers.Ethernet{SrcMAC: ifc.MAC, DstMAC: net.HardwareAddr(arp.SourceHwAddress), EthernetType: layers.EthernetTypeARP}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ethHdr, reply); err != nil {
			return err
		}
		return r.send(buf.Bytes(), inIface)

	case layers.ARPReply:
		senderIP := net.IP(arp.SourceProtAddress)
		senderMAC := net.HardwareAddr(arp.SourceHwAddress)
		pkts := r.arp.Learn(senderIP, senderMAC)
		for _, p := range pkts {
			r.flushPending(p, senderMAC)
		}
		return nil

	default:
		return nil
	}
}

func (r *Router) handleIPv4(payload []byte, inIface string) error {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		metricPacketsDropped.WithLabelValues("bad_ipv4").Inc()
		return nil
	}
	if ip.Version != 4 {
		metricPacketsDropped.WithLabelValues("bad_version").Inc()
		return ErrUnsupportedIP
	}
	headerLen := int(ip.IHL) * 4
	if headerLen > len(payload) || !ipv4ChecksumValid(payload[:headerLen]) {
		metricPacketsDropped.WithLabelValues("bad_checksum").Inc()
		return ErrBadIPChecksum
	}
	if blacklisted(ip.SrcIP, ip.DstIP) {
		r.log.Info("router: dropping blacklisted packet", "src", ip.SrcIP, "dst", ip.DstIP)
		metricPacketsDropped.WithLabelValues("blacklisted").Inc()
		return nil
	}

	if destIface, ok := r.ifaceByIP(ip.DstIP); ok {
		return r.handleForUs(payload, headerLen, ip, destIface, inIface)
	}
	return r.routeAndForward(payload, ip.DstIP)
}

// handleForUs implements spec §4.5's "destination matches any interface
// IP" branch.
func (r *Router) handleForUs(raw []byte, headerLen int, ip layers.IPv4, destIface Interface, inIface string) error {
	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		var icmp layers.ICMPv4
		if err := icmp.DecodeFromBytes(raw[headerLen:], gopacket.NilDecodeFeedback); err != nil {
			return nil
		}
		if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
			return nil
		}
		reply, err := buildEchoReply(&ip, &icmp, icmp.Payload)
		if err != nil {
			return err
		}
		return r.routeAndForward(reply, ip.SrcIP)

	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		return r.sendICMPError(icmpCodePortUnreachable, raw, ip.SrcIP)

	default:
		metricPacketsDropped.WithLabelValues("unhandled_protocol_for_us").Inc()
		return nil
	}
}

// sendICMPError builds a type-3 ICMP error (net/host/port unreachable,
// sub-type selected by code) quoting originalHeader and routes it back to
// dst.
func (r *Router) sendICMPError(code uint8, originalHeader []byte, dst net.IP) error {
	ifc, _, ok := r.chooseEgress(dst)
	if !ok {
		return nil // no route to send the error itself; drop silently
	}
	reply, err := buildICMPError(ifc.IP, dst, 3, code, originalHeader)
	if err != nil {
		return err
	}
	metricICMPSent.WithLabelValues(fmt.Sprintf("3:%d", code)).Inc()
	return r.routeAndForward(reply, dst)
}

// sendICMPTimeExceeded builds a type-11 ICMP time-exceeded back to dst.
func (r *Router) sendICMPTimeExceeded(originalHeader []byte, dst net.IP) error {
	ifc, _, ok := r.chooseEgress(dst)
	if !ok {
		return nil
	}
	reply, err := buildICMPError(ifc.IP, dst, 11, icmpCodeNetUnreachable, originalHeader)
	if err != nil {
		return err
	}
	metricICMPSent.WithLabelValues("11:0").Inc()
	return r.routeAndForward(reply, dst)
}

// chooseEgress picks the interface and next-hop IP the router would use
// to reach dst, without sending anything — used to pick a source
// interface/IP for a freshly generated ICMP error.
func (r *Router) chooseEgress(dst net.IP) (Interface, net.IP, bool) {
	entry, ok := r.table.Lookup(dst)
	if !ok {
		if len(r.ifaceList) == 0 {
			return Interface{}, nil, false
		}
		return r.ifaceList[0], dst, true
	}
	ifc, ok := r.ifaces[entry.Interface]
	if !ok {
		return Interface{}, nil, false
	}
	nextHop := entry.Gateway
	if nextHop == nil || nextHop.IsUnspecified() {
		nextHop = dst
	}
	return ifc, nextHop, true
}

// routeAndForward implements the "destination is elsewhere" branch of
// spec §4.5: LPM, TTL check, and either ARP-resolved forwarding or
// queueing behind an ARP resolution. ipBytes is the IPv4 header+payload
// with no Ethernet header yet.
func (r *Router) routeAndForward(ipBytes []byte, dst net.IP) error {
	entry, ok := r.table.Lookup(dst)
	if !ok {
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(ipBytes, gopacket.NilDecodeFeedback); err == nil && !r.isOwnIP(ip.SrcIP) {
			return r.sendICMPError(icmpCodeNetUnreachable, ipBytes, ip.SrcIP)
		}
		metricPacketsDropped.WithLabelValues("no_route").Inc()
		return nil
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(ipBytes, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}

	if ip.TTL <= 1 && !r.isOwnIP(ip.SrcIP) {
		return r.sendICMPTimeExceeded(ipBytes, ip.SrcIP)
	}

	ifc, ok := r.ifaces[entry.Interface]
	if !ok {
		metricPacketsDropped.WithLabelValues("bad_egress_interface").Inc()
		return nil
	}
	nextHop := entry.Gateway
	if nextHop == nil || nextHop.IsUnspecified() {
		nextHop = dst
	}

	if mac, ok := r.arp.Get(nextHop); ok {
		frame, err := r.finalizeAndSend(ipBytes, ifc, mac, ip.SrcIP)
		if err != nil {
			return err
		}
		metricPacketsForwarded.Inc()
		return r.send(frame, ifc.Name)
	}

	r.arp.Resolve(nextHop, ipBytes, ifc.Name)
	return nil
}

// finalizeAndSend decrements TTL and recomputes the IP checksum, unless
// originalSrc is one of our own interface IPs (self-originated: ICMP
// errors and echo replies this router generated, per spec §4.5's
// exception), then wraps the result in an Ethernet header addressed to
// dstMAC.
func (r *Router) finalizeAndSend(ipBytes []byte, egress Interface, dstMAC net.HardwareAddr, originalSrc net.IP) ([]byte, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(ipBytes, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	if !r.isOwnIP(originalSrc) {
		if ip.TTL > 0 {
			ip.TTL--
		}
	}

	eth := &layers.Ethernet{SrcMAC: egress.MAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, &ip, gopacket.Payload(ip.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flushPending finalizes and sends one packet that was queued behind an
// ARP resolution, now that mac is known.
func (r *Router) flushPending(p PendingPacket, mac net.HardwareAddr) {
	ifc, ok := r.ifaces[p.Interface]
	if !ok {
		return
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(p.Frame, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	frame, err := r.finalizeAndSend(p.Frame, ifc, mac, ip.SrcIP)
	if err != nil {
		r.log.Error("router: failed to finalize queued packet", "error", err)
		return
	}
	metricPacketsForwarded.Inc()
	if err := r.send(frame, ifc.Name); err != nil {
		r.log.Error("router: send failed", "error", err)
	}
}

// onArpGiveUp implements the "after 5 unanswered sweeps" branch of
// spec §4.5: every packet still queued for an unresolved IP gets an ICMP
// host-unreachable back to its own source instead of being forwarded.
func (r *Router) onArpGiveUp(ip net.IP, pkts []PendingPacket) {
	for _, p := range pkts {
		var ipHdr layers.IPv4
		if err := ipHdr.DecodeFromBytes(p.Frame, gopacket.NilDecodeFeedback); err != nil {
			continue
		}
		if err := r.sendICMPError(icmpCodeHostUnreachable, p.Frame, ipHdr.SrcIP); err != nil {
			r.log.Error("router: failed to send host-unreachable", "error", err)
		}
	}
}

// broadcastArp sends an ARP request for ip out every interface whose
// subnet contains it — there is no single obvious egress choice without
// per-route metadata beyond what RouteEntry carries, so this mirrors the
// reference implementation's broadcast-on-all-applicable-interfaces
// behavior for a miss.
func (r *Router) broadcastArp(ip net.IP) error {
	for _, ifc := range r.ifaceList {
		if !sameSubnet(ifc, ip) {
			continue
		}
		arp := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   ifc.MAC,
			SourceProtAddress: ifc.IP.To4(),
			DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
			DstProtAddress:    ip.To4(),
		}
		eth := &layers.Ethernet{
			SrcMAC:       ifc.MAC,
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeARP,
		}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
			return err
		}
		if err := r.send(buf.Bytes(), ifc.Name); err != nil {
			return err
		}
	}
	return nil
}

func sameSubnet(ifc Interface, ip net.IP) bool {
	return maskedEqual(ip, ifc.IP, ifc.Mask)
}
