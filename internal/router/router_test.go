package router

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func mustMAC(s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func testInterfaces() []Interface {
	return []Interface{
		{Name: "eth0", IP: net.IPv4(192, 168, 1, 1), Mask: net.CIDRMask(24, 32), MAC: mustMAC("02:00:00:00:00:01")},
		{Name: "eth1", IP: net.IPv4(10, 0, 1, 1), Mask: net.CIDRMask(24, 32), MAC: mustMAC("02:00:00:00:00:02")},
	}
}

func TestRoutingTable_LongestPrefixMatch(t *testing.T) {
	t.Parallel()
	table := NewRoutingTable([]RouteEntry{
		{Dest: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32), Interface: "eth1"},
		{Dest: net.IPv4(10, 0, 1, 0), Mask: net.CIDRMask(24, 32), Interface: "eth1", Gateway: net.IPv4(10, 0, 1, 254)},
		{Dest: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(0, 32), Interface: "eth0", Gateway: net.IPv4(192, 168, 1, 254)},
	})

	entry, ok := table.Lookup(net.IPv4(10, 0, 1, 50))
	require.True(t, ok)
	require.Equal(t, "eth1", entry.Interface)
	require.True(t, entry.Gateway.Equal(net.IPv4(10, 0, 1, 254)))

	entry, ok = table.Lookup(net.IPv4(10, 0, 2, 50))
	require.True(t, ok)
	require.Equal(t, "eth1", entry.Interface)
	require.True(t, entry.Gateway == nil)

	entry, ok = table.Lookup(net.IPv4(8, 8, 8, 8))
	require.True(t, ok)
	require.Equal(t, "eth0", entry.Interface)
}

func TestRoutingTable_Miss(t *testing.T) {
	t.Parallel()
	table := NewRoutingTable([]RouteEntry{
		{Dest: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32), Interface: "eth1"},
	})
	_, ok := table.Lookup(net.IPv4(192, 168, 1, 5))
	require.False(t, ok)
}

// buildIPv4Frame serializes an Ethernet+IPv4(+payload) frame with a
// correct checksum, for feeding into HandlePacket as a test fixture.
func buildIPv4Frame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, ttl uint8, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(payload)))
	return append([]byte(nil), buf.Bytes()...)
}

func TestIPv4ChecksumValid(t *testing.T) {
	t.Parallel()
	frame := buildIPv4Frame(t, mustMAC("02:00:00:00:00:09"), mustMAC("02:00:00:00:00:01"),
		net.IPv4(172, 16, 0, 2), net.IPv4(10, 0, 1, 50), 64, []byte("hello"))
	require.True(t, ipv4ChecksumValid(frame[14:34]))

	corrupt := append([]byte(nil), frame...)
	corrupt[14+2] ^= 0xFF // mangle total length, which feeds the checksum
	require.False(t, ipv4ChecksumValid(corrupt[14:34]))
}

// sentFrame captures one frame handed to (*Router).send.
type sentFrame struct {
	frame []byte
	iface string
}

type testSender struct {
	mu    sync.Mutex
	sent  []sentFrame
	calls chan sentFrame
}

func newTestSender() *testSender {
	return &testSender{calls: make(chan sentFrame, 64)}
}

func (s *testSender) send(frame []byte, iface string) error {
	cp := append([]byte(nil), frame...)
	s.mu.Lock()
	s.sent = append(s.sent, sentFrame{cp, iface})
	s.mu.Unlock()
	s.calls <- sentFrame{cp, iface}
	return nil
}

func (s *testSender) waitFrame(t *testing.T) sentFrame {
	t.Helper()
	select {
	case f := <-s.calls:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for router to send a frame")
		return sentFrame{}
	}
}

func newTestRouter(t *testing.T, ifaces []Interface, entries []RouteEntry) (*Router, *testSender) {
	t.Helper()
	sender := newTestSender()
	table := NewRoutingTable(entries)
	r := NewRouter(ifaces, table, sender.send, nil)
	t.Cleanup(r.Close)
	return r, sender
}

// newTestRouterWithClock is newTestRouter with a clockwork.FakeClock, for
// tests that need to drive the ARP sweep scheduler deterministically
// instead of waiting on real time.
func newTestRouterWithClock(t *testing.T, ifaces []Interface, entries []RouteEntry, clock clockwork.Clock) (*Router, *testSender) {
	t.Helper()
	sender := newTestSender()
	table := NewRoutingTable(entries)
	r := NewRouterWithClock(ifaces, table, sender.send, nil, clock)
	t.Cleanup(r.Close)
	return r, sender
}

// TestForward_DecrementsTTLAndRecomputesChecksum is the spec's TTL=64->63
// forwarding scenario: a known next-hop MAC means no ARP round trip is
// needed, and the frame goes out immediately with the right header
// fields.
func TestForward_DecrementsTTLAndRecomputesChecksum(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(10, 0, 1, 0), Mask: net.CIDRMask(24, 32), Interface: "eth1"},
	}
	r, sender := newTestRouter(t, ifaces, entries)
	r.arp.Learn(net.IPv4(10, 0, 1, 50), mustMAC("02:00:00:00:00:0a"))

	clientMAC := mustMAC("02:00:00:00:00:09")
	frame := buildIPv4Frame(t, clientMAC, ifaces[0].MAC, net.IPv4(172, 16, 0, 2), net.IPv4(10, 0, 1, 50), 64, []byte("payload"))

	require.NoError(t, r.HandlePacket(frame, "eth0"))

	out := sender.waitFrame(t)
	require.Equal(t, "eth1", out.iface)

	var eth layers.Ethernet
	var ip layers.IPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))

	require.Equal(t, mustMAC("02:00:00:00:00:0a").String(), eth.DstMAC.String())
	require.Equal(t, ifaces[1].MAC.String(), eth.SrcMAC.String())
	require.Equal(t, uint8(63), ip.TTL)
	require.True(t, ipv4ChecksumValid(out.frame[14:14+int(ip.IHL)*4]))
}

// TestForward_ExpiredTTLGeneratesTimeExceeded is the spec's TTL=1 scenario:
// the original packet is never forwarded, and an ICMP type-11 code-0
// reply is sent back out the arrival interface's route instead.
func TestForward_ExpiredTTLGeneratesTimeExceeded(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(10, 0, 1, 0), Mask: net.CIDRMask(24, 32), Interface: "eth1"},
		{Dest: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(16, 32), Interface: "eth0"},
	}
	r, sender := newTestRouter(t, ifaces, entries)
	r.arp.Learn(net.IPv4(10, 0, 1, 50), mustMAC("02:00:00:00:00:0a"))
	r.arp.Learn(net.IPv4(172, 16, 0, 2), mustMAC("02:00:00:00:00:09"))

	clientMAC := mustMAC("02:00:00:00:00:09")
	frame := buildIPv4Frame(t, clientMAC, ifaces[0].MAC, net.IPv4(172, 16, 0, 2), net.IPv4(10, 0, 1, 50), 1, []byte("payload"))

	require.NoError(t, r.HandlePacket(frame, "eth0"))

	out := sender.waitFrame(t)
	require.Equal(t, "eth0", out.iface)

	var eth layers.Ethernet
	var ip layers.IPv4
	var icmp layers.ICMPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip, &icmp)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))

	require.Equal(t, layers.ICMPv4TypeTimeExceeded, icmp.TypeCode.Type())
	require.Equal(t, uint8(0), icmp.TypeCode.Code())
	require.True(t, ip.DstIP.Equal(net.IPv4(172, 16, 0, 2)))
}

func TestEchoRequest_RewrittenToReply(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(16, 32), Interface: "eth0"},
	}
	r, sender := newTestRouter(t, ifaces, entries)
	r.arp.Learn(net.IPv4(172, 16, 0, 2), mustMAC("02:00:00:00:00:09"))

	eth := &layers.Ethernet{SrcMAC: mustMAC("02:00:00:00:00:09"), DstMAC: ifaces[0].MAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: net.IPv4(172, 16, 0, 2), DstIP: ifaces[0].IP}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 1}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, icmp, gopacket.Payload([]byte("ping"))))

	require.NoError(t, r.HandlePacket(append([]byte(nil), buf.Bytes()...), "eth0"))

	out := sender.waitFrame(t)
	var outEth layers.Ethernet
	var outIP layers.IPv4
	var outICMP layers.ICMPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &outEth, &outIP, &outICMP)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))

	require.Equal(t, layers.ICMPv4TypeEchoReply, outICMP.TypeCode.Type())
	require.True(t, outIP.SrcIP.Equal(ifaces[0].IP))
	require.True(t, outIP.DstIP.Equal(net.IPv4(172, 16, 0, 2)))
}

func TestRouteMiss_GeneratesNetUnreachable(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(16, 32), Interface: "eth0"},
	}
	r, sender := newTestRouter(t, ifaces, entries)
	r.arp.Learn(net.IPv4(172, 16, 0, 2), mustMAC("02:00:00:00:00:09"))

	frame := buildIPv4Frame(t, mustMAC("02:00:00:00:00:09"), ifaces[0].MAC, net.IPv4(172, 16, 0, 2), net.IPv4(8, 8, 8, 8), 64, []byte("x"))
	require.NoError(t, r.HandlePacket(frame, "eth0"))

	out := sender.waitFrame(t)
	var eth layers.Ethernet
	var ip layers.IPv4
	var icmp layers.ICMPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip, &icmp)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))
	require.Equal(t, layers.ICMPv4TypeDestinationUnreachable, icmp.TypeCode.Type())
	require.Equal(t, uint8(icmpCodeNetUnreachable), icmp.TypeCode.Code())
}

func TestBlacklistedPacket_Dropped(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32), Interface: "eth1"},
	}
	r, sender := newTestRouter(t, ifaces, entries)

	frame := buildIPv4Frame(t, mustMAC("02:00:00:00:00:09"), ifaces[0].MAC, net.IPv4(10, 0, 2, 5), net.IPv4(10, 0, 1, 50), 64, []byte("x"))
	require.NoError(t, r.HandlePacket(frame, "eth0"))

	select {
	case f := <-sender.calls:
		t.Fatalf("expected no frame to be sent, got one on %s", f.iface)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestArpRequest_ForOurIP_Replied(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	r, sender := newTestRouter(t, ifaces, nil)

	senderMAC := mustMAC("02:00:00:00:00:09")
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: senderMAC, SourceProtAddress: net.IPv4(192, 168, 1, 50).To4(),
		DstHwAddress: net.HardwareAddr{0, 0, 0, 0, 0, 0}, DstProtAddress: ifaces[0].IP.To4(),
	}
	eth := &layers.Ethernet{SrcMAC: senderMAC, DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeARP}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	require.NoError(t, r.HandlePacket(append([]byte(nil), buf.Bytes()...), "eth0"))

	out := sender.waitFrame(t)
	require.Equal(t, "eth0", out.iface)

	var outEth layers.Ethernet
	var outARP layers.ARP
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &outEth, &outARP)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))
	require.Equal(t, layers.ARPReply, layers.ARPOperation(outARP.Operation))
	require.Equal(t, ifaces[0].MAC.String(), outEth.SrcMAC.String())
	require.True(t, net.IP(outARP.SourceProtAddress).Equal(ifaces[0].IP))
}

func TestArpResolve_UnresolvedIP_EventuallyHostUnreachable(t *testing.T) {
	t.Parallel()
	ifaces := testInterfaces()
	entries := []RouteEntry{
		{Dest: net.IPv4(10, 0, 1, 0), Mask: net.CIDRMask(24, 32), Interface: "eth1"},
		{Dest: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(0, 32), Interface: "eth0"},
	}
	clock := clockwork.NewFakeClock()
	r, sender := newTestRouterWithClock(t, ifaces, entries, clock)
	r.arp.Learn(net.IPv4(172, 16, 0, 2), mustMAC("02:00:00:00:00:09"))

	frame := buildIPv4Frame(t, mustMAC("02:00:00:00:00:09"), ifaces[0].MAC, net.IPv4(172, 16, 0, 2), net.IPv4(10, 0, 1, 99), 64, []byte("x"))
	require.NoError(t, r.HandlePacket(frame, "eth0"))

	// arpMaxAttempts-1 sweeps happen between ticks; advance the fake
	// clock past each one so the give-up path fires without waiting on
	// real time.
	for i := 0; i < arpMaxAttempts-1; i++ {
		clock.BlockUntil(1)
		clock.Advance(arpSweepDelay)
	}

	// The ARP request broadcasts go out eth1 (whose subnet holds
	// 10.0.1.99) and are skipped here; wait for the give-up path to fire
	// an ICMP host-unreachable back out eth0 once every attempt is spent.
	var out sentFrame
	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case f := <-sender.calls:
			if f.iface == "eth0" {
				out = f
				found = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for host-unreachable")
		}
	}

	var eth layers.Ethernet
	var ip layers.IPv4
	var icmp layers.ICMPv4
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip, &icmp)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(out.frame, &decoded))
	require.Equal(t, layers.ICMPv4TypeDestinationUnreachable, icmp.TypeCode.Type())
	require.Equal(t, uint8(icmpCodeHostUnreachable), icmp.TypeCode.Code())
}
