package router

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// icmpDataSize matches original_source/prj4's ICMP_DATA_SIZE: the
// original IP header plus the first 8 bytes beyond it, quoted back in
// every generated ICMP error per spec §4.5.
const icmpDataSize = 28

const (
	icmpCodeNetUnreachable  = 0
	icmpCodeHostUnreachable = 1
	icmpCodePortUnreachable = 3
)

// buildICMPError constructs an IPv4+ICMPv4 payload (no Ethernet header;
// the caller routes and finalizes it like any other outbound packet) of
// the given type/code, quoting up to icmpDataSize bytes of originalIP
// (the IP header, and a little of what follows it, that the error is
// about), addressed back to the original sender.
func buildICMPError(srcIP, dstIP net.IP, typ, code uint8, originalIP []byte) ([]byte, error) {
	quote := originalIP
	if len(quote) > icmpDataSize {
		quote = quote[:icmpDataSize]
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, code),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(quote)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildEchoReply rewrites an already-decoded echo-request IPv4+ICMPv4
// pair into an echo-reply with src/dst swapped, per spec §4.5, and
// re-serializes it. Returns IPv4+ICMPv4 bytes with no Ethernet header.
func buildEchoReply(ip *layers.IPv4, icmp *layers.ICMPv4, payload []byte) ([]byte, error) {
	newIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      ip.TOS,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ip.DstIP,
		DstIP:    ip.SrcIP,
	}
	newICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, newIP, newICMP, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
