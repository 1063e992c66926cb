package addrutil

import (
	"crypto/sha256"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Virtual addresses live in the CGNAT range so they never collide with real
// LAN or WAN addresses a peer might hold.
var virtualPrefix = netip.MustParsePrefix("100.64.0.0/10")

// VirtualAddr maps a peer id to its stable mesh address. The mapping is a
// pure function of the id: the same peer keeps the same address across
// reconnects and across every node that computes it.
//
// The all-zero and all-one host suffixes are reserved and never returned.
func VirtualAddr(peerID string) netip.Addr {
	sum := sha256.Sum256([]byte(peerID))

	// 22 host bits inside 100.64.0.0/10.
	host := uint32(sum[0])<<16 | uint32(sum[1])<<8 | uint32(sum[2])
	host &= (1 << 22) - 1
	if host == 0 {
		host = 1
	}
	if host == (1<<22)-1 {
		host = (1 << 22) - 2
	}

	base := virtualPrefix.Addr().As4()
	val := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	val |= host
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}

// LocalIPv4 returns the host's concrete outbound IPv4 address, never the
// wildcard. A socket bound to 0.0.0.0 reports that as its local address,
// which is useless as a published endpoint. The dial sends no packets; it
// only asks the kernel which source address the default route would pick.
// Hosts without a route fall back to interface enumeration, with loopback
// as the last resort.
func LocalIPv4() (netip.Addr, error) {
	if conn, err := net.Dial("udp4", "203.0.113.1:9"); err == nil {
		addr := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
		_ = conn.Close()
		if addr.Is4() && !addr.IsUnspecified() {
			return addr, nil
		}
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	var loopback netip.Addr
	for _, ia := range ifaceAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() || addr.IsUnspecified() {
			continue
		}
		if addr.IsLoopback() {
			if !loopback.IsValid() {
				loopback = addr
			}
			continue
		}
		return addr, nil
	}
	if loopback.IsValid() {
		return loopback, nil
	}
	return netip.Addr{}, errors.New("no usable IPv4 interface address")
}

// Host extracts the host from "host" or "host:port" forms, accepting
// bracketed and bare IPv6 literals.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the trailing ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
		// Raw IPv6 without a port.
		return strings.Trim(a, "[]")
	}
	return a
}
