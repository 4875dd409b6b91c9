package metadata

import (
	"net"
	"net/netip"
	"strconv"
)

// AddrPortFromNet extracts an address and port from the net.Addr kinds the
// standard library hands out for IP sockets.
func AddrPortFromNet(netAddr net.Addr) netip.AddrPort {
	var ip net.IP
	var port uint16
	switch addr := netAddr.(type) {
	case *net.TCPAddr:
		ip = addr.IP
		port = uint16(addr.Port)
	case *net.UDPAddr:
		ip = addr.IP
		port = uint16(addr.Port)
	case *net.IPAddr:
		ip = addr.IP
	default:
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(AddrFromIP(ip), port)
}

// AddrFromIP unmaps v4-mapped addresses; an empty ip is the zero Addr.
func AddrFromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

func TCPAddr(ap netip.AddrPort) *net.TCPAddr {
	return &net.TCPAddr{
		IP:   ap.Addr().Unmap().AsSlice(),
		Port: int(ap.Port()),
	}
}

func UDPAddr(ap netip.AddrPort) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   ap.Addr().Unmap().AsSlice(),
		Port: int(ap.Port()),
	}
}

// ParseAddrPort accepts "host:port" with a literal IP host. A missing host
// means the unspecified address of the v4 family.
func ParseAddrPort(address string) (netip.AddrPort, error) {
	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
