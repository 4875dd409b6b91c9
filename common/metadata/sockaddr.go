package metadata

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

func AddrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port))
	default:
		return netip.AddrPort{}
	}
}

// AddrPortToSockaddr builds a sockaddr for family; v4 addresses are mapped
// into v6 when the family is v6.
func AddrPortToSockaddr(addrPort netip.AddrPort, family Family) unix.Sockaddr {
	addr := addrPort.Addr()
	if family == AddressFamilyIPv4 {
		return &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addr.Unmap().As4(),
		}
	}
	return &unix.SockaddrInet6{
		Port: int(addrPort.Port()),
		Addr: addr.As16(),
	}
}
