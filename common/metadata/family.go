package metadata

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

type Family byte

const (
	AddressFamilyIPv4 Family = iota
	AddressFamilyIPv6
	AddressFamilyUnix
)

func (af Family) IsIPv4() bool {
	return af == AddressFamilyIPv4
}

func (af Family) IsIPv6() bool {
	return af == AddressFamilyIPv6
}

func (af Family) IsIP() bool {
	return af != AddressFamilyUnix
}

func (af Family) Domain() int {
	switch af {
	case AddressFamilyIPv4:
		return unix.AF_INET
	case AddressFamilyIPv6:
		return unix.AF_INET6
	}
	return unix.AF_UNIX
}

func (af Family) String() string {
	switch af {
	case AddressFamilyIPv4:
		return "inet4"
	case AddressFamilyIPv6:
		return "inet6"
	}
	return "unix"
}

// FamilyOf reports the narrowest IP family that can carry addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return AddressFamilyIPv4
	}
	return AddressFamilyIPv6
}
