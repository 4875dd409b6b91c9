package channel

import (
	"net"
	"net/netip"

	E "github.com/sagernet/sing-nio/common/exceptions"
	M "github.com/sagernet/sing-nio/common/metadata"
	"github.com/sagernet/sing-nio/common/native"

	"golang.org/x/sys/unix"
)

// Family is the per-transport-family part of a socket channel.
type Family interface {
	Name() string
	Domain() int
	ToSockaddr(address net.Addr) (unix.Sockaddr, error)
	// FromSockaddr renders sa as the net.Addr kind of network ("tcp", "udp"
	// or "unix").
	FromSockaddr(sa unix.Sockaddr, network string) net.Addr
	// Wildcard is the address an unbound channel binds to.
	Wildcard(network string) net.Addr
	SupportsOption(option native.Option, sotype int) bool
}

var (
	Inet4 Family = inetFamily{M.AddressFamilyIPv4}
	Inet6 Family = inetFamily{M.AddressFamilyIPv6}
	Unix  Family = unixFamily{}
)

// FamilyOf picks the family that can carry address.
func FamilyOf(address net.Addr) (Family, error) {
	switch address.(type) {
	case *net.UnixAddr:
		return Unix, nil
	case *net.TCPAddr, *net.UDPAddr, *net.IPAddr:
		if M.FamilyOf(M.AddrPortFromNet(address).Addr()).IsIPv4() {
			return Inet4, nil
		}
		return Inet6, nil
	}
	return nil, E.Extend(ErrUnsupportedAddress, address)
}

type inetFamily struct {
	family M.Family
}

func (f inetFamily) Name() string {
	return f.family.String()
}

func (f inetFamily) Domain() int {
	return f.family.Domain()
}

func (f inetFamily) ToSockaddr(address net.Addr) (unix.Sockaddr, error) {
	switch address.(type) {
	case *net.TCPAddr, *net.UDPAddr, *net.IPAddr:
	default:
		return nil, E.Extend(ErrUnsupportedAddress, address)
	}
	addrPort := M.AddrPortFromNet(address)
	if !addrPort.Addr().IsValid() {
		addrPort = netip.AddrPortFrom(f.unspecified(), addrPort.Port())
	}
	if f.family.IsIPv4() && !addrPort.Addr().Unmap().Is4() {
		return nil, E.Extend(ErrUnsupportedAddress, address, " in ", f.Name())
	}
	return M.AddrPortToSockaddr(addrPort, f.family), nil
}

func (f inetFamily) FromSockaddr(sa unix.Sockaddr, network string) net.Addr {
	addrPort := M.AddrPortFromSockaddr(sa)
	if network == "udp" {
		return M.UDPAddr(addrPort)
	}
	return M.TCPAddr(addrPort)
}

func (f inetFamily) Wildcard(network string) net.Addr {
	addrPort := netip.AddrPortFrom(f.unspecified(), 0)
	if network == "udp" {
		return M.UDPAddr(addrPort)
	}
	return M.TCPAddr(addrPort)
}

func (f inetFamily) unspecified() netip.Addr {
	if f.family.IsIPv4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func (f inetFamily) SupportsOption(option native.Option, sotype int) bool {
	switch option {
	case native.OptionKeepAlive, native.OptionLinger:
		return sotype == unix.SOCK_STREAM
	case native.OptionBroadcast, native.OptionMulticastTTL, native.OptionMulticastInterface, native.OptionMulticastLoopback:
		return sotype == unix.SOCK_DGRAM
	}
	return true
}

type unixFamily struct{}

func (f unixFamily) Name() string {
	return "unix"
}

func (f unixFamily) Domain() int {
	return unix.AF_UNIX
}

func (f unixFamily) ToSockaddr(address net.Addr) (unix.Sockaddr, error) {
	unixAddr, isUnix := address.(*net.UnixAddr)
	if !isUnix {
		return nil, E.Extend(ErrUnsupportedAddress, address, " in unix")
	}
	return &unix.SockaddrUnix{Name: unixAddr.Name}, nil
}

func (f unixFamily) FromSockaddr(sa unix.Sockaddr, network string) net.Addr {
	unixAddr := &net.UnixAddr{Net: "unix"}
	if typed, isUnix := sa.(*unix.SockaddrUnix); isUnix {
		unixAddr.Name = typed.Name
	}
	return unixAddr
}

func (f unixFamily) Wildcard(network string) net.Addr {
	return &net.UnixAddr{Net: "unix"}
}

func (f unixFamily) SupportsOption(option native.Option, sotype int) bool {
	switch option {
	case native.OptionSendBuffer, native.OptionReceiveBuffer:
		return true
	case native.OptionLinger:
		return sotype == unix.SOCK_STREAM
	}
	return false
}
