package metadata

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddrPortFromNet(t *testing.T) {
	t.Parallel()
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:80"), AddrPortFromNet(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80}))
	require.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:53"), AddrPortFromNet(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53}))
	require.False(t, AddrPortFromNet(&net.UnixAddr{Name: "/tmp/socket"}).IsValid())
	require.False(t, AddrFromIP(nil).IsValid())
}

func TestSockaddrRoundTrip(t *testing.T) {
	t.Parallel()
	v4 := netip.MustParseAddrPort("192.0.2.7:443")
	sa := AddrPortToSockaddr(v4, AddressFamilyIPv4)
	require.IsType(t, &unix.SockaddrInet4{}, sa)
	require.Equal(t, v4, AddrPortFromSockaddr(sa))

	mapped := AddrPortToSockaddr(v4, AddressFamilyIPv6)
	inet6, isInet6 := mapped.(*unix.SockaddrInet6)
	require.True(t, isInet6)
	require.True(t, netip.AddrFrom16(inet6.Addr).Is4In6())
	require.Equal(t, v4, AddrPortFromSockaddr(mapped))
	require.False(t, AddrPortFromSockaddr(&unix.SockaddrUnix{Name: "x"}).IsValid())
}

func TestFamily(t *testing.T) {
	t.Parallel()
	require.Equal(t, AddressFamilyIPv4, FamilyOf(netip.MustParseAddr("::ffff:127.0.0.1")))
	require.Equal(t, AddressFamilyIPv6, FamilyOf(netip.IPv6Loopback()))
	require.Equal(t, unix.AF_INET6, AddressFamilyIPv6.Domain())
	require.Equal(t, "unix", AddressFamilyUnix.String())
	require.False(t, AddressFamilyUnix.IsIP())
}

func TestParseAddrPort(t *testing.T) {
	t.Parallel()
	addrPort, err := ParseAddrPort(":8080")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddrPort("0.0.0.0:8080"), addrPort)
	addrPort, err = ParseAddrPort("[::ffff:10.1.2.3]:9")
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3:9", addrPort.String())
	_, err = ParseAddrPort("example.com:80")
	require.Error(t, err)
	_, err = ParseAddrPort("127.0.0.1:http")
	require.Error(t, err)
	require.Equal(t, "127.0.0.1:80", TCPAddr(netip.MustParseAddrPort("127.0.0.1:80")).String())
	require.Equal(t, "udp", UDPAddr(addrPort).Network())
}
