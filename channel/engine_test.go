package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/native/fake"
	"github.com/sagernet/sing-nio/common/poll"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCloseErrors(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, ErrClosedByInterrupt, ErrAsynchronousClose)
	require.ErrorIs(t, ErrAsynchronousClose, ErrClosed)
	require.ErrorIs(t, ErrClosed, net.ErrClosed)
	require.NotErrorIs(t, ErrClosed, ErrAsynchronousClose)
}

func TestStateOrder(t *testing.T) {
	t.Parallel()
	require.Less(t, StateConnected, StateClosing)
	require.Less(t, StateInUse, StateClosing)
	require.Less(t, StateKillPending, StateKilled)
	require.Equal(t, "kill-pending", StateKillPending.String())
}

func TestReactorDefersKill(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	_, server := streamPair(t, d, newTestGroup(t, d))
	reactor, err := poll.NewReactor(context.Background(), d)
	require.NoError(t, err)
	defer reactor.Close()

	require.ErrorIs(t, server.Register(reactor, native.EventRead, nil), ErrIllegalBlockingMode)
	require.NoError(t, server.SetBlocking(false))
	handler := poll.HandlerFunc(func(native.Handle, native.Event) {})
	require.NoError(t, server.Register(reactor, native.EventRead, handler))
	require.ErrorIs(t, server.Register(reactor, native.EventRead, handler), poll.ErrAlreadyRegistered)
	require.True(t, server.IsRegistered())
	require.ErrorIs(t, server.SetBlocking(true), ErrIllegalBlockingMode)

	// hold the dispatch goroutine so the cancellation stays queued
	busy := d.NewHandle()
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, reactor.Register(busy, native.EventRead, poll.HandlerFunc(func(fd native.Handle, events native.Event) {
		d.SetReady(fd, 0)
		close(entered)
		<-release
	})))
	d.SetReady(busy, native.EventRead)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, server.Close())
	require.False(t, server.IsOpen())
	require.Equal(t, StateKillPending, server.State())
	require.Zero(t, d.CloseCalls(server.Handle()))
	require.True(t, d.IsOpen(server.Handle()))

	close(release)
	require.Eventually(t, func() bool {
		return server.State() == StateKilled
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, d.CloseCalls(server.Handle()))
	require.False(t, server.IsRegistered())
}

func TestDeregisterKeepsOpen(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	_, server := streamPair(t, d, newTestGroup(t, d))
	reactor, err := poll.NewReactor(context.Background(), d)
	require.NoError(t, err)
	defer reactor.Close()
	require.NoError(t, server.SetBlocking(false))
	require.NoError(t, server.Register(reactor, native.EventRead, poll.HandlerFunc(func(native.Handle, native.Event) {})))
	require.NoError(t, server.Deregister(reactor))
	require.False(t, server.IsRegistered())
	require.False(t, reactor.Registered(server.Handle()))
	require.True(t, server.IsOpen())
	require.NoError(t, server.SetBlocking(true))
	require.NoError(t, server.Close())
	require.Equal(t, StateKilled, server.State())
}

func TestNormalizeOption(t *testing.T) {
	t.Parallel()
	value, err := normalizeOption(native.OptionReuseAddress, 42)
	require.NoError(t, err)
	require.Equal(t, 1, value)
	value, err = normalizeOption(native.OptionLinger, -7)
	require.NoError(t, err)
	require.Equal(t, -1, value)
	_, err = normalizeOption(native.OptionMulticastTTL, 300)
	require.ErrorIs(t, err, ErrInvalidOption)
	value, err = normalizeOption(native.OptionReceiveBuffer, 8192)
	require.NoError(t, err)
	require.Equal(t, 8192, value)
	require.Equal(t, 1, BoolOption(true))
	require.Zero(t, BoolOption(false))
}

func TestFamilySockaddr(t *testing.T) {
	t.Parallel()
	sa, err := Inet4.ToSockaddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80})
	require.NoError(t, err)
	require.Equal(t, &unix.SockaddrInet4{Addr: [4]byte{10, 0, 0, 1}, Port: 80}, sa)
	_, err = Inet4.ToSockaddr(&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 80})
	require.ErrorIs(t, err, ErrUnsupportedAddress)
	_, err = Inet4.ToSockaddr(&net.UnixAddr{Name: "/tmp/socket"})
	require.ErrorIs(t, err, ErrUnsupportedAddress)

	sa, err = Inet6.ToSockaddr(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 53})
	require.NoError(t, err)
	inet6, isInet6 := sa.(*unix.SockaddrInet6)
	require.True(t, isInet6)
	require.Equal(t, 53, inet6.Port)
	require.Equal(t, "udp", Inet6.FromSockaddr(sa, "udp").Network())
	require.Equal(t, "10.0.0.1:53", Inet6.FromSockaddr(sa, "udp").String())

	require.Equal(t, "0.0.0.0:0", Inet4.Wildcard("tcp").String())
	require.Equal(t, "[::]:0", Inet6.Wildcard("tcp").String())

	family, err := FamilyOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	require.Equal(t, Inet4, family)
	family, err = FamilyOf(&net.UDPAddr{IP: net.IPv6loopback})
	require.NoError(t, err)
	require.Equal(t, Inet6, family)
	family, err = FamilyOf(&net.UnixAddr{Name: "/tmp/socket", Net: "unix"})
	require.NoError(t, err)
	require.Equal(t, Unix, family)

	require.True(t, Unix.SupportsOption(native.OptionLinger, unix.SOCK_STREAM))
	require.False(t, Unix.SupportsOption(native.OptionKeepAlive, unix.SOCK_STREAM))
	require.True(t, Inet4.SupportsOption(native.OptionBroadcast, unix.SOCK_DGRAM))
	require.False(t, Inet4.SupportsOption(native.OptionLinger, unix.SOCK_DGRAM))
}
