package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sagernet/sing-nio/channel"
	"github.com/sagernet/sing-nio/common/native/fake"
	"github.com/sagernet/sing-nio/common/poll"

	"github.com/stretchr/testify/require"
)

func TestServeEcho(t *testing.T) {
	t.Parallel()
	d := fake.NewDispatcher()
	group, err := poll.NewGroup(d, poll.Config{Mode: poll.ModeLightweight, ReadPollers: 1, WritePollers: 1})
	require.NoError(t, err)
	require.NoError(t, group.Start())
	defer group.Close()

	listener, err := channel.NewListenerChannel(d, group, channel.Inet4)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveEcho(ctx, listener, time.Minute)
	}()

	client, err := channel.NewStreamChannel(d, group, channel.Inet4)
	require.NoError(t, err)
	defer client.Close()
	connected, err := client.Connect(context.Background(), listener.Addr())
	require.NoError(t, err)
	require.True(t, connected)
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, "hello", string(reply))

	cancel()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("echo server did not stop")
	}
	require.False(t, listener.IsOpen())
}
