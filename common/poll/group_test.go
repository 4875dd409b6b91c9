package poll

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/native/fake"
	"github.com/sagernet/sing-nio/common/thread"

	"github.com/stretchr/testify/require"
)

func startGroup(t *testing.T, dispatcher native.Dispatcher, config Config) *Group {
	group, err := NewGroup(dispatcher, config)
	require.NoError(t, err)
	require.NoError(t, group.Start())
	t.Cleanup(func() {
		group.Close()
	})
	return group
}

func waitRegistrations(t *testing.T, group *Group, expected int) {
	require.Eventually(t, func() bool {
		return group.Stats().Registrations == expected
	}, 5*time.Second, time.Millisecond)
}

func TestGroupPartitionedUnparks(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, Config{Mode: ModeSystemThreads, ReadPollers: 4, WritePollers: 1})
	const readers = 1000
	ctx := context.Background()
	expected := make(map[*Poller]int64)
	handles := make([]native.Handle, readers)
	for i := range handles {
		handles[i] = dispatcher.NewHandle()
		poller, err := group.ReadPoller(ctx, handles[i])
		require.NoError(t, err)
		expected[poller]++
	}
	require.Len(t, expected, 4)
	var wg sync.WaitGroup
	errors := make(chan error, readers)
	for _, fd := range handles {
		wg.Add(1)
		go func(fd native.Handle) {
			defer wg.Done()
			errors <- group.Park(ctx, fd, native.EventRead, time.Time{}, nil)
		}(fd)
	}
	waitRegistrations(t, group, readers)
	for _, fd := range handles {
		dispatcher.SetReady(fd, native.EventRead)
	}
	wg.Wait()
	close(errors)
	for err := range errors {
		require.NoError(t, err)
	}
	var total int64
	for poller, count := range expected {
		require.Equal(t, count, poller.Unparks(), poller.Owner())
		require.Zero(t, poller.Registrations())
		total += poller.Unparks()
	}
	require.Equal(t, int64(readers), total)
	require.Zero(t, group.Stats().Registrations)
}

func TestGroupUnparkOnClose(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, Config{Mode: ModeSystemThreads, ReadPollers: 2, WritePollers: 2})
	const parked = 16
	handles := make([]native.Handle, parked)
	var wg sync.WaitGroup
	for i := range handles {
		handles[i] = dispatcher.NewHandle()
		event := native.EventRead
		if i%2 == 1 {
			event = native.EventWrite
		}
		wg.Add(1)
		go func(fd native.Handle, event native.Event) {
			defer wg.Done()
			require.NoError(t, group.Park(context.Background(), fd, event, time.Time{}, nil))
		}(handles[i], event)
	}
	waitRegistrations(t, group, parked)
	for _, fd := range handles {
		require.Equal(t, 1, group.Unpark(fd))
	}
	wg.Wait()
	for _, fd := range handles {
		require.Zero(t, group.Unpark(fd))
	}
	require.Zero(t, group.Stats().Registrations)
}

func TestGroupLightweightMode(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, Config{Mode: ModeLightweight, ReadPollers: 2, WritePollers: 1})
	stats := group.Stats()
	require.Len(t, stats.Pollers, 4)
	require.Equal(t, "master-poller", stats.Pollers[0].Owner)
	require.True(t, strings.HasSuffix(stats.Pollers[1].Owner, "(lightweight)"))

	handles := []native.Handle{dispatcher.NewHandle(), dispatcher.NewHandle(), dispatcher.NewHandle()}
	var wg sync.WaitGroup
	for _, fd := range handles {
		wg.Add(1)
		go func(fd native.Handle) {
			defer wg.Done()
			require.NoError(t, group.Park(context.Background(), fd, native.EventRead, time.Time{}, nil))
		}(fd)
	}
	waitRegistrations(t, group, len(handles))
	for _, fd := range handles {
		dispatcher.SetReady(fd, native.EventRead)
	}
	wg.Wait()
	require.Zero(t, group.Stats().Registrations)
	// idle sub-pollers wait on the master with their own handles
	master := group.Pollers()[0]
	require.Eventually(t, func() bool { return master.Registrations() == 3 }, 5*time.Second, time.Millisecond)
}

func TestGroupPerCarrierMode(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, Config{Mode: ModePerCarrier, ReadPollers: 1, WritePollers: 1})
	carrier := thread.NewCarrier()
	ctx := thread.WithCarrier(context.Background(), carrier)
	fd := dispatcher.NewHandle()

	poller, err := group.ReadPoller(ctx, fd)
	require.NoError(t, err)
	require.Contains(t, poller.Owner(), "carrier-")
	again, err := group.ReadPoller(ctx, dispatcher.NewHandle())
	require.NoError(t, err)
	require.Same(t, poller, again)

	shared, err := group.ReadPoller(context.Background(), fd)
	require.NoError(t, err)
	require.NotSame(t, poller, shared)
	require.Contains(t, shared.Owner(), "system thread")

	done := make(chan error, 1)
	go func() {
		done <- group.Park(ctx, fd, native.EventRead, time.Time{}, nil)
	}()
	require.Eventually(t, func() bool { return poller.Registrations() == 1 }, 5*time.Second, time.Millisecond)
	dispatcher.SetReady(fd, native.EventRead)
	require.NoError(t, <-done)
	require.Equal(t, int64(1), poller.Unparks())

	carrier.Terminate()
	for _, stats := range group.Stats().Pollers {
		require.NotEqual(t, poller.Owner(), stats.Owner)
	}
	_, err = poller.Park(ctx, fd, time.Time{}, nil)
	require.Error(t, err)
}

func TestParkPreClosedHandle(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, DefaultConfig())
	fd := dispatcher.NewHandle()
	require.NoError(t, dispatcher.Close(fd))
	require.NoError(t, group.Park(context.Background(), fd, native.EventRead, time.Time{}, nil))
	require.Zero(t, group.Stats().Registrations)
}

func TestParkClosedChannel(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, DefaultConfig())
	fd := dispatcher.NewHandle()
	err := group.Park(context.Background(), fd, native.EventRead, time.Time{}, func() bool { return false })
	require.NoError(t, err)
	require.Zero(t, group.Stats().Registrations)
}

func TestParkDeadline(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, DefaultConfig())
	poller, err := group.WritePoller(dispatcher.NewHandle())
	require.NoError(t, err)
	fd := dispatcher.NewHandle()
	start := time.Now()
	polled, err := poller.Park(context.Background(), fd, start.Add(20*time.Millisecond), nil)
	require.NoError(t, err)
	require.False(t, polled)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Zero(t, poller.Registrations())
}

func TestParkTwice(t *testing.T) {
	t.Parallel()
	dispatcher := fake.NewDispatcher()
	group := startGroup(t, dispatcher, DefaultConfig())
	fd := dispatcher.NewHandle()
	poller, err := group.ReadPoller(context.Background(), fd)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Park(ctx, fd, time.Time{}, nil)
	}()
	require.Eventually(t, func() bool { return poller.Registrations() == 1 }, 5*time.Second, time.Millisecond)
	_, err = poller.Park(context.Background(), fd, time.Time{}, nil)
	require.ErrorIs(t, err, ErrAlreadyParked)
	cancel()
	<-done
	require.Zero(t, poller.Unparks())
}

func TestGroupNotStarted(t *testing.T) {
	t.Parallel()
	group, err := NewGroup(fake.NewDispatcher(), DefaultConfig())
	require.NoError(t, err)
	require.ErrorIs(t, group.Park(context.Background(), 3, native.EventRead, time.Time{}, nil), ErrNotStarted)
	require.Zero(t, group.Unpark(3))
	require.NoError(t, group.Close())
}
