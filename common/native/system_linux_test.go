//go:build linux

package native

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func realDispatcher(t *testing.T) Dispatcher {
	t.Helper()
	d, err := System()
	require.NoError(t, err)
	return d
}

func socketPair(t *testing.T) (Handle, Handle) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(pair[0])
		unix.Close(pair[1])
	})
	return Handle(pair[0]), Handle(pair[1])
}

func openTemp(t *testing.T, d Dispatcher, name string) Handle {
	t.Helper()
	fd, err := d.Open(filepath.Join(t.TempDir(), name), unix.O_RDWR|unix.O_CREAT, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close(fd)
	})
	return fd
}

// waitReady retries waits broken by runtime preemption signals.
func waitReady(t *testing.T, m Multiplexer, events []ReadyEvent, timeout time.Duration) int {
	t.Helper()
	for {
		n, err := m.Wait(events, timeout)
		if IsInterrupted(err) {
			continue
		}
		require.NoError(t, err)
		return n
	}
}

func TestEpollOneShot(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	m, err := d.NewMultiplexer()
	require.NoError(t, err)
	defer m.Close()
	local, remote := socketPair(t)

	require.NoError(t, m.Add(local, EventRead))
	_, err = d.Write(remote, []byte("x"))
	require.NoError(t, err)
	events := make([]ReadyEvent, 8)
	n := waitReady(t, m, events, 5*time.Second)
	require.Equal(t, 1, n)
	require.Equal(t, local, events[0].Handle)
	require.NotZero(t, events[0].Events&EventRead)

	// the unread byte keeps the socket readable, but the registration fired
	require.Zero(t, waitReady(t, m, events, 50*time.Millisecond))

	require.NoError(t, m.Add(local, EventRead))
	n = waitReady(t, m, events, 5*time.Second)
	require.Equal(t, 1, n)
	require.Equal(t, local, events[0].Handle)

	require.NoError(t, m.Remove(local))
	require.NoError(t, m.Remove(local))
}

func TestEpollWakeup(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	m, err := d.NewMultiplexer()
	require.NoError(t, err)
	defer m.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Wakeup()
	}()
	events := make([]ReadyEvent, 8)
	start := time.Now()
	require.Zero(t, waitReady(t, m, events, 10*time.Second))
	require.Less(t, time.Since(start), 5*time.Second)

	// the wakeup counter was drained by the wait that saw it
	require.Zero(t, waitReady(t, m, events, 20*time.Millisecond))
}

func TestPreCloseEndsRead(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(pair[1])
	fd := Handle(pair[0])

	done := make(chan int, 1)
	go func() {
		n, _ := d.Read(fd, make([]byte, 16))
		done <- n
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.PreClose(fd))
	select {
	case n := <-done:
		require.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("read not released by pre-close")
	}
	n, err := d.Read(fd, make([]byte, 16))
	require.Zero(t, n)
	require.NoError(t, err)
	require.NoError(t, d.Close(fd))
}

func TestMapRoundTrip(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	fd := openTemp(t, d, "mapped")
	size := int(d.AllocationGranularity())
	require.NoError(t, d.Truncate(fd, int64(size)))

	payload := []byte("written through a shared mapping")
	region, err := d.Mmap(fd, 0, size, MapReadWrite)
	require.NoError(t, err)
	copy(region, payload)
	require.NoError(t, d.Msync(region))
	require.NoError(t, d.Munmap(region))

	region, err = d.Mmap(fd, 0, size, MapReadOnly)
	require.NoError(t, err)
	require.Equal(t, payload, region[:len(payload)])
	require.NoError(t, d.Munmap(region))

	buffer := make([]byte, len(payload))
	_, err = d.Pread(fd, buffer, 0)
	require.NoError(t, err)
	require.Equal(t, payload, buffer)
}

func TestLockConflict(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	path := filepath.Join(t.TempDir(), "locked")
	holder, err := d.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	require.NoError(t, err)
	defer d.Close(holder)
	other, err := d.Open(path, unix.O_RDWR, 0)
	require.NoError(t, err)
	defer d.Close(other)

	status, err := d.Lock(holder, false, 0, 100, false)
	require.NoError(t, err)
	require.Equal(t, LockAcquired, status)
	status, err = d.Lock(other, false, 50, 10, true)
	require.NoError(t, err)
	require.Equal(t, LockUnavailable, status)
	status, err = d.Lock(other, false, 100, 10, false)
	require.NoError(t, err)
	require.Equal(t, LockAcquired, status)

	require.NoError(t, d.Unlock(holder, 0, 100))
	status, err = d.Lock(other, false, 0, 100, false)
	require.NoError(t, err)
	require.Equal(t, LockAcquired, status)
}

func TestTransferFileToFile(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	source := openTemp(t, d, "source")
	target := openTemp(t, d, "target")
	data := make([]byte, 256*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)
	_, err = d.Pwrite(source, data, 0)
	require.NoError(t, err)

	var sourceOffset, targetOffset int64 = 1000, 0
	var copied int
	for copied < len(data)-1000 {
		n, err := d.Transfer(target, &targetOffset, source, &sourceOffset, len(data)-1000-copied)
		if IsTransferUnsupported(err) {
			t.Skip("copy_file_range unsupported: ", err)
		}
		require.NoError(t, err)
		require.Positive(t, n)
		copied += n
	}
	require.Equal(t, int64(len(data)), sourceOffset)
	written := make([]byte, copied)
	_, err = d.Pread(target, written, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[1000:], written))
}

func TestTransferFileToSocket(t *testing.T) {
	t.Parallel()
	d := realDispatcher(t)
	source := openTemp(t, d, "source")
	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)
	_, err = d.Pwrite(source, data, 0)
	require.NoError(t, err)
	local, remote := socketPair(t)

	_, err = d.Transfer(local, new(int64), source, new(int64), len(data))
	require.ErrorIs(t, err, unix.EOPNOTSUPP)

	var offset int64
	for offset < int64(len(data)) {
		_, err := d.Transfer(local, nil, source, &offset, len(data)-int(offset))
		if IsTransferUnsupported(err) {
			t.Skip("sendfile unsupported: ", err)
		}
		require.NoError(t, err)
	}
	received := make([]byte, 0, len(data))
	buffer := make([]byte, len(data))
	for len(received) < len(data) {
		n, err := d.Read(remote, buffer)
		require.NoError(t, err)
		received = append(received, buffer[:n]...)
	}
	require.True(t, bytes.Equal(data, received))
}
