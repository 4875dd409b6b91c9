// Package native declares the synchronous primitives the channel layer is built
// on. Every call reports success, a byte count, or an errno from
// golang.org/x/sys/unix; EAGAIN means "would block" and EINTR "interrupted".
package native

import (
	"time"

	"golang.org/x/sys/unix"
)

type Handle int

const InvalidHandle Handle = -1

type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventError:
		return "error"
	case EventHangup:
		return "hangup"
	}
	return "mixed"
}

type MapMode uint8

const (
	MapReadOnly MapMode = iota
	MapReadWrite
	MapPrivate
)

func (m MapMode) String() string {
	switch m {
	case MapReadOnly:
		return "READ_ONLY"
	case MapReadWrite:
		return "READ_WRITE"
	case MapPrivate:
		return "PRIVATE"
	}
	return "unknown"
}

type LockStatus uint8

const (
	// LockUnavailable is only reported by non-blocking attempts.
	LockUnavailable LockStatus = iota
	LockAcquired
	// LockUpgraded reports a shared request that was granted exclusively.
	LockUpgraded
)

type ReadyEvent struct {
	Handle Handle
	Events Event
}

type SocketDispatcher interface {
	Socket(domain int, sotype int) (Handle, error)
	Bind(fd Handle, address unix.Sockaddr) error
	Listen(fd Handle, backlog int) error
	Connect(fd Handle, address unix.Sockaddr) error
	// Disconnect dissolves the association of a connected datagram socket.
	Disconnect(fd Handle) error
	// FinishConnect reports the outcome of a non-blocking connect, EINPROGRESS
	// while it is still outstanding.
	FinishConnect(fd Handle) error
	Accept(fd Handle) (Handle, unix.Sockaddr, error)
	LocalAddr(fd Handle) (unix.Sockaddr, error)
	RemoteAddr(fd Handle) (unix.Sockaddr, error)
	Shutdown(fd Handle, how int) error
	Recvfrom(fd Handle, p []byte) (int, unix.Sockaddr, error)
	Sendto(fd Handle, p []byte, to unix.Sockaddr) (int, error)
	SetOption(fd Handle, domain int, option Option, value int) error
	GetOption(fd Handle, domain int, option Option) (int, error)
}

type FileDispatcher interface {
	Open(path string, flags int, perm uint32) (Handle, error)
	Pread(fd Handle, p []byte, offset int64) (int, error)
	Pwrite(fd Handle, p []byte, offset int64) (int, error)
	Seek(fd Handle, offset int64, whence int) (int64, error)
	Size(fd Handle) (int64, error)
	Truncate(fd Handle, size int64) error
	Sync(fd Handle, metadata bool) error
	BlockSize(fd Handle) (int, error)
	Mmap(fd Handle, offset int64, length int, mode MapMode) ([]byte, error)
	Munmap(region []byte) error
	Msync(region []byte) error
	AllocationGranularity() int64
	Lock(fd Handle, blocking bool, position int64, size int64, shared bool) (LockStatus, error)
	Unlock(fd Handle, position int64, size int64) error
	// Transfer moves count bytes between handles inside the kernel. A nil
	// offset uses and advances the handle position. Unsupported pairs fail
	// with an error accepted by IsTransferUnsupported.
	Transfer(dst Handle, dstOffset *int64, src Handle, srcOffset *int64, count int) (int, error)
}

type Dispatcher interface {
	SocketDispatcher
	FileDispatcher

	Close(fd Handle) error
	// PreClose makes every current and future operation on fd fail or return
	// EOF without releasing the handle number.
	PreClose(fd Handle) error
	Dup(fd Handle) (Handle, error)
	SetNonblock(fd Handle, nonblocking bool) error

	Read(fd Handle, p []byte) (int, error)
	Readv(fd Handle, iovs [][]byte) (int, error)
	Write(fd Handle, p []byte) (int, error)
	Writev(fd Handle, iovs [][]byte) (int, error)

	// Poll blocks until fd is ready for one of events; a negative timeout
	// waits forever.
	Poll(fd Handle, events Event, timeout time.Duration) (Event, error)
	NewMultiplexer() (Multiplexer, error)

	CurrentThread() int64
	SignalThread(id int64) error
}

// Multiplexer is the OS readiness facility. Registrations are one-shot: a
// handle reported by Wait stays disarmed until it is added again.
type Multiplexer interface {
	Handle() Handle
	Add(fd Handle, events Event) error
	Remove(fd Handle) error
	Wait(events []ReadyEvent, timeout time.Duration) (int, error)
	Wakeup() error
	Close() error
}

func TimeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	millis := timeout.Milliseconds()
	if millis == 0 && timeout > 0 {
		millis = 1
	}
	return int(millis)
}
