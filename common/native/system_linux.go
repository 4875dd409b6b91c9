//go:build linux

package native

import (
	"math"
	"sync"
	"time"
	"unsafe"

	E "github.com/sagernet/sing-nio/common/exceptions"

	"golang.org/x/sys/unix"
)

var (
	systemOnce       sync.Once
	systemDispatcher *linuxDispatcher
	systemErr        error
)

// System returns the dispatcher backed by the running kernel.
func System() (Dispatcher, error) {
	systemOnce.Do(func() {
		systemDispatcher, systemErr = newLinuxDispatcher()
	})
	if systemErr != nil {
		return nil, systemErr
	}
	return systemDispatcher, nil
}

type linuxDispatcher struct {
	// half-shut end of a socketpair, dup'ed over handles being pre-closed
	markerFD int
	pageSize int64
}

func newLinuxDispatcher() (*linuxDispatcher, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, E.Cause(err, "create pre-close marker")
	}
	unix.Shutdown(pair[0], unix.SHUT_RDWR)
	unix.Close(pair[1])
	return &linuxDispatcher{
		markerFD: pair[0],
		pageSize: int64(unix.Getpagesize()),
	}, nil
}

func (d *linuxDispatcher) Socket(domain int, sotype int) (Handle, error) {
	fd, err := unix.Socket(domain, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return InvalidHandle, err
	}
	if domain == unix.AF_INET6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	return Handle(fd), nil
}

func (d *linuxDispatcher) Open(path string, flags int, perm uint32) (Handle, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, perm)
	if err != nil {
		return InvalidHandle, err
	}
	return Handle(fd), nil
}

func (d *linuxDispatcher) Close(fd Handle) error {
	return unix.Close(int(fd))
}

func (d *linuxDispatcher) PreClose(fd Handle) error {
	var stat unix.Stat_t
	if err := unix.Fstat(int(fd), &stat); err != nil {
		return err
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFSOCK {
		// shutdown wakes threads blocked in recv/accept, the dup keeps the
		// handle number reserved until the real close
		unix.Shutdown(int(fd), unix.SHUT_RDWR)
	}
	return unix.Dup3(d.markerFD, int(fd), unix.O_CLOEXEC)
}

func (d *linuxDispatcher) Dup(fd Handle) (Handle, error) {
	newFD, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return InvalidHandle, err
	}
	return Handle(newFD), nil
}

func (d *linuxDispatcher) SetNonblock(fd Handle, nonblocking bool) error {
	return unix.SetNonblock(int(fd), nonblocking)
}

func (d *linuxDispatcher) Bind(fd Handle, address unix.Sockaddr) error {
	return unix.Bind(int(fd), address)
}

func (d *linuxDispatcher) Listen(fd Handle, backlog int) error {
	if backlog < 1 {
		backlog = unix.SOMAXCONN
	}
	return unix.Listen(int(fd), backlog)
}

func (d *linuxDispatcher) Connect(fd Handle, address unix.Sockaddr) error {
	return unix.Connect(int(fd), address)
}

func (d *linuxDispatcher) Disconnect(fd Handle) error {
	var address unix.RawSockaddr
	address.Family = unix.AF_UNSPEC
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&address)), unsafe.Sizeof(address))
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return errno
	}
	return nil
}

func (d *linuxDispatcher) FinishConnect(fd Handle) error {
	pollFDs := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pollFDs, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		return unix.EINPROGRESS
	}
	value, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if value != 0 {
		return unix.Errno(value)
	}
	return nil
}

func (d *linuxDispatcher) Accept(fd Handle) (Handle, unix.Sockaddr, error) {
	newFD, address, err := unix.Accept4(int(fd), unix.SOCK_CLOEXEC)
	if err != nil {
		return InvalidHandle, nil, err
	}
	return Handle(newFD), address, nil
}

func (d *linuxDispatcher) LocalAddr(fd Handle) (unix.Sockaddr, error) {
	return unix.Getsockname(int(fd))
}

func (d *linuxDispatcher) RemoteAddr(fd Handle) (unix.Sockaddr, error) {
	return unix.Getpeername(int(fd))
}

func (d *linuxDispatcher) Shutdown(fd Handle, how int) error {
	return unix.Shutdown(int(fd), how)
}

func (d *linuxDispatcher) Recvfrom(fd Handle, p []byte) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(int(fd), p, 0)
}

func (d *linuxDispatcher) Sendto(fd Handle, p []byte, to unix.Sockaddr) (int, error) {
	if to == nil {
		return unix.Write(int(fd), p)
	}
	err := unix.Sendto(int(fd), p, 0, to)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *linuxDispatcher) Read(fd Handle, p []byte) (int, error) {
	return unix.Read(int(fd), p)
}

func (d *linuxDispatcher) Readv(fd Handle, iovs [][]byte) (int, error) {
	return unix.Readv(int(fd), iovs)
}

func (d *linuxDispatcher) Write(fd Handle, p []byte) (int, error) {
	return unix.Write(int(fd), p)
}

func (d *linuxDispatcher) Writev(fd Handle, iovs [][]byte) (int, error) {
	return unix.Writev(int(fd), iovs)
}

func (d *linuxDispatcher) Pread(fd Handle, p []byte, offset int64) (int, error) {
	return unix.Pread(int(fd), p, offset)
}

func (d *linuxDispatcher) Pwrite(fd Handle, p []byte, offset int64) (int, error) {
	return unix.Pwrite(int(fd), p, offset)
}

func (d *linuxDispatcher) Seek(fd Handle, offset int64, whence int) (int64, error) {
	return unix.Seek(int(fd), offset, whence)
}

func (d *linuxDispatcher) Size(fd Handle) (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(fd), &stat); err != nil {
		return 0, err
	}
	return stat.Size, nil
}

func (d *linuxDispatcher) Truncate(fd Handle, size int64) error {
	return unix.Ftruncate(int(fd), size)
}

func (d *linuxDispatcher) Sync(fd Handle, metadata bool) error {
	if metadata {
		return unix.Fsync(int(fd))
	}
	return unix.Fdatasync(int(fd))
}

func (d *linuxDispatcher) BlockSize(fd Handle) (int, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(fd), &stat); err != nil {
		return 0, err
	}
	return int(stat.Blksize), nil
}

func (d *linuxDispatcher) Mmap(fd Handle, offset int64, length int, mode MapMode) ([]byte, error) {
	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	switch mode {
	case MapReadWrite:
		prot |= unix.PROT_WRITE
	case MapPrivate:
		prot |= unix.PROT_WRITE
		flags = unix.MAP_PRIVATE
	}
	return unix.Mmap(int(fd), offset, length, prot, flags)
}

func (d *linuxDispatcher) Munmap(region []byte) error {
	return unix.Munmap(region)
}

func (d *linuxDispatcher) Msync(region []byte) error {
	return unix.Msync(region, unix.MS_SYNC)
}

func (d *linuxDispatcher) AllocationGranularity() int64 {
	return d.pageSize
}

func (d *linuxDispatcher) Lock(fd Handle, blocking bool, position int64, size int64, shared bool) (LockStatus, error) {
	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: unix.SEEK_SET,
		Start:  position,
		Len:    lockLength(size),
	}
	if shared {
		lock.Type = unix.F_RDLCK
	}
	command := unix.F_OFD_SETLK
	if blocking {
		command = unix.F_OFD_SETLKW
	}
	err := unix.FcntlFlock(uintptr(fd), command, &lock)
	if err != nil {
		if !blocking && (err == unix.EAGAIN || err == unix.EACCES) {
			return LockUnavailable, nil
		}
		return LockUnavailable, err
	}
	return LockAcquired, nil
}

func (d *linuxDispatcher) Unlock(fd Handle, position int64, size int64) error {
	lock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: unix.SEEK_SET,
		Start:  position,
		Len:    lockLength(size),
	}
	return unix.FcntlFlock(uintptr(fd), unix.F_OFD_SETLK, &lock)
}

func lockLength(size int64) int64 {
	if size == math.MaxInt64 {
		return 0
	}
	return size
}

func (d *linuxDispatcher) Transfer(dst Handle, dstOffset *int64, src Handle, srcOffset *int64, count int) (int, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(dst), &stat); err != nil {
		return 0, err
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFREG {
		return unix.CopyFileRange(int(src), srcOffset, int(dst), dstOffset, count, 0)
	}
	if dstOffset != nil {
		return 0, unix.EOPNOTSUPP
	}
	return unix.Sendfile(int(dst), int(src), srcOffset, count)
}

func (d *linuxDispatcher) Poll(fd Handle, events Event, timeout time.Duration) (Event, error) {
	var pollEvents int16
	if events&EventRead != 0 {
		pollEvents |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		pollEvents |= unix.POLLOUT
	}
	pollFDs := []unix.PollFd{{Fd: int32(fd), Events: pollEvents}}
	n, err := unix.Poll(pollFDs, TimeoutMillis(timeout))
	if err != nil || n == 0 {
		return 0, err
	}
	revents := pollFDs[0].Revents
	if revents&unix.POLLNVAL != 0 {
		return 0, unix.EBADF
	}
	var ready Event
	if revents&unix.POLLIN != 0 {
		ready |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		ready |= EventWrite
	}
	if revents&unix.POLLERR != 0 {
		ready |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		ready |= EventHangup
	}
	return ready, nil
}

func (d *linuxDispatcher) NewMultiplexer() (Multiplexer, error) {
	return newEpoll()
}

func (d *linuxDispatcher) CurrentThread() int64 {
	return int64(unix.Gettid())
}

func (d *linuxDispatcher) SignalThread(id int64) error {
	return unix.Tgkill(unix.Getpid(), int(id), unix.SIGURG)
}

func (d *linuxDispatcher) SetOption(fd Handle, domain int, option Option, value int) error {
	if option == OptionLinger {
		linger := unix.Linger{}
		if value >= 0 {
			linger.Onoff = 1
			linger.Linger = int32(value)
		}
		return unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &linger)
	}
	if option == OptionMulticastInterface && domain == unix.AF_INET {
		return unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_IF, &unix.IPMreqn{Ifindex: int32(value)})
	}
	level, name, err := optionName(domain, option)
	if err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), level, name, value)
}

func (d *linuxDispatcher) GetOption(fd Handle, domain int, option Option) (int, error) {
	if option == OptionLinger {
		linger, err := unix.GetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER)
		if err != nil {
			return 0, err
		}
		if linger.Onoff == 0 {
			return -1, nil
		}
		return int(linger.Linger), nil
	}
	if option == OptionMulticastInterface && domain == unix.AF_INET {
		request, err := unix.GetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_IF)
		if err != nil {
			return 0, err
		}
		return int(request.Ifindex), nil
	}
	level, name, err := optionName(domain, option)
	if err != nil {
		return 0, err
	}
	return unix.GetsockoptInt(int(fd), level, name)
}

func optionName(domain int, option Option) (level int, name int, err error) {
	switch option {
	case OptionSendBuffer:
		return unix.SOL_SOCKET, unix.SO_SNDBUF, nil
	case OptionReceiveBuffer:
		return unix.SOL_SOCKET, unix.SO_RCVBUF, nil
	case OptionReuseAddress:
		return unix.SOL_SOCKET, unix.SO_REUSEADDR, nil
	case OptionKeepAlive:
		return unix.SOL_SOCKET, unix.SO_KEEPALIVE, nil
	case OptionBroadcast:
		return unix.SOL_SOCKET, unix.SO_BROADCAST, nil
	}
	if domain == unix.AF_INET6 {
		switch option {
		case OptionMulticastTTL:
			return unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, nil
		case OptionMulticastInterface:
			return unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, nil
		case OptionMulticastLoopback:
			return unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, nil
		case OptionTypeOfService:
			return unix.IPPROTO_IPV6, unix.IPV6_TCLASS, nil
		}
	} else if domain == unix.AF_INET {
		switch option {
		case OptionMulticastTTL:
			return unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, nil
		case OptionMulticastLoopback:
			return unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, nil
		case OptionTypeOfService:
			return unix.IPPROTO_IP, unix.IP_TOS, nil
		}
	}
	return 0, 0, unix.ENOPROTOOPT
}
