//go:build linux

package native

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	epollFD int
	wakeFD  int
	raw     []unix.EpollEvent
}

func newEpoll() (*epoll, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, err
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, wakeFD, &event)
	if err != nil {
		unix.Close(wakeFD)
		unix.Close(epollFD)
		return nil, err
	}
	return &epoll{
		epollFD: epollFD,
		wakeFD:  wakeFD,
		raw:     make([]unix.EpollEvent, 64),
	}, nil
}

func (e *epoll) Handle() Handle {
	return Handle(e.epollFD)
}

func (e *epoll) Add(fd Handle, events Event) error {
	var flags uint32 = unix.EPOLLONESHOT
	if events&EventRead != 0 {
		flags |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		flags |= unix.EPOLLOUT
	}
	event := unix.EpollEvent{Events: flags, Fd: int32(fd)}
	// a handle polled before stays in the set disarmed
	err := unix.EpollCtl(e.epollFD, unix.EPOLL_CTL_MOD, int(fd), &event)
	if err == unix.ENOENT {
		err = unix.EpollCtl(e.epollFD, unix.EPOLL_CTL_ADD, int(fd), &event)
	}
	return err
}

func (e *epoll) Remove(fd Handle) error {
	err := unix.EpollCtl(e.epollFD, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (e *epoll) Wait(events []ReadyEvent, timeout time.Duration) (int, error) {
	if len(e.raw) < len(events) {
		e.raw = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(e.epollFD, e.raw[:len(events)], TimeoutMillis(timeout))
	if err != nil {
		return 0, err
	}
	var count int
	for i := 0; i < n; i++ {
		raw := e.raw[i]
		if int(raw.Fd) == e.wakeFD {
			var buffer [8]byte
			unix.Read(e.wakeFD, buffer[:])
			continue
		}
		var ready Event
		if raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ready |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ready |= EventWrite
		}
		if raw.Events&unix.EPOLLERR != 0 {
			ready |= EventError
		}
		if raw.Events&unix.EPOLLHUP != 0 {
			ready |= EventHangup
		}
		events[count] = ReadyEvent{Handle: Handle(raw.Fd), Events: ready}
		count++
	}
	return count, nil
}

func (e *epoll) Wakeup() error {
	var buffer [8]byte
	binary.LittleEndian.PutUint64(buffer[:], 1)
	_, err := unix.Write(e.wakeFD, buffer[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (e *epoll) Close() error {
	unix.Close(e.wakeFD)
	return unix.Close(e.epollFD)
}
