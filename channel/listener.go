package channel

import (
	"context"
	"net"

	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"

	"golang.org/x/sys/unix"
)

const DefaultBacklog = 50

var _ net.Listener = (*ListenerChannel)(nil)

// ListenerChannel accepts stream connections.
type ListenerChannel struct {
	*socket
}

func NewListenerChannel(dispatcher native.Dispatcher, group *poll.Group, family Family) (*ListenerChannel, error) {
	s, err := newSocket(dispatcher, group, family, unix.SOCK_STREAM, "tcp", StateInUse)
	if err != nil {
		return nil, err
	}
	return &ListenerChannel{socket: s}, nil
}

// Bind binds local, or the family wildcard when nil, and starts listening.
// A backlog below one uses DefaultBacklog.
func (l *ListenerChannel) Bind(local net.Addr, backlog int) error {
	err := l.acquire(context.Background(), l.readLock)
	if err != nil {
		return err
	}
	defer l.readLock.unlock()
	l.stateAccess.Lock()
	defer l.stateAccess.Unlock()
	err = l.ensureOpen()
	if err != nil {
		return err
	}
	if l.isBound() {
		return ErrAlreadyBound
	}
	if backlog < 1 {
		backlog = DefaultBacklog
	}
	err = l.bindLocked(local)
	if err != nil {
		return err
	}
	return l.dispatcher.Listen(l.fd, backlog)
}

func (l *ListenerChannel) Accept() (net.Conn, error) {
	conn, err := l.AcceptContext(context.Background())
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrIllegalBlockingMode
	}
	return conn, nil
}

func (l *ListenerChannel) Addr() net.Addr {
	return l.LocalAddr()
}

// AcceptContext returns the next connection in blocking mode. A
// non-blocking listener returns nil with a nil error when none is queued.
func (l *ListenerChannel) AcceptContext(ctx context.Context) (*StreamChannel, error) {
	err := l.acquire(ctx, l.readLock)
	if err != nil {
		return nil, err
	}
	defer l.readLock.unlock()
	if !l.isBound() {
		return nil, ErrNotYetBound
	}
	var (
		fd     native.Handle
		remote unix.Sockaddr
	)
	err = l.perform(ctx, native.EventRead, l.deadline(ctx, native.EventRead), func() (bool, error) {
		var err error
		fd, remote, err = l.dispatcher.Accept(l.fd)
		return err == nil, err
	})
	if err == errWouldBlock {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newAcceptedStream(l.dispatcher, l.group, l.family, fd, remote)
}
