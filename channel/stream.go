package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"

	"golang.org/x/sys/unix"
)

var _ net.Conn = (*StreamChannel)(nil)

// StreamChannel is a connection-oriented socket channel.
type StreamChannel struct {
	*socket
	inputShutdown  atomic.Bool
	outputShutdown atomic.Bool
}

// NewStreamChannel opens an unconnected stream channel. A nil group makes
// every blocking caller wait on a pinned OS thread.
func NewStreamChannel(dispatcher native.Dispatcher, group *poll.Group, family Family) (*StreamChannel, error) {
	s, err := newSocket(dispatcher, group, family, unix.SOCK_STREAM, "tcp", StateUnconnected)
	if err != nil {
		return nil, err
	}
	return &StreamChannel{socket: s}, nil
}

func newAcceptedStream(dispatcher native.Dispatcher, group *poll.Group, family Family, fd native.Handle, remote unix.Sockaddr) (*StreamChannel, error) {
	c := &StreamChannel{socket: wrapSocket(dispatcher, group, family, unix.SOCK_STREAM, "tcp", fd, StateConnected)}
	err := c.refreshLocal()
	if err != nil {
		return nil, E.Errors(err, c.Close())
	}
	c.setRemote(family.FromSockaddr(remote, "tcp"))
	return c, nil
}

func (c *StreamChannel) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *StreamChannel) IsConnectionPending() bool {
	return c.State() == StatePending
}

// lockBoth takes the read and then the write lock.
func (c *StreamChannel) lockBoth(ctx context.Context) (func(), error) {
	err := c.acquire(ctx, c.readLock)
	if err != nil {
		return nil, err
	}
	err = c.acquire(ctx, c.writeLock)
	if err != nil {
		c.readLock.unlock()
		return nil, err
	}
	return func() {
		c.writeLock.unlock()
		c.readLock.unlock()
	}, nil
}

// Bind assigns the local address; nil binds the family wildcard.
func (c *StreamChannel) Bind(local net.Addr) error {
	unlock, err := c.lockBoth(context.Background())
	if err != nil {
		return err
	}
	defer unlock()
	c.stateAccess.Lock()
	defer c.stateAccess.Unlock()
	err = c.ensureOpen()
	if err != nil {
		return err
	}
	switch c.State() {
	case StatePending:
		return ErrConnectionPending
	case StateConnected:
		return ErrAlreadyConnected
	}
	if c.isBound() {
		return ErrAlreadyBound
	}
	return c.bindLocked(local)
}

// Connect starts connecting to remote. A blocking channel waits for the
// outcome; a non-blocking one returns false while the connection is
// pending and FinishConnect completes it. A failed connect closes the
// channel.
func (c *StreamChannel) Connect(ctx context.Context, remote net.Addr) (bool, error) {
	sa, err := c.family.ToSockaddr(remote)
	if err != nil {
		return false, err
	}
	unlock, err := c.lockBoth(ctx)
	if err != nil {
		return false, err
	}
	c.stateAccess.Lock()
	switch c.State() {
	case StateConnected:
		c.stateAccess.Unlock()
		unlock()
		return false, ErrAlreadyConnected
	case StatePending:
		c.stateAccess.Unlock()
		unlock()
		return false, ErrConnectionPending
	}
	c.advanceLocked(StatePending)
	c.stateAccess.Unlock()
	connected, err := c.completeConnect(ctx, sa)
	unlock()
	return connected, c.connectFailed(err)
}

func (c *StreamChannel) FinishConnect(ctx context.Context) (bool, error) {
	unlock, err := c.lockBoth(ctx)
	if err != nil {
		return false, err
	}
	switch c.State() {
	case StateConnected:
		unlock()
		return true, nil
	case StateUnconnected:
		unlock()
		return false, ErrNoConnectionPending
	}
	connected, err := c.completeConnect(ctx, nil)
	unlock()
	return connected, c.connectFailed(err)
}

// connectFailed closes the channel after a failed connect, once the
// direction locks are released. A timeout leaves the connection pending.
func (c *StreamChannel) connectFailed(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) {
		return err
	}
	return E.Errors(err, c.Close())
}

// completeConnect issues connect when sa is set and polls the outcome with
// FinishConnect after that.
func (c *StreamChannel) completeConnect(ctx context.Context, sa unix.Sockaddr) (bool, error) {
	initial := sa != nil
	err := c.perform(ctx, native.EventWrite, c.deadline(ctx, native.EventWrite), func() (bool, error) {
		var err error
		if initial {
			initial = false
			err = c.dispatcher.Connect(c.fd, sa)
		} else {
			err = c.dispatcher.FinishConnect(c.fd)
		}
		if native.IsInProgress(err) {
			return false, unix.EAGAIN
		}
		if native.IsAlreadyConnected(err) {
			return true, nil
		}
		return err == nil, err
	})
	if err == errWouldBlock {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	remote, err := c.dispatcher.RemoteAddr(c.fd)
	if err != nil {
		return false, err
	}
	c.setRemote(c.family.FromSockaddr(remote, "tcp"))
	err = c.refreshLocal()
	if err != nil {
		return false, err
	}
	c.stateAccess.Lock()
	defer c.stateAccess.Unlock()
	if c.State() == StatePending {
		c.advanceLocked(StateConnected)
	}
	if !c.IsOpen() {
		return false, ErrAsynchronousClose
	}
	return true, nil
}

func (c *StreamChannel) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext reads into p. A non-blocking channel returns 0 with a nil
// error when nothing is available; the end of input is io.EOF.
func (c *StreamChannel) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.read(ctx, func() (int, error) {
		return c.dispatcher.Read(c.fd, p)
	})
}

func (c *StreamChannel) ReadVectored(ctx context.Context, buffers [][]byte) (int, error) {
	if vectorLength(buffers) == 0 {
		return 0, nil
	}
	return c.read(ctx, func() (int, error) {
		return c.dispatcher.Readv(c.fd, buffers)
	})
}

func (c *StreamChannel) read(ctx context.Context, attempt func() (int, error)) (int, error) {
	err := c.acquire(ctx, c.readLock)
	if err != nil {
		return 0, err
	}
	defer c.readLock.unlock()
	if c.State() != StateConnected {
		return 0, ErrNotYetConnected
	}
	if c.inputShutdown.Load() {
		return 0, io.EOF
	}
	var n int
	err = c.perform(ctx, native.EventRead, c.deadline(ctx, native.EventRead), func() (bool, error) {
		var err error
		n, err = attempt()
		return n > 0, err
	})
	if err == errWouldBlock {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *StreamChannel) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext writes p. A blocking channel writes all of p unless it
// fails; a non-blocking one writes what fits, possibly nothing.
func (c *StreamChannel) WriteContext(ctx context.Context, p []byte) (int, error) {
	return c.WriteVectored(ctx, [][]byte{p})
}

func (c *StreamChannel) WriteVectored(ctx context.Context, buffers [][]byte) (int, error) {
	err := c.acquire(ctx, c.writeLock)
	if err != nil {
		return 0, err
	}
	defer c.writeLock.unlock()
	if c.State() != StateConnected {
		return 0, ErrNotYetConnected
	}
	if c.outputShutdown.Load() {
		return 0, ErrOutputShutdown
	}
	total := vectorLength(buffers)
	if total == 0 {
		return 0, nil
	}
	blocking := c.IsBlocking()
	var written int
	err = c.perform(ctx, native.EventWrite, c.deadline(ctx, native.EventWrite), func() (bool, error) {
		for written < total {
			n, err := c.dispatcher.Writev(c.fd, advanceVector(buffers, written))
			if n > 0 {
				written += n
			}
			if err != nil {
				return written > 0, err
			}
			if !blocking {
				break
			}
		}
		return true, nil
	})
	if err == errWouldBlock {
		return written, nil
	}
	if err != nil && c.outputShutdown.Load() && errors.Is(err, unix.EPIPE) {
		err = ErrOutputShutdown
	}
	return written, err
}

// ShutdownInput makes pending and later reads report the end of input.
func (c *StreamChannel) ShutdownInput() error {
	return c.shutdown(unix.SHUT_RD, &c.inputShutdown)
}

// ShutdownOutput half-closes the connection; later writes fail with
// ErrOutputShutdown.
func (c *StreamChannel) ShutdownOutput() error {
	return c.shutdown(unix.SHUT_WR, &c.outputShutdown)
}

func (c *StreamChannel) CloseRead() error {
	return c.ShutdownInput()
}

func (c *StreamChannel) CloseWrite() error {
	return c.ShutdownOutput()
}

func (c *StreamChannel) shutdown(how int, done *atomic.Bool) error {
	c.stateAccess.Lock()
	defer c.stateAccess.Unlock()
	err := c.ensureOpen()
	if err != nil {
		return err
	}
	if c.State() != StateConnected {
		return ErrNotYetConnected
	}
	if done.Load() {
		return nil
	}
	err = c.dispatcher.Shutdown(c.fd, how)
	if err != nil && !errors.Is(err, unix.ENOTCONN) {
		return err
	}
	done.Store(true)
	if c.group != nil {
		c.group.Unpark(c.fd)
	}
	return nil
}

func vectorLength(buffers [][]byte) int {
	var total int
	for _, buffer := range buffers {
		total += len(buffer)
	}
	return total
}

// advanceVector drops the first n bytes of buffers without copying.
func advanceVector(buffers [][]byte, n int) [][]byte {
	for len(buffers) > 0 && n >= len(buffers[0]) {
		n -= len(buffers[0])
		buffers = buffers[1:]
	}
	if len(buffers) == 0 || n == 0 {
		return buffers
	}
	advanced := make([][]byte, len(buffers))
	copy(advanced, buffers)
	advanced[0] = advanced[0][n:]
	return advanced
}
