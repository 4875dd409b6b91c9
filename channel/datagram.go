package channel

import (
	"context"
	"net"

	"github.com/sagernet/sing-nio/common"
	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"

	"golang.org/x/sys/unix"
)

// ReceiveFilter vets the source of every datagram received while the
// channel is not connected. Datagrams it rejects are dropped silently.
type ReceiveFilter func(source net.Addr) error

// DatagramChannel is a connectionless socket channel. Connecting it only
// fixes the peer that Read and Write use.
type DatagramChannel struct {
	*socket
	filter common.TypedValue[ReceiveFilter]
}

func NewDatagramChannel(dispatcher native.Dispatcher, group *poll.Group, family Family) (*DatagramChannel, error) {
	if family == Unix {
		return nil, E.Extend(ErrInvalidArgument, "datagram channels need an inet family")
	}
	s, err := newSocket(dispatcher, group, family, unix.SOCK_DGRAM, "udp", StateUnconnected)
	if err != nil {
		return nil, err
	}
	return &DatagramChannel{socket: s}, nil
}

func (c *DatagramChannel) SetReceiveFilter(filter ReceiveFilter) {
	c.filter.Store(filter)
}

func (c *DatagramChannel) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *DatagramChannel) lockBoth(ctx context.Context) (func(), error) {
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

func (c *DatagramChannel) Bind(local net.Addr) error {
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
	if c.isBound() {
		return ErrAlreadyBound
	}
	return c.bindLocked(local)
}

// ensureBound binds the wildcard address before the first send or receive.
func (c *DatagramChannel) ensureBound() error {
	c.stateAccess.Lock()
	defer c.stateAccess.Unlock()
	if c.isBound() {
		return nil
	}
	return c.bindLocked(nil)
}

// Connect fixes the peer; queued datagrams from other sources are dropped.
func (c *DatagramChannel) Connect(ctx context.Context, remote net.Addr) error {
	sa, err := c.family.ToSockaddr(remote)
	if err != nil {
		return err
	}
	unlock, err := c.lockBoth(ctx)
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
	if c.State() == StateConnected {
		return ErrAlreadyConnected
	}
	err = c.dispatcher.Connect(c.fd, sa)
	if err != nil {
		return E.Cause(err, "connect ", remote)
	}
	err = c.refreshLocal()
	if err != nil {
		return err
	}
	c.setRemote(c.family.FromSockaddr(sa, c.network))
	c.advanceLocked(StateConnected)
	return nil
}

// Disconnect is the one transition back to StateUnconnected.
func (c *DatagramChannel) Disconnect(ctx context.Context) error {
	unlock, err := c.lockBoth(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	c.stateAccess.Lock()
	defer c.stateAccess.Unlock()
	err = c.ensureOpen()
	if err != nil || c.State() != StateConnected {
		return err
	}
	err = c.dispatcher.Disconnect(c.fd)
	if err != nil {
		return err
	}
	c.state.Store(int32(StateUnconnected))
	c.setRemote(nil)
	return c.refreshLocal()
}

// Receive reads one datagram into p and reports its source. Bytes beyond
// len(p) are discarded. A non-blocking channel returns a nil source when
// nothing is queued.
func (c *DatagramChannel) Receive(ctx context.Context, p []byte) (int, net.Addr, error) {
	err := c.acquire(ctx, c.readLock)
	if err != nil {
		return 0, nil, err
	}
	defer c.readLock.unlock()
	err = c.ensureBound()
	if err != nil {
		return 0, nil, err
	}
	var filter ReceiveFilter
	if c.State() != StateConnected {
		filter = c.filter.Load()
	}
	var (
		n    int
		from unix.Sockaddr
	)
	err = c.perform(ctx, native.EventRead, c.deadline(ctx, native.EventRead), func() (bool, error) {
		for {
			var err error
			n, from, err = c.dispatcher.Recvfrom(c.fd, p)
			if err != nil || from == nil {
				return false, err
			}
			if filter == nil {
				return true, nil
			}
			source := c.family.FromSockaddr(from, c.network)
			filterErr := filter(source)
			if filterErr == nil {
				return true, nil
			}
			c.logger.Trace("drop datagram from ", source, ": ", filterErr)
			clear(p[:n])
		}
	})
	if err == errWouldBlock {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return n, c.family.FromSockaddr(from, c.network), nil
}

// Send writes p as one datagram to target. A connected channel only sends
// to its peer.
func (c *DatagramChannel) Send(ctx context.Context, p []byte, target net.Addr) (int, error) {
	sa, err := c.family.ToSockaddr(target)
	if err != nil {
		return 0, err
	}
	err = c.acquire(ctx, c.writeLock)
	if err != nil {
		return 0, err
	}
	defer c.writeLock.unlock()
	if c.State() == StateConnected {
		remote := c.RemoteAddr()
		if remote == nil || remote.String() != c.family.FromSockaddr(sa, c.network).String() {
			return 0, E.Extend(ErrInvalidArgument, "target ", target, " differs from connected address ", remote)
		}
	}
	err = c.ensureBound()
	if err != nil {
		return 0, err
	}
	var n int
	err = c.perform(ctx, native.EventWrite, c.deadline(ctx, native.EventWrite), func() (bool, error) {
		var err error
		n, err = c.dispatcher.Sendto(c.fd, p, sa)
		return err == nil, err
	})
	if err == errWouldBlock {
		return 0, nil
	}
	return n, err
}

func (c *DatagramChannel) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext receives one datagram from the connected peer.
func (c *DatagramChannel) ReadContext(ctx context.Context, p []byte) (int, error) {
	err := c.acquire(ctx, c.readLock)
	if err != nil {
		return 0, err
	}
	defer c.readLock.unlock()
	if c.State() != StateConnected {
		return 0, ErrNotYetConnected
	}
	var n int
	err = c.perform(ctx, native.EventRead, c.deadline(ctx, native.EventRead), func() (bool, error) {
		var (
			from unix.Sockaddr
			err  error
		)
		n, from, err = c.dispatcher.Recvfrom(c.fd, p)
		return from != nil, err
	})
	if err == errWouldBlock {
		return 0, nil
	}
	return n, err
}

func (c *DatagramChannel) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext sends p to the connected peer.
func (c *DatagramChannel) WriteContext(ctx context.Context, p []byte) (int, error) {
	err := c.acquire(ctx, c.writeLock)
	if err != nil {
		return 0, err
	}
	defer c.writeLock.unlock()
	if c.State() != StateConnected {
		return 0, ErrNotYetConnected
	}
	var n int
	err = c.perform(ctx, native.EventWrite, c.deadline(ctx, native.EventWrite), func() (bool, error) {
		var err error
		n, err = c.dispatcher.Write(c.fd, p)
		return err == nil, err
	})
	if err == errWouldBlock {
		return 0, nil
	}
	return n, err
}
