package channel

import (
	"net"
	"sync"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"

	"golang.org/x/sys/unix"
)

// socket is the part shared by stream, listener and datagram channels.
type socket struct {
	*engine
	family  Family
	sotype  int
	network string

	addrAccess sync.Mutex
	local      net.Addr
	remote     net.Addr
}

func newSocket(dispatcher native.Dispatcher, group *poll.Group, family Family, sotype int, network string, state State) (*socket, error) {
	fd, err := dispatcher.Socket(family.Domain(), sotype|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, E.Cause(err, "create ", family.Name(), " socket")
	}
	return wrapSocket(dispatcher, group, family, sotype, network, fd, state), nil
}

func wrapSocket(dispatcher native.Dispatcher, group *poll.Group, family Family, sotype int, network string, fd native.Handle, state State) *socket {
	e := newEngine(dispatcher, group, fd, state)
	e.pollable = true
	e.pinBlocking = group == nil
	return &socket{
		engine:  e,
		family:  family,
		sotype:  sotype,
		network: network,
	}
}

func (s *socket) Family() Family {
	return s.family
}

// LocalAddr returns nil until the channel is bound.
func (s *socket) LocalAddr() net.Addr {
	s.addrAccess.Lock()
	defer s.addrAccess.Unlock()
	return s.local
}

func (s *socket) isBound() bool {
	return s.LocalAddr() != nil
}

func (s *socket) setRemote(remote net.Addr) {
	s.addrAccess.Lock()
	defer s.addrAccess.Unlock()
	s.remote = remote
}

func (s *socket) RemoteAddr() net.Addr {
	s.addrAccess.Lock()
	defer s.addrAccess.Unlock()
	return s.remote
}

// refreshLocal reads the bound address back from the dispatcher, which has
// filled in ephemeral ports.
func (s *socket) refreshLocal() error {
	sa, err := s.dispatcher.LocalAddr(s.fd)
	if err != nil {
		return err
	}
	s.addrAccess.Lock()
	s.local = s.family.FromSockaddr(sa, s.network)
	s.addrAccess.Unlock()
	return nil
}

func (s *socket) bindLocked(local net.Addr) error {
	if local == nil {
		local = s.family.Wildcard(s.network)
	}
	sa, err := s.family.ToSockaddr(local)
	if err != nil {
		return err
	}
	err = s.dispatcher.Bind(s.fd, sa)
	if err != nil {
		return E.Cause(err, "bind ", local)
	}
	return s.refreshLocal()
}

func (s *socket) SetOption(option native.Option, value int) error {
	if !s.family.SupportsOption(option, s.sotype) {
		return E.Extend(ErrInvalidOption, option, " not supported by ", s.family.Name(), " ", s.network)
	}
	value, err := normalizeOption(option, value)
	if err != nil {
		return err
	}
	s.stateAccess.Lock()
	defer s.stateAccess.Unlock()
	err = s.ensureOpen()
	if err != nil {
		return err
	}
	return s.dispatcher.SetOption(s.fd, s.family.Domain(), option, value)
}

func (s *socket) GetOption(option native.Option) (int, error) {
	if !s.family.SupportsOption(option, s.sotype) {
		return 0, E.Extend(ErrInvalidOption, option, " not supported by ", s.family.Name(), " ", s.network)
	}
	s.stateAccess.Lock()
	defer s.stateAccess.Unlock()
	err := s.ensureOpen()
	if err != nil {
		return 0, err
	}
	return s.dispatcher.GetOption(s.fd, s.family.Domain(), option)
}
