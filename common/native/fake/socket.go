package fake

import (
	"net/netip"
	"strconv"

	"github.com/sagernet/sing-nio/common/native"

	"golang.org/x/sys/unix"
)

func sockaddrKey(address unix.Sockaddr) string {
	switch typed := address.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(typed.Addr), uint16(typed.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(typed.Addr), uint16(typed.Port)).String()
	case *unix.SockaddrUnix:
		return "unix:" + typed.Name
	}
	return ""
}

func wildcardKey(address unix.Sockaddr) string {
	switch typed := address.(type) {
	case *unix.SockaddrInet4:
		return "0.0.0.0:" + strconv.Itoa(typed.Port)
	case *unix.SockaddrInet6:
		return "[::]:" + strconv.Itoa(typed.Port)
	}
	return ""
}

func (d *Dispatcher) lookupBoundLocked(address unix.Sockaddr) *handle {
	if h := d.bound[sockaddrKey(address)]; h != nil {
		return h
	}
	if key := wildcardKey(address); key != "" {
		return d.bound[key]
	}
	return nil
}

// assignLocked copies address, replacing a zero port with an ephemeral one.
func (d *Dispatcher) assignLocked(address unix.Sockaddr) (unix.Sockaddr, error) {
	switch typed := address.(type) {
	case *unix.SockaddrInet4:
		assigned := *typed
		if assigned.Port == 0 {
			assigned.Port = d.nextPort
			d.nextPort++
		}
		return &assigned, nil
	case *unix.SockaddrInet6:
		assigned := *typed
		if assigned.Port == 0 {
			assigned.Port = d.nextPort
			d.nextPort++
		}
		return &assigned, nil
	case *unix.SockaddrUnix:
		if typed.Name == "" {
			return nil, unix.EINVAL
		}
		assigned := *typed
		return &assigned, nil
	}
	return nil, unix.EAFNOSUPPORT
}

func (d *Dispatcher) bindLocked(h *handle, address unix.Sockaddr) error {
	if h.bound {
		return unix.EINVAL
	}
	assigned, err := d.assignLocked(address)
	if err != nil {
		return err
	}
	key := sockaddrKey(assigned)
	if d.bound[key] != nil {
		return unix.EADDRINUSE
	}
	h.local = assigned
	h.bound = true
	d.bound[key] = h
	return nil
}

func (d *Dispatcher) autoBindLocked(h *handle) error {
	if h.bound {
		return nil
	}
	switch h.domain {
	case unix.AF_INET:
		return d.bindLocked(h, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}})
	case unix.AF_INET6:
		return d.bindLocked(h, &unix.SockaddrInet6{Addr: netip.IPv6Loopback().As16()})
	}
	h.local = &unix.SockaddrUnix{}
	return nil
}

func emptySockaddr(domain int) unix.Sockaddr {
	switch domain {
	case unix.AF_INET:
		return &unix.SockaddrInet4{}
	case unix.AF_INET6:
		return &unix.SockaddrInet6{}
	}
	return &unix.SockaddrUnix{}
}

func (d *Dispatcher) Socket(domain int, sotype int) (native.Handle, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h := &handle{domain: domain}
	switch sotype &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC) {
	case unix.SOCK_STREAM:
		h.kind = kindStream
	case unix.SOCK_DGRAM:
		h.kind = kindDatagram
	default:
		return native.InvalidHandle, unix.EPROTONOSUPPORT
	}
	h.nonblocking = sotype&unix.SOCK_NONBLOCK != 0
	return d.registerLocked(h).fd, nil
}

func (d *Dispatcher) Bind(fd native.Handle, address unix.Sockaddr) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	return d.bindLocked(h, address)
}

func (d *Dispatcher) Listen(fd native.Handle, backlog int) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	if h.kind != kindStream && h.kind != kindListener || h.peer != nil {
		return unix.EINVAL
	}
	err = d.autoBindLocked(h)
	if err != nil {
		return err
	}
	h.kind = kindListener
	return nil
}

func (d *Dispatcher) Connect(fd native.Handle, address unix.Sockaddr) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	if h.kind == kindDatagram {
		err = d.autoBindLocked(h)
		if err != nil {
			return err
		}
		remote, err := d.assignLocked(address)
		if err != nil {
			return err
		}
		h.remote = remote
		key := sockaddrKey(remote)
		var kept []packet
		for _, queued := range h.packets {
			if sockaddrKey(queued.from) == key {
				kept = append(kept, queued)
			}
		}
		h.packets = kept
		return nil
	}
	if h.kind != kindStream {
		return unix.EINVAL
	}
	if h.peer != nil {
		if h.connectPending {
			return unix.EALREADY
		}
		return unix.EISCONN
	}
	target := d.lookupBoundLocked(address)
	if target == nil || target.kind != kindListener {
		return unix.ECONNREFUSED
	}
	err = d.autoBindLocked(h)
	if err != nil {
		return err
	}
	server := &handle{
		kind:   kindStream,
		domain: target.domain,
		local:  target.local,
		remote: h.local,
		peer:   h,
	}
	h.peer = server
	h.remote = target.local
	target.backlog = append(target.backlog, server)
	d.cond.Broadcast()
	if !d.holdConnects {
		return nil
	}
	h.connectPending = true
	if h.nonblocking {
		return unix.EINPROGRESS
	}
	err = d.blockLocked(h, func() bool { return !h.connectPending })
	if err != nil {
		return err
	}
	if h.preclosed || h.closed {
		return unix.ECONNABORTED
	}
	return nil
}

func (d *Dispatcher) Disconnect(fd native.Handle) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	h.remote = nil
	return nil
}

func (d *Dispatcher) FinishConnect(fd native.Handle) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	if h.connectErr != nil {
		err = h.connectErr
		h.connectErr = nil
		return err
	}
	if h.connectPending {
		return unix.EINPROGRESS
	}
	if h.peer == nil {
		return unix.ENOTCONN
	}
	return nil
}

func (d *Dispatcher) Accept(fd native.Handle) (native.Handle, unix.Sockaddr, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return native.InvalidHandle, nil, err
	}
	if h.kind != kindListener {
		return native.InvalidHandle, nil, unix.EINVAL
	}
	if d.injectLocked(h) {
		return native.InvalidHandle, nil, unix.EAGAIN
	}
	if h.preclosed {
		return native.InvalidHandle, nil, unix.EINVAL
	}
	if len(h.backlog) == 0 {
		if h.nonblocking {
			return native.InvalidHandle, nil, unix.EAGAIN
		}
		err = d.blockLocked(h, func() bool { return len(h.backlog) > 0 })
		if err != nil {
			return native.InvalidHandle, nil, err
		}
		if h.preclosed || h.closed {
			return native.InvalidHandle, nil, unix.EINVAL
		}
	}
	server := h.backlog[0]
	h.backlog = h.backlog[1:]
	d.registerLocked(server)
	return server.fd, server.remote, nil
}

func (d *Dispatcher) LocalAddr(fd native.Handle) (unix.Sockaddr, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return nil, err
	}
	if h.local == nil {
		return emptySockaddr(h.domain), nil
	}
	return h.local, nil
}

func (d *Dispatcher) RemoteAddr(fd native.Handle) (unix.Sockaddr, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return nil, err
	}
	if h.remote == nil {
		return nil, unix.ENOTCONN
	}
	return h.remote, nil
}

func (d *Dispatcher) Shutdown(fd native.Handle, how int) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	if h.peer == nil {
		return unix.ENOTCONN
	}
	if how == unix.SHUT_RD || how == unix.SHUT_RDWR {
		h.readShut = true
	}
	if how == unix.SHUT_WR || how == unix.SHUT_RDWR {
		h.writeShut = true
		h.peer.inputClosed = true
	}
	d.cond.Broadcast()
	return nil
}

func (d *Dispatcher) Recvfrom(fd native.Handle, p []byte) (int, unix.Sockaddr, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return 0, nil, err
	}
	if h.kind != kindDatagram {
		n, err := d.streamReadLocked(h, p)
		return n, h.remote, err
	}
	return d.recvLocked(h, p)
}

func (d *Dispatcher) Sendto(fd native.Handle, p []byte, to unix.Sockaddr) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return 0, err
	}
	if h.kind != kindDatagram {
		return d.streamWriteLocked(h, p)
	}
	return d.sendLocked(h, p, to)
}

func (d *Dispatcher) streamReadLocked(h *handle, p []byte) (int, error) {
	if h.preclosed {
		return 0, nil
	}
	if h.peer == nil {
		return 0, unix.ENOTCONN
	}
	if d.injectLocked(h) {
		return 0, unix.EAGAIN
	}
	ready := func() bool {
		return len(h.input) > 0 || h.inputClosed || h.readShut
	}
	if !ready() {
		if h.nonblocking {
			return 0, unix.EAGAIN
		}
		err := d.blockLocked(h, ready)
		if err != nil {
			return 0, err
		}
		if h.closed {
			return 0, unix.EBADF
		}
		if h.preclosed {
			return 0, nil
		}
	}
	if h.readShut || len(h.input) == 0 {
		return 0, nil
	}
	n := copy(p, h.input)
	h.input = h.input[n:]
	d.bytesRead.Add(int64(n))
	d.cond.Broadcast()
	return n, nil
}

func (d *Dispatcher) streamWriteLocked(h *handle, p []byte) (int, error) {
	if h.preclosed || h.writeShut {
		return 0, unix.EPIPE
	}
	if h.peer == nil {
		return 0, unix.ENOTCONN
	}
	if d.injectLocked(h) {
		return 0, unix.EAGAIN
	}
	peer := h.peer
	ready := func() bool {
		return len(peer.input) < d.bufferSize || peer.closed || peer.readShut
	}
	if !ready() {
		if h.nonblocking {
			return 0, unix.EAGAIN
		}
		err := d.blockLocked(h, ready)
		if err != nil {
			return 0, err
		}
		if h.closed {
			return 0, unix.EBADF
		}
	}
	if h.preclosed || peer.closed || peer.readShut {
		return 0, unix.EPIPE
	}
	n := d.bufferSize - len(peer.input)
	if n > len(p) {
		n = len(p)
	}
	peer.input = append(peer.input, p[:n]...)
	d.bytesWritten.Add(int64(n))
	d.cond.Broadcast()
	return n, nil
}

func (d *Dispatcher) recvLocked(h *handle, p []byte) (int, unix.Sockaddr, error) {
	if h.preclosed {
		return 0, nil, nil
	}
	if d.injectLocked(h) {
		return 0, nil, unix.EAGAIN
	}
	if len(h.packets) == 0 {
		if h.nonblocking {
			return 0, nil, unix.EAGAIN
		}
		err := d.blockLocked(h, func() bool { return len(h.packets) > 0 })
		if err != nil {
			return 0, nil, err
		}
		if h.closed {
			return 0, nil, unix.EBADF
		}
		if h.preclosed {
			return 0, nil, nil
		}
	}
	received := h.packets[0]
	h.packets = h.packets[1:]
	n := copy(p, received.data)
	d.bytesRead.Add(int64(n))
	return n, received.from, nil
}

func (d *Dispatcher) sendLocked(h *handle, p []byte, to unix.Sockaddr) (int, error) {
	if h.preclosed {
		return 0, unix.EPIPE
	}
	if to == nil {
		if h.remote == nil {
			return 0, unix.EDESTADDRREQ
		}
		to = h.remote
	}
	if d.injectLocked(h) {
		return 0, unix.EAGAIN
	}
	err := d.autoBindLocked(h)
	if err != nil {
		return 0, err
	}
	target := d.lookupBoundLocked(to)
	if target != nil && target.kind == kindDatagram && (target.remote == nil || sockaddrKey(target.remote) == sockaddrKey(h.local)) {
		target.packets = append(target.packets, packet{
			data: append([]byte(nil), p...),
			from: h.local,
		})
	}
	d.bytesWritten.Add(int64(len(p)))
	d.cond.Broadcast()
	return len(p), nil
}
