// Package fake is an in-memory native.Dispatcher. It simulates sockets,
// files, byte-range locks, mappings and readiness multiplexers with the
// blocking, "would block" and "interrupted" behaviour of the real kernel, and
// counts every destructive call so tests can assert exactly-once semantics.
package fake

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-nio/common/native"

	"golang.org/x/sys/unix"
)

const (
	DefaultBufferSize = 64 * 1024
	DefaultPageSize   = 4096
	DefaultBlockSize  = 512
)

var _ native.Dispatcher = (*Dispatcher)(nil)

type handleKind uint8

const (
	kindRaw handleKind = iota
	kindStream
	kindListener
	kindDatagram
	kindFile
	kindMultiplexer
)

type handle struct {
	fd          native.Handle
	kind        handleKind
	nonblocking bool
	preclosed   bool
	closed      bool
	options     map[native.Option]int

	// raw
	ready native.Event

	// sockets
	domain         int
	local          unix.Sockaddr
	remote         unix.Sockaddr
	bound          bool
	backlog        []*handle
	peer           *handle
	connectPending bool
	connectErr     error
	input          []byte
	inputClosed    bool
	readShut       bool
	writeShut      bool
	packets        []packet

	// files
	file     *file
	position int64
	readable bool
	writable bool
	append   bool

	// multiplexers
	multiplexer *Multiplexer
	// faults
	wouldBlockEvery int
	operations      int
}

type packet struct {
	data []byte
	from unix.Sockaddr
}

type Dispatcher struct {
	access    sync.Mutex
	cond      *sync.Cond
	nextFD    native.Handle
	nextPort  int
	handles   map[native.Handle]*handle
	bound     map[string]*handle
	files     map[string]*file
	signalGen uint64

	holdConnects      bool
	transferSupported bool
	upgradeShared     bool
	restartPreClosed  bool
	failMmap          int
	bufferSize        int
	pageSize          int64
	blockSize         int

	closeCalls    map[native.Handle]int
	preCloseCalls map[native.Handle]int
	signals       map[int64]int
	nextThread    atomic.Int64
	bytesRead     atomic.Int64
	bytesWritten  atomic.Int64
	munmaps       atomic.Int64
	mappings      atomic.Int64
	transfers     atomic.Int64
	dups          atomic.Int64
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		nextFD:            3,
		nextPort:          40000,
		handles:           make(map[native.Handle]*handle),
		bound:             make(map[string]*handle),
		files:             make(map[string]*file),
		transferSupported: true,
		bufferSize:        DefaultBufferSize,
		pageSize:          DefaultPageSize,
		blockSize:         DefaultBlockSize,
		closeCalls:        make(map[native.Handle]int),
		preCloseCalls:     make(map[native.Handle]int),
		signals:           make(map[int64]int),
	}
	d.cond = sync.NewCond(&d.access)
	return d
}

// HoldConnects keeps new stream connections pending until ReleaseConnects.
func (d *Dispatcher) HoldConnects() {
	d.access.Lock()
	d.holdConnects = true
	d.access.Unlock()
}

func (d *Dispatcher) ReleaseConnects() {
	d.access.Lock()
	defer d.access.Unlock()
	d.holdConnects = false
	for _, h := range d.handles {
		h.connectPending = false
	}
	d.cond.Broadcast()
}

func (d *Dispatcher) SetTransferSupported(supported bool) {
	d.access.Lock()
	d.transferSupported = supported
	d.access.Unlock()
}

// SetUpgradeShared makes shared lock requests come back exclusive.
func (d *Dispatcher) SetUpgradeShared(upgrade bool) {
	d.access.Lock()
	d.upgradeShared = upgrade
	d.access.Unlock()
}

// SetRestartPreClosed makes a lock wait on a pre-closed handle succeed
// without locking the file, as a restarted fcntl does once the handle
// refers to the pre-close marker.
func (d *Dispatcher) SetRestartPreClosed(restart bool) {
	d.access.Lock()
	d.restartPreClosed = restart
	d.access.Unlock()
}

// FailMmap makes the next n mappings fail with ENOMEM.
func (d *Dispatcher) FailMmap(n int) {
	d.access.Lock()
	d.failMmap = n
	d.access.Unlock()
}

func (d *Dispatcher) SetBufferSize(size int) {
	d.access.Lock()
	d.bufferSize = size
	d.access.Unlock()
}

func (d *Dispatcher) SetBlockSize(size int) {
	d.access.Lock()
	d.blockSize = size
	d.access.Unlock()
}

// InjectWouldBlock makes every n-th data operation on a non-blocking fd fail
// with EAGAIN even when the handle is ready.
func (d *Dispatcher) InjectWouldBlock(fd native.Handle, every int) {
	d.access.Lock()
	defer d.access.Unlock()
	if h := d.handles[fd]; h != nil {
		h.wouldBlockEvery = every
	}
}

// NewHandle returns a bare handle whose readiness is driven by SetReady.
func (d *Dispatcher) NewHandle() native.Handle {
	d.access.Lock()
	defer d.access.Unlock()
	return d.registerLocked(&handle{kind: kindRaw}).fd
}

func (d *Dispatcher) SetReady(fd native.Handle, events native.Event) {
	d.access.Lock()
	defer d.access.Unlock()
	if h := d.handles[fd]; h != nil {
		h.ready = events
		d.cond.Broadcast()
	}
}

func (d *Dispatcher) CloseCalls(fd native.Handle) int {
	d.access.Lock()
	defer d.access.Unlock()
	return d.closeCalls[fd]
}

func (d *Dispatcher) PreCloseCalls(fd native.Handle) int {
	d.access.Lock()
	defer d.access.Unlock()
	return d.preCloseCalls[fd]
}

func (d *Dispatcher) Signals(id int64) int {
	d.access.Lock()
	defer d.access.Unlock()
	return d.signals[id]
}

func (d *Dispatcher) IsOpen(fd native.Handle) bool {
	d.access.Lock()
	defer d.access.Unlock()
	_, loaded := d.handles[fd]
	return loaded
}

func (d *Dispatcher) BytesRead() int64 {
	return d.bytesRead.Load()
}

func (d *Dispatcher) BytesWritten() int64 {
	return d.bytesWritten.Load()
}

func (d *Dispatcher) Munmaps() int64 {
	return d.munmaps.Load()
}

func (d *Dispatcher) ActiveMappings() int64 {
	return d.mappings.Load()
}

func (d *Dispatcher) KernelTransfers() int64 {
	return d.transfers.Load()
}

func (d *Dispatcher) Dups() int64 {
	return d.dups.Load()
}

func (d *Dispatcher) registerLocked(h *handle) *handle {
	h.fd = d.nextFD
	d.nextFD++
	d.handles[h.fd] = h
	return h
}

func (d *Dispatcher) lookupLocked(fd native.Handle) (*handle, error) {
	h := d.handles[fd]
	if h == nil {
		return nil, unix.EBADF
	}
	return h, nil
}

// injectLocked reports whether this operation should fail with EAGAIN.
func (d *Dispatcher) injectLocked(h *handle) bool {
	if !h.nonblocking || h.wouldBlockEvery <= 0 {
		return false
	}
	h.operations++
	return h.operations%h.wouldBlockEvery == 0
}

// blockLocked waits until ready holds, the handle is pre-closed or closed, or
// any thread is signalled, in which case EINTR is returned.
func (d *Dispatcher) blockLocked(h *handle, ready func() bool) error {
	generation := d.signalGen
	for !ready() {
		if h.preclosed || h.closed {
			return nil
		}
		if d.signalGen != generation {
			return unix.EINTR
		}
		d.cond.Wait()
	}
	return nil
}

// waitUntilLocked waits for a broadcast or the deadline; a zero deadline
// waits for the broadcast only.
func (d *Dispatcher) waitUntilLocked(deadline time.Time) {
	if deadline.IsZero() {
		d.cond.Wait()
		return
	}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return
	}
	timer := time.AfterFunc(timeout, func() {
		d.access.Lock()
		d.cond.Broadcast()
		d.access.Unlock()
	})
	d.cond.Wait()
	timer.Stop()
}

func (d *Dispatcher) Close(fd native.Handle) error {
	d.access.Lock()
	defer d.access.Unlock()
	d.closeCalls[fd]++
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	h.closed = true
	delete(d.handles, fd)
	switch h.kind {
	case kindStream:
		if h.peer != nil {
			h.peer.inputClosed = true
		}
	case kindListener, kindDatagram:
		if h.bound {
			delete(d.bound, sockaddrKey(h.local))
		}
		for _, pending := range h.backlog {
			pending.peer.connectErr = unix.ECONNRESET
			pending.peer.inputClosed = true
		}
	case kindFile:
		h.file.releaseOwnerLocked(h)
	case kindMultiplexer:
		h.multiplexer.closed = true
	}
	d.cond.Broadcast()
	return nil
}

func (d *Dispatcher) PreClose(fd native.Handle) error {
	d.access.Lock()
	defer d.access.Unlock()
	d.preCloseCalls[fd]++
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	h.preclosed = true
	if h.peer != nil {
		h.peer.inputClosed = true
	}
	d.cond.Broadcast()
	return nil
}

func (d *Dispatcher) Dup(fd native.Handle) (native.Handle, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return native.InvalidHandle, err
	}
	if h.kind != kindFile {
		return native.InvalidHandle, unix.EOPNOTSUPP
	}
	d.dups.Add(1)
	duplicate := &handle{
		kind:     kindFile,
		file:     h.file,
		readable: h.readable,
		writable: h.writable,
		append:   h.append,
	}
	return d.registerLocked(duplicate).fd, nil
}

func (d *Dispatcher) SetNonblock(fd native.Handle, nonblocking bool) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	h.nonblocking = nonblocking
	return nil
}

func (d *Dispatcher) Read(fd native.Handle, p []byte) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return 0, err
	}
	switch h.kind {
	case kindFile:
		return d.fileReadLocked(h, p)
	case kindDatagram:
		n, _, err := d.recvLocked(h, p)
		return n, err
	case kindStream:
		return d.streamReadLocked(h, p)
	}
	return 0, unix.EINVAL
}

func (d *Dispatcher) Readv(fd native.Handle, iovs [][]byte) (int, error) {
	var total int
	for _, iov := range iovs {
		total += len(iov)
	}
	buffer := make([]byte, total)
	n, err := d.Read(fd, buffer)
	remaining := buffer[:n]
	for _, iov := range iovs {
		if len(remaining) == 0 {
			break
		}
		remaining = remaining[copy(iov, remaining):]
	}
	return n, err
}

func (d *Dispatcher) Write(fd native.Handle, p []byte) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return 0, err
	}
	switch h.kind {
	case kindFile:
		return d.fileWriteLocked(h, p)
	case kindDatagram:
		return d.sendLocked(h, p, nil)
	case kindStream:
		return d.streamWriteLocked(h, p)
	}
	return 0, unix.EINVAL
}

func (d *Dispatcher) Writev(fd native.Handle, iovs [][]byte) (int, error) {
	var buffer []byte
	for _, iov := range iovs {
		buffer = append(buffer, iov...)
	}
	return d.Write(fd, buffer)
}

func (d *Dispatcher) readinessLocked(h *handle) native.Event {
	var ready native.Event
	if h.preclosed {
		return native.EventRead | native.EventWrite | native.EventHangup
	}
	switch h.kind {
	case kindRaw:
		ready = h.ready
	case kindStream:
		if len(h.input) > 0 || h.inputClosed || h.readShut {
			ready |= native.EventRead
		}
		if h.peer != nil && !h.connectPending && (len(h.peer.input) < d.bufferSize || h.writeShut) {
			ready |= native.EventWrite
		}
		if h.connectErr != nil {
			ready |= native.EventWrite | native.EventError
		}
	case kindListener:
		if len(h.backlog) > 0 {
			ready |= native.EventRead
		}
	case kindDatagram:
		if len(h.packets) > 0 {
			ready |= native.EventRead
		}
		ready |= native.EventWrite
	case kindFile:
		ready = native.EventRead | native.EventWrite
	case kindMultiplexer:
		if h.multiplexer.hasReadyLocked() {
			ready = native.EventRead
		}
	}
	return ready
}

func (d *Dispatcher) Poll(fd native.Handle, events native.Event, timeout time.Duration) (native.Event, error) {
	d.access.Lock()
	defer d.access.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	generation := d.signalGen
	for {
		h, err := d.lookupLocked(fd)
		if err != nil {
			return 0, err
		}
		ready := d.readinessLocked(h) & (events | native.EventError | native.EventHangup)
		if ready != 0 {
			return ready, nil
		}
		if timeout == 0 || (!deadline.IsZero() && !time.Now().Before(deadline)) {
			return 0, nil
		}
		if d.signalGen != generation {
			return 0, unix.EINTR
		}
		d.waitUntilLocked(deadline)
	}
}

func (d *Dispatcher) NewMultiplexer() (native.Multiplexer, error) {
	d.access.Lock()
	defer d.access.Unlock()
	m := &Multiplexer{
		d:     d,
		armed: make(map[native.Handle]native.Event),
	}
	h := d.registerLocked(&handle{kind: kindMultiplexer, multiplexer: m})
	m.fd = h.fd
	return m, nil
}

// CurrentThread hands out a fresh identity on every call; a simulated
// heavyweight thread keeps the identity it was created with.
func (d *Dispatcher) CurrentThread() int64 {
	return d.nextThread.Add(1)
}

// SignalThread interrupts every blocked simulated call with EINTR. Callers
// that were not the target retry, as after a spurious wakeup.
func (d *Dispatcher) SignalThread(id int64) error {
	d.access.Lock()
	defer d.access.Unlock()
	d.signals[id]++
	d.signalGen++
	d.cond.Broadcast()
	return nil
}

func (d *Dispatcher) SetOption(fd native.Handle, domain int, option native.Option, value int) error {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return err
	}
	if h.options == nil {
		h.options = make(map[native.Option]int)
	}
	h.options[option] = value
	return nil
}

func (d *Dispatcher) GetOption(fd native.Handle, domain int, option native.Option) (int, error) {
	d.access.Lock()
	defer d.access.Unlock()
	h, err := d.lookupLocked(fd)
	if err != nil {
		return 0, err
	}
	value, loaded := h.options[option]
	if !loaded && option == native.OptionLinger {
		return -1, nil
	}
	return value, nil
}
