// Package poll parks callers until a handle is ready and routes every
// parked handle to one poller of a fixed group.
package poll

import (
	"context"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"

	"github.com/sirupsen/logrus"
)

const eventBatch = 64

var ErrAlreadyParked = E.New("handle already parked on this poller")

type waiter struct {
	fd    native.Handle
	ready chan struct{}
	fired atomic.Bool
}

// unpark reports whether this call woke the waiter.
func (w *waiter) unpark() bool {
	if !w.fired.CompareAndSwap(false, true) {
		return false
	}
	close(w.ready)
	return true
}

// Poller owns one multiplexer and the table of callers parked on it.
type Poller struct {
	dispatcher  native.Dispatcher
	multiplexer native.Multiplexer
	events      native.Event
	owner       string
	logger      *logrus.Entry

	access  sync.Mutex
	waiters map[native.Handle]*waiter
	unparks atomic.Int64
	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func NewPoller(dispatcher native.Dispatcher, events native.Event, owner string) (*Poller, error) {
	multiplexer, err := dispatcher.NewMultiplexer()
	if err != nil {
		return nil, E.Cause(err, "create multiplexer for ", owner)
	}
	return &Poller{
		dispatcher:  dispatcher,
		multiplexer: multiplexer,
		events:      events,
		owner:       owner,
		logger:      log.NewLogger("poll"),
		waiters:     make(map[native.Handle]*waiter),
		done:        make(chan struct{}),
	}, nil
}

func (p *Poller) Owner() string {
	return p.owner
}

func (p *Poller) Events() native.Event {
	return p.events
}

func (p *Poller) Registrations() int {
	p.access.Lock()
	defer p.access.Unlock()
	return len(p.waiters)
}

// Unparks counts the callers this poller has woken.
func (p *Poller) Unparks() int64 {
	return p.unparks.Load()
}

func (p *Poller) isOpen() bool {
	return !p.closed.Load()
}

func (p *Poller) startPoll(fd native.Handle) error {
	return p.multiplexer.Add(fd, p.events)
}

// stopPoll drops the registration of fd and reports whether the poll loop
// had already taken it, in which case the wake was genuine.
func (p *Poller) stopPoll(fd native.Handle) bool {
	p.access.Lock()
	_, loaded := p.waiters[fd]
	delete(p.waiters, fd)
	p.access.Unlock()
	if !loaded {
		return true
	}
	err := p.multiplexer.Remove(fd)
	if err != nil && !native.IsBadHandle(err) {
		p.logger.Debug("remove ", fd, " from ", p.owner, ": ", err)
	}
	return false
}

// polled wakes the caller parked on fd, if any.
func (p *Poller) polled(fd native.Handle) bool {
	p.access.Lock()
	w := p.waiters[fd]
	delete(p.waiters, fd)
	p.access.Unlock()
	if w == nil || !w.unpark() {
		return false
	}
	p.unparks.Add(1)
	return true
}

func (p *Poller) poll(timeout time.Duration) (int, error) {
	var events [eventBatch]native.ReadyEvent
	n, err := p.multiplexer.Wait(events[:], timeout)
	if err != nil {
		return 0, err
	}
	for _, event := range events[:n] {
		p.polled(event.Handle)
	}
	return n, nil
}

// Park blocks until fd is ready, ctx is done, the deadline passes or the
// handle is woken by Wakeup. isOpen is checked after registering so a close
// racing with the registration cannot be missed. Park returns whether the
// poller reported fd ready.
func (p *Poller) Park(ctx context.Context, fd native.Handle, deadline time.Time, isOpen func() bool) (bool, error) {
	w := &waiter{fd: fd, ready: make(chan struct{})}
	p.access.Lock()
	if p.closed.Load() {
		p.access.Unlock()
		return false, net.ErrClosed
	}
	if _, loaded := p.waiters[fd]; loaded {
		p.access.Unlock()
		return false, ErrAlreadyParked
	}
	p.waiters[fd] = w
	p.access.Unlock()
	err := p.startPoll(fd)
	if err != nil {
		p.stopPoll(fd)
		if native.IsBadHandle(err) {
			// pre-closed while parking
			return false, nil
		}
		return false, E.Cause(err, "register ", fd, " with ", p.owner)
	}
	if isOpen == nil || isOpen() {
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-w.ready:
		case <-ctx.Done():
		case <-timeout:
		}
	}
	return p.stopPoll(fd), nil
}

// Wakeup unparks the caller waiting on fd, used when the handle is closed.
func (p *Poller) Wakeup(fd native.Handle) bool {
	return p.polled(fd)
}

func (p *Poller) startBlocking() {
	p.started.Store(true)
	go p.runBlocking()
}

func (p *Poller) startLightweight(ctx context.Context, master *Poller) {
	p.started.Store(true)
	go p.runLightweight(ctx, master)
}

// runBlocking is the loop of a poller that owns an OS thread.
func (p *Poller) runBlocking() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)
	p.logger.Debug(p.owner, " started")
	for p.isOpen() {
		_, err := p.poll(-1)
		if err != nil && !native.IsInterrupted(err) {
			if !p.isOpen() {
				break
			}
			p.logger.Error(p.owner, ": ", err)
		}
	}
	p.logger.Debug(p.owner, " stopped")
}

// runLightweight polls without blocking and, when nothing is ready, parks
// the poller's own multiplexer handle on master.
func (p *Poller) runLightweight(ctx context.Context, master *Poller) {
	defer close(p.done)
	p.logger.Debug(p.owner, " started on ", master.owner)
	for p.isOpen() {
		n, err := p.poll(0)
		if err != nil && !native.IsInterrupted(err) {
			if !p.isOpen() {
				break
			}
			p.logger.Error(p.owner, ": ", err)
		}
		if n > 0 {
			continue
		}
		_, err = master.Park(ctx, p.multiplexer.Handle(), time.Time{}, p.isOpen)
		if err != nil {
			if !p.isOpen() || !master.isOpen() {
				break
			}
			p.logger.Error(p.owner, ": park on ", master.owner, ": ", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	p.logger.Debug(p.owner, " stopped")
}

// Close stops the loop, wakes every parked caller and releases the
// multiplexer.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.started.Load() {
		err := p.multiplexer.Wakeup()
		if err != nil {
			p.logger.Debug("wake ", p.owner, ": ", err)
		}
		<-p.done
	}
	p.access.Lock()
	waiters := p.waiters
	p.waiters = make(map[native.Handle]*waiter)
	p.access.Unlock()
	for _, w := range waiters {
		if w.unpark() {
			p.unparks.Add(1)
		}
	}
	return p.multiplexer.Close()
}
