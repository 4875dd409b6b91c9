// Package channel implements stream, listener, datagram and file channels
// over a native.Dispatcher. Blocking operations may be called from pinned OS
// threads, which block in the kernel, or from ordinary goroutines, which park
// on a poll.Group; closing a channel forces every such caller out.
package channel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-nio/common"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/poll"
	"github.com/sagernet/sing-nio/common/thread"

	"github.com/sirupsen/logrus"
)

// engine is the state machine shared by every channel kind. It owns the
// handle and decides when it is finally closed.
type engine struct {
	dispatcher native.Dispatcher
	group      *poll.Group
	fd         native.Handle
	logger     *logrus.Entry
	// pollable handles can be switched to non-blocking and waited on
	pollable bool
	// blocking syscalls that cannot be parked pin lightweight callers
	pinBlocking bool
	onClose     func()

	stateAccess       sync.Mutex
	state             atomic.Int32
	closing           chan struct{}
	blocking          bool
	nonblockingHandle bool
	reactors          map[*poll.Reactor]struct{}

	readLock  directionLock
	writeLock directionLock
	threads   *thread.Registry

	readDeadline  common.TypedValue[time.Time]
	writeDeadline common.TypedValue[time.Time]
}

func newEngine(dispatcher native.Dispatcher, group *poll.Group, fd native.Handle, state State) *engine {
	e := &engine{
		dispatcher: dispatcher,
		group:      group,
		fd:         fd,
		logger:     log.NewLogger("channel"),
		closing:    make(chan struct{}),
		blocking:   true,
		reactors:   make(map[*poll.Reactor]struct{}),
		readLock:   newDirectionLock(),
		writeLock:  newDirectionLock(),
		threads:    thread.NewRegistry(dispatcher),
	}
	e.state.Store(int32(state))
	return e
}

func (e *engine) Handle() native.Handle {
	return e.fd
}

func (e *engine) State() State {
	return State(e.state.Load())
}

func (e *engine) IsOpen() bool {
	return e.State() < StateClosing
}

func (e *engine) ensureOpen() error {
	if !e.IsOpen() {
		return ErrClosed
	}
	return nil
}

// advanceLocked moves the state forward; it must hold stateAccess.
func (e *engine) advanceLocked(to State) bool {
	if to <= e.State() {
		return false
	}
	e.state.Store(int32(to))
	return true
}

func (e *engine) IsBlocking() bool {
	e.stateAccess.Lock()
	defer e.stateAccess.Unlock()
	return e.blocking
}

// SetBlocking waits for the operations in flight in both directions.
func (e *engine) SetBlocking(blocking bool) error {
	err := e.acquire(context.Background(), e.readLock)
	if err != nil {
		return err
	}
	defer e.readLock.unlock()
	err = e.acquire(context.Background(), e.writeLock)
	if err != nil {
		return err
	}
	defer e.writeLock.unlock()
	e.stateAccess.Lock()
	defer e.stateAccess.Unlock()
	err = e.ensureOpen()
	if err != nil {
		return err
	}
	if blocking == e.blocking {
		return nil
	}
	if blocking && len(e.reactors) > 0 {
		return ErrIllegalBlockingMode
	}
	if !blocking && !e.nonblockingHandle {
		err = e.dispatcher.SetNonblock(e.fd, true)
		if err != nil {
			return err
		}
		e.nonblockingHandle = true
	}
	e.blocking = blocking
	return nil
}

// forceNonblocking switches the handle of a blocking channel to
// non-blocking for good; pinned callers then wait with Poll.
func (e *engine) forceNonblocking() error {
	e.stateAccess.Lock()
	defer e.stateAccess.Unlock()
	if e.nonblockingHandle {
		return nil
	}
	err := e.dispatcher.SetNonblock(e.fd, true)
	if err != nil {
		return err
	}
	e.nonblockingHandle = true
	return nil
}

func (e *engine) SetDeadline(t time.Time) error {
	e.readDeadline.Store(t)
	e.writeDeadline.Store(t)
	return nil
}

func (e *engine) SetReadDeadline(t time.Time) error {
	e.readDeadline.Store(t)
	return nil
}

func (e *engine) SetWriteDeadline(t time.Time) error {
	e.writeDeadline.Store(t)
	return nil
}

func (e *engine) deadline(ctx context.Context, event native.Event) time.Time {
	deadline := e.readDeadline.Load()
	if event == native.EventWrite {
		deadline = e.writeDeadline.Load()
	}
	if ctxDeadline, loaded := ctx.Deadline(); loaded && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}

// acquire takes a direction lock. A canceled ctx closes the channel; a close
// that happens while waiting is ErrAsynchronousClose.
func (e *engine) acquire(ctx context.Context, lock directionLock) error {
	err := e.ensureOpen()
	if err != nil {
		return err
	}
	err = lock.lock(ctx, e.closing)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// the caller may hold the other direction lock
			go e.closeByInterrupt()
			return ErrClosedByInterrupt
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	if !e.IsOpen() {
		lock.unlock()
		return ErrAsynchronousClose
	}
	return nil
}

type operation struct {
	ctx        context.Context
	index      int
	registered bool
	pinned     bool
	stop       func() bool
}

// begin registers the caller so that a concurrent close can find it, and
// closes the channel if ctx is canceled before the operation ends.
func (e *engine) begin(ctx context.Context, blocking bool) (*operation, error) {
	op := &operation{ctx: ctx}
	if blocking {
		t := thread.FromContext(ctx)
		if t.Kind == thread.Lightweight && e.pinBlocking {
			runtime.LockOSThread()
			op.pinned = true
			t = &thread.Thread{
				Kind:    thread.Heavyweight,
				ID:      e.dispatcher.CurrentThread(),
				Carrier: t.Carrier,
			}
		}
		index, err := e.threads.Add(t)
		if err != nil {
			op.unpin()
			return nil, err
		}
		op.index = index
		op.registered = true
	}
	op.stop = common.ContextAfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			e.closeByInterrupt()
		}
	})
	return op, nil
}

func (op *operation) unpin() {
	if op.pinned {
		op.pinned = false
		runtime.UnlockOSThread()
	}
}

// end deregisters the caller and normalizes err: anything that did not
// complete while the channel was closing becomes ErrAsynchronousClose.
// Attempts whose result is void once the handle is pre-closed report
// themselves incomplete when the channel is no longer open.
func (e *engine) end(op *operation, completed bool, err error) error {
	if op.registered {
		e.threads.Remove(op.index)
	}
	op.unpin()
	if !op.stop() && errors.Is(op.ctx.Err(), context.Canceled) {
		return ErrClosedByInterrupt
	}
	if !completed && !e.IsOpen() {
		return ErrAsynchronousClose
	}
	return err
}

func (e *engine) closeByInterrupt() {
	err := e.Close()
	if err != nil {
		e.logger.Debug("close ", e.fd, " on interrupt: ", err)
	}
}

// perform drives attempt until it completes, fails or would block on a
// non-blocking channel. attempt reports whether it made progress; "would
// block" parks lightweight callers and polls for pinned ones.
func (e *engine) perform(ctx context.Context, event native.Event, deadline time.Time, attempt func() (bool, error)) error {
	blocking := e.IsBlocking()
	t := thread.FromContext(ctx)
	if blocking && e.pollable && (!deadline.IsZero() || t.Kind == thread.Lightweight && e.group != nil) {
		err := e.forceNonblocking()
		if err != nil {
			return err
		}
	}
	op, err := e.begin(ctx, blocking)
	if err != nil {
		return err
	}
	completed, err := e.retry(ctx, t, blocking, event, deadline, attempt)
	return e.end(op, completed, err)
}

func (e *engine) retry(ctx context.Context, t *thread.Thread, blocking bool, event native.Event, deadline time.Time, attempt func() (bool, error)) (bool, error) {
	for {
		if !e.IsOpen() {
			return false, nil
		}
		completed, err := attempt()
		switch {
		case err == nil:
			return completed, nil
		case native.IsInterrupted(err):
			continue
		case !native.IsUnavailable(err):
			return completed, err
		case !blocking:
			return false, errWouldBlock
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, ErrTimeout
		}
		err = e.await(ctx, t, event, deadline)
		if err != nil {
			return false, err
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return false, ctx.Err()
		}
	}
}

func (e *engine) await(ctx context.Context, t *thread.Thread, event native.Event, deadline time.Time) error {
	if t.Kind == thread.Lightweight && e.group != nil {
		return e.group.Park(ctx, e.fd, event, deadline, e.IsOpen)
	}
	timeout := time.Duration(-1)
	if !deadline.IsZero() {
		timeout = max(time.Until(deadline), 0)
	}
	_, err := e.dispatcher.Poll(e.fd, event, timeout)
	if err != nil && !native.IsInterrupted(err) && !native.IsBadHandle(err) {
		return err
	}
	return nil
}

// Close begins closing once: pinned callers are pre-closed and signalled,
// parked callers are unparked, and the handle is destroyed when none is
// left and no reactor holds the channel.
func (e *engine) Close() error {
	e.stateAccess.Lock()
	if !e.advanceLocked(StateClosing) {
		e.stateAccess.Unlock()
		return nil
	}
	close(e.closing)
	e.stateAccess.Unlock()

	if e.threads.Heavyweight() {
		err := e.dispatcher.PreClose(e.fd)
		if err != nil {
			e.logger.Debug("pre-close ", e.fd, ": ", err)
		}
	}
	if e.group != nil {
		e.group.Unpark(e.fd)
	}
	err := e.threads.SignalAndWait(context.Background())
	if err != nil {
		return err
	}
	e.readLock.lockUninterruptibly()
	e.readLock.unlock()
	e.writeLock.lockUninterruptibly()
	e.writeLock.unlock()
	if e.onClose != nil {
		e.onClose()
	}

	e.stateAccess.Lock()
	e.advanceLocked(StateKillPending)
	reactors := make([]*poll.Reactor, 0, len(e.reactors))
	for reactor := range e.reactors {
		reactors = append(reactors, reactor)
	}
	e.stateAccess.Unlock()
	if len(reactors) == 0 {
		return e.kill()
	}
	for _, reactor := range reactors {
		reactor.Cancel(e.fd, func() {
			err := e.deregistered(reactor)
			if err != nil {
				e.logger.Debug("close ", e.fd, ": ", err)
			}
		})
	}
	return nil
}

func (e *engine) kill() error {
	e.stateAccess.Lock()
	if !e.advanceLocked(StateKilled) {
		e.stateAccess.Unlock()
		return nil
	}
	e.stateAccess.Unlock()
	return e.dispatcher.Close(e.fd)
}

// Register hands the channel to reactor. The channel must be non-blocking
// and its handle outlives a close until every reactor lets go of it.
func (e *engine) Register(reactor *poll.Reactor, interest native.Event, handler poll.Handler) error {
	e.stateAccess.Lock()
	defer e.stateAccess.Unlock()
	err := e.ensureOpen()
	if err != nil {
		return err
	}
	if e.blocking {
		return ErrIllegalBlockingMode
	}
	if _, loaded := e.reactors[reactor]; loaded {
		return poll.ErrAlreadyRegistered
	}
	err = reactor.Register(e.fd, interest, handler)
	if err != nil {
		return err
	}
	e.reactors[reactor] = struct{}{}
	return nil
}

func (e *engine) Deregister(reactor *poll.Reactor) error {
	e.stateAccess.Lock()
	_, loaded := e.reactors[reactor]
	e.stateAccess.Unlock()
	if !loaded {
		return nil
	}
	reactor.Deregister(e.fd)
	return e.deregistered(reactor)
}

func (e *engine) IsRegistered() bool {
	e.stateAccess.Lock()
	defer e.stateAccess.Unlock()
	return len(e.reactors) > 0
}

func (e *engine) deregistered(reactor *poll.Reactor) error {
	e.stateAccess.Lock()
	delete(e.reactors, reactor)
	kill := e.State() == StateKillPending && len(e.reactors) == 0
	e.stateAccess.Unlock()
	if !kill {
		return nil
	}
	e.logger.Debug("deferred kill of ", e.fd)
	return e.kill()
}
