package poll

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyRegistered = E.New("handle already registered with reactor")

// Handler is called on the reactor's dispatch goroutine each time a
// registered handle becomes ready.
type Handler interface {
	HandleEvent(fd native.Handle, events native.Event)
}

type HandlerFunc func(fd native.Handle, events native.Event)

func (f HandlerFunc) HandleEvent(fd native.Handle, events native.Event) {
	f(fd, events)
}

type reactorEntry struct {
	fd             native.Handle
	interest       native.Event
	handler        Handler
	registrationID uint64
}

type reactorItem struct {
	entry  *reactorEntry
	events native.Event
	// set for deferred cancellations
	cancelled func()
}

// Reactor keeps handles registered until they are deregistered and
// dispatches their readiness to handlers in order.
type Reactor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	multiplexer native.Multiplexer
	logger      *logrus.Entry

	access              sync.Mutex
	entries             map[native.Handle]*reactorEntry
	registrationCounter uint64
	backlog             *queue.Queue
	signal              chan struct{}
	running             bool
	closed              atomic.Bool
	wg                  sync.WaitGroup
}

func NewReactor(ctx context.Context, dispatcher native.Dispatcher) (*Reactor, error) {
	multiplexer, err := dispatcher.NewMultiplexer()
	if err != nil {
		return nil, E.Cause(err, "create reactor multiplexer")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Reactor{
		ctx:         ctx,
		cancel:      cancel,
		multiplexer: multiplexer,
		logger:      log.NewLogger("reactor"),
		entries:     make(map[native.Handle]*reactorEntry),
		backlog:     queue.New(),
		signal:      make(chan struct{}, 1),
	}, nil
}

func (r *Reactor) Register(fd native.Handle, interest native.Event, handler Handler) error {
	r.access.Lock()
	defer r.access.Unlock()
	if r.closed.Load() {
		return net.ErrClosed
	}
	if _, loaded := r.entries[fd]; loaded {
		return ErrAlreadyRegistered
	}
	r.registrationCounter++
	entry := &reactorEntry{
		fd:             fd,
		interest:       interest,
		handler:        handler,
		registrationID: r.registrationCounter,
	}
	err := r.multiplexer.Add(fd, interest)
	if err != nil {
		return err
	}
	r.entries[fd] = entry
	if !r.running {
		r.running = true
		r.wg.Add(2)
		go r.run()
		go r.dispatch()
	}
	return nil
}

// Deregister removes fd at once and reports whether it was registered.
func (r *Reactor) Deregister(fd native.Handle) bool {
	r.access.Lock()
	defer r.access.Unlock()
	_, loaded := r.entries[fd]
	if !loaded {
		return false
	}
	delete(r.entries, fd)
	r.multiplexer.Remove(fd)
	return true
}

// Cancel stops dispatching fd now and deregisters it on the dispatch
// goroutine, calling done afterwards.
func (r *Reactor) Cancel(fd native.Handle, done func()) {
	r.access.Lock()
	delete(r.entries, fd)
	if r.closed.Load() || !r.running {
		r.access.Unlock()
		r.multiplexer.Remove(fd)
		done()
		return
	}
	r.backlog.Add(&reactorItem{
		entry:     &reactorEntry{fd: fd},
		cancelled: done,
	})
	r.access.Unlock()
	r.notify()
}

func (r *Reactor) Registered(fd native.Handle) bool {
	r.access.Lock()
	defer r.access.Unlock()
	_, loaded := r.entries[fd]
	return loaded
}

func (r *Reactor) Len() int {
	r.access.Lock()
	defer r.access.Unlock()
	return len(r.entries)
}

func (r *Reactor) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reactor) run() {
	defer r.wg.Done()
	var events [eventBatch]native.ReadyEvent
	for {
		if r.ctx.Err() != nil {
			return
		}
		n, err := r.multiplexer.Wait(events[:], -1)
		if err != nil {
			if native.IsInterrupted(err) {
				continue
			}
			if !r.closed.Load() {
				r.logger.Error("wait: ", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		r.access.Lock()
		for _, event := range events[:n] {
			entry := r.entries[event.Handle]
			if entry == nil {
				continue
			}
			r.backlog.Add(&reactorItem{entry: entry, events: event.Events})
		}
		r.access.Unlock()
		r.notify()
	}
}

func (r *Reactor) dispatch() {
	defer r.wg.Done()
	for {
		r.access.Lock()
		if r.backlog.Length() == 0 {
			r.access.Unlock()
			select {
			case <-r.signal:
				continue
			case <-r.ctx.Done():
				r.drainCancelled()
				return
			}
		}
		item := r.backlog.Remove().(*reactorItem)
		r.access.Unlock()
		if item.cancelled != nil {
			r.multiplexer.Remove(item.entry.fd)
			item.cancelled()
			continue
		}
		item.entry.handler.HandleEvent(item.entry.fd, item.events)
		r.rearm(item.entry)
	}
}

// rearm restores the one-shot registration unless the handle was
// deregistered or registered anew while its handler ran.
func (r *Reactor) rearm(entry *reactorEntry) {
	r.access.Lock()
	defer r.access.Unlock()
	if current := r.entries[entry.fd]; current == nil || current.registrationID != entry.registrationID {
		return
	}
	err := r.multiplexer.Add(entry.fd, entry.interest)
	if err != nil {
		delete(r.entries, entry.fd)
		if !native.IsBadHandle(err) {
			r.logger.Debug("rearm ", entry.fd, ": ", err)
		}
	}
}

func (r *Reactor) drainCancelled() {
	r.access.Lock()
	var cancelled []func()
	for r.backlog.Length() > 0 {
		item := r.backlog.Remove().(*reactorItem)
		if item.cancelled != nil {
			cancelled = append(cancelled, item.cancelled)
		}
	}
	r.access.Unlock()
	for _, done := range cancelled {
		done()
	}
}

func (r *Reactor) Close() error {
	r.access.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.access.Unlock()
		return nil
	}
	running := r.running
	r.access.Unlock()
	r.cancel()
	if running {
		r.multiplexer.Wakeup()
		r.wg.Wait()
	}
	return r.multiplexer.Close()
}
