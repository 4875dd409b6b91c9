package fake

import (
	"time"

	"github.com/sagernet/sing-nio/common/native"

	"golang.org/x/sys/unix"
)

var _ native.Multiplexer = (*Multiplexer)(nil)

type Multiplexer struct {
	d      *Dispatcher
	fd     native.Handle
	armed  map[native.Handle]native.Event
	woken  bool
	closed bool
}

func (m *Multiplexer) Handle() native.Handle {
	return m.fd
}

func (m *Multiplexer) Add(fd native.Handle, events native.Event) error {
	m.d.access.Lock()
	defer m.d.access.Unlock()
	if m.closed {
		return unix.EBADF
	}
	_, err := m.d.lookupLocked(fd)
	if err != nil {
		return err
	}
	m.armed[fd] = events
	m.d.cond.Broadcast()
	return nil
}

func (m *Multiplexer) Remove(fd native.Handle) error {
	m.d.access.Lock()
	defer m.d.access.Unlock()
	if m.closed {
		return unix.EBADF
	}
	delete(m.armed, fd)
	return nil
}

func (m *Multiplexer) hasReadyLocked() bool {
	if m.woken {
		return true
	}
	for fd, interest := range m.armed {
		h := m.d.handles[fd]
		if h != nil && m.d.readinessLocked(h)&(interest|native.EventError|native.EventHangup) != 0 {
			return true
		}
	}
	return false
}

// collectLocked disarms and reports ready handles; handles closed since Add
// are dropped like the kernel does.
func (m *Multiplexer) collectLocked(events []native.ReadyEvent) int {
	var n int
	for fd, interest := range m.armed {
		if n == len(events) {
			break
		}
		h := m.d.handles[fd]
		if h == nil {
			delete(m.armed, fd)
			continue
		}
		ready := m.d.readinessLocked(h) & (interest | native.EventError | native.EventHangup)
		if ready == 0 {
			continue
		}
		delete(m.armed, fd)
		events[n] = native.ReadyEvent{Handle: fd, Events: ready}
		n++
	}
	return n
}

func (m *Multiplexer) Wait(events []native.ReadyEvent, timeout time.Duration) (int, error) {
	d := m.d
	d.access.Lock()
	defer d.access.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	generation := d.signalGen
	for {
		if m.closed {
			return 0, unix.EBADF
		}
		n := m.collectLocked(events)
		if n > 0 || m.woken {
			m.woken = false
			return n, nil
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

func (m *Multiplexer) Wakeup() error {
	m.d.access.Lock()
	defer m.d.access.Unlock()
	if m.closed {
		return unix.EBADF
	}
	m.woken = true
	m.d.cond.Broadcast()
	return nil
}

func (m *Multiplexer) Close() error {
	return m.d.Close(m.fd)
}

// Armed reports how many registrations are waiting to fire.
func (m *Multiplexer) Armed() int {
	m.d.access.Lock()
	defer m.d.access.Unlock()
	return len(m.armed)
}
