package thread

import (
	"context"
	"sync"
	"time"

	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/log"
)

// OtherThreadIndex is returned by Add for participants that cannot be
// signalled; they are woken through the poller instead.
const OtherThreadIndex = -99

const (
	initialCapacity = 2
	maxCapacity     = 1 << 16
	// SignalInterval bounds each wait for signalled threads to leave the
	// kernel; a thread may miss a signal and need another.
	SignalInterval = 50 * time.Millisecond
)

var ErrRegistryExhausted = E.New("thread registry exhausted")

type Signaler interface {
	SignalThread(id int64) error
}

// Registry is the set of threads blocked in a syscall on one channel.
type Registry struct {
	access   sync.Mutex
	signaler Signaler
	threads  []int64
	used     int
	hint     int
	others   int
	drained  chan struct{}
}

func NewRegistry(signaler Signaler) *Registry {
	return &Registry{
		signaler: signaler,
		threads:  make([]int64, initialCapacity),
	}
}

func (r *Registry) Add(t *Thread) (int, error) {
	r.access.Lock()
	defer r.access.Unlock()
	if t.Kind != Heavyweight {
		r.others++
		return OtherThreadIndex, nil
	}
	if r.used == len(r.threads) {
		if len(r.threads)*2 > maxCapacity {
			return 0, ErrRegistryExhausted
		}
		grown := make([]int64, len(r.threads)*2)
		copy(grown, r.threads)
		r.threads = grown
	}
	for i := range r.threads {
		index := (r.hint + i) % len(r.threads)
		if r.threads[index] == 0 {
			r.threads[index] = t.ID
			r.used++
			r.hint = index + 1
			return index, nil
		}
	}
	panic("unreachable")
}

func (r *Registry) Remove(index int) {
	r.access.Lock()
	defer r.access.Unlock()
	if index == OtherThreadIndex {
		r.others--
	} else {
		r.threads[index] = 0
		r.used--
		r.hint = index
	}
	if r.used == 0 && r.others == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

func (r *Registry) Len() int {
	r.access.Lock()
	defer r.access.Unlock()
	return r.used + r.others
}

func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Heavyweight reports whether any registered thread can be signalled.
func (r *Registry) Heavyweight() bool {
	r.access.Lock()
	defer r.access.Unlock()
	return r.used > 0
}

func (r *Registry) Capacity() int {
	r.access.Lock()
	defer r.access.Unlock()
	return len(r.threads)
}

// SignalAndWait signals every registered thread until the registry empties,
// waiting at most SignalInterval between rounds.
func (r *Registry) SignalAndWait(ctx context.Context) error {
	for {
		r.access.Lock()
		if r.used == 0 && r.others == 0 {
			r.access.Unlock()
			return nil
		}
		for _, id := range r.threads {
			if id == 0 {
				continue
			}
			err := r.signaler.SignalThread(id)
			if err != nil {
				log.NewLogger("thread").Debug("signal thread ", id, ": ", err)
			}
		}
		if r.drained == nil {
			r.drained = make(chan struct{})
		}
		drained := r.drained
		r.access.Unlock()
		timer := time.NewTimer(SignalInterval)
		select {
		case <-drained:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}
