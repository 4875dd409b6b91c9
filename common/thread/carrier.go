package thread

import (
	"context"
	"sync"
	"sync/atomic"
)

var carrierCounter atomic.Uint64

// Carrier is a worker that runs many lightweight callers. Components that
// keep per-carrier state attach a cleanup with OnTerminate.
type Carrier struct {
	id         uint64
	access     sync.Mutex
	callbacks  []func()
	terminated bool
}

func NewCarrier() *Carrier {
	return &Carrier{id: carrierCounter.Add(1)}
}

func (c *Carrier) ID() uint64 {
	return c.id
}

// OnTerminate reports false and does nothing if the carrier is already gone.
func (c *Carrier) OnTerminate(callback func()) bool {
	c.access.Lock()
	defer c.access.Unlock()
	if c.terminated {
		return false
	}
	c.callbacks = append(c.callbacks, callback)
	return true
}

func (c *Carrier) Terminated() bool {
	c.access.Lock()
	defer c.access.Unlock()
	return c.terminated
}

func (c *Carrier) Terminate() {
	c.access.Lock()
	if c.terminated {
		c.access.Unlock()
		return
	}
	c.terminated = true
	callbacks := c.callbacks
	c.callbacks = nil
	c.access.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

func WithCarrier(ctx context.Context, carrier *Carrier) context.Context {
	return WithThread(ctx, &Thread{
		Kind:    Lightweight,
		Carrier: carrier,
	})
}
