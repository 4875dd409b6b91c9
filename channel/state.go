package channel

import (
	"context"
)

// State only moves forward, with the single exception of a datagram
// channel that disconnects.
type State int32

const (
	StateUnconnected State = iota
	StatePending
	StateConnected
	// StateInUse is the open state of listeners and files.
	StateInUse
	StateClosing
	StateKillPending
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateInUse:
		return "in-use"
	case StateClosing:
		return "closing"
	case StateKillPending:
		return "kill-pending"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

// directionLock serializes the operations of one direction. Waiters give
// up when the channel starts closing.
type directionLock struct {
	ch chan struct{}
}

func newDirectionLock() directionLock {
	return directionLock{ch: make(chan struct{}, 1)}
}

func (l directionLock) lock(ctx context.Context, closing <-chan struct{}) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-closing:
		return ErrAsynchronousClose
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l directionLock) lockUninterruptibly() {
	l.ch <- struct{}{}
}

func (l directionLock) unlock() {
	<-l.ch
}
