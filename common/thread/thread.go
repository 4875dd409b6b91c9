// Package thread tells blocking code which execution context called it and
// tracks the OS threads blocked inside a syscall on a channel.
package thread

import (
	"context"
	"runtime"
)

type Kind uint8

const (
	// Lightweight callers issue non-blocking syscalls and park on a poller.
	Lightweight Kind = iota
	// Heavyweight callers own a pinned OS thread and block in the kernel.
	Heavyweight
)

func (k Kind) String() string {
	switch k {
	case Heavyweight:
		return "heavyweight"
	default:
		return "lightweight"
	}
}

type Thread struct {
	Kind    Kind
	ID      int64
	Carrier *Carrier
}

type Identifier interface {
	CurrentThread() int64
}

type contextKey struct{}

var defaultThread = &Thread{Kind: Lightweight}

func FromContext(ctx context.Context) *Thread {
	if t, loaded := ctx.Value(contextKey{}).(*Thread); loaded {
		return t
	}
	return defaultThread
}

func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// Pin locks the calling goroutine to its OS thread and returns a context
// that marks it heavyweight. release must run on the same goroutine.
func Pin(ctx context.Context, identifier Identifier) (pinned context.Context, release func()) {
	runtime.LockOSThread()
	t := &Thread{
		Kind: Heavyweight,
		ID:   identifier.CurrentThread(),
	}
	return WithThread(ctx, t), runtime.UnlockOSThread
}
