package common

import "context"

// ContextAfterFunc arranges to call f in its own goroutine after ctx is done.
// The returned stop reports whether it prevented f from running.
func ContextAfterFunc(ctx context.Context, f func()) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, f)
}
