package channel

import (
	"net"
	"os"

	E "github.com/sagernet/sing-nio/common/exceptions"
)

var (
	ErrClosed = E.Extend(net.ErrClosed, "channel closed")
	// ErrAsynchronousClose reports a channel closed by another caller while
	// this operation was in progress.
	ErrAsynchronousClose = E.Extend(ErrClosed, "closed while waiting")
	// ErrClosedByInterrupt reports a canceled context; the channel has been
	// closed as a consequence.
	ErrClosedByInterrupt = E.Extend(ErrAsynchronousClose, "closed by interrupt")

	ErrAlreadyConnected    = E.New("already connected")
	ErrConnectionPending   = E.New("connection pending")
	ErrNoConnectionPending = E.New("no connection pending")
	ErrNotYetConnected     = E.New("not yet connected")
	ErrNotYetBound         = E.New("not yet bound")
	ErrAlreadyBound        = E.New("already bound")
	ErrUnsupportedAddress  = E.New("unsupported address")
	ErrNonReadable         = E.New("channel not open for reading")
	ErrNonWritable         = E.New("channel not open for writing")
	ErrOutputShutdown      = E.New("output shut down")
	ErrOverlappingLock     = E.New("overlapping file lock")
	ErrUnaligned           = E.New("position or length not aligned to block size")
	ErrIllegalBlockingMode = E.New("illegal blocking mode")
	ErrInvalidOption       = E.New("invalid socket option")
	ErrInvalidArgument     = E.New("invalid argument")

	// ErrTimeout is a net.Error and matches os.ErrDeadlineExceeded.
	ErrTimeout error = timeoutError{}

	errWouldBlock = E.New("operation would block")
)

type timeoutError struct{}

func (timeoutError) Error() string {
	return "channel: i/o timeout"
}

func (timeoutError) Timeout() bool {
	return true
}

func (timeoutError) Temporary() bool {
	return true
}

func (timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}
