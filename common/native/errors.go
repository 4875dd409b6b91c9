package native

import (
	"errors"

	E "github.com/sagernet/sing-nio/common/exceptions"

	"golang.org/x/sys/unix"
)

var ErrUnsupportedPlatform = E.New("native: unsupported platform")

func IsUnavailable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

func IsInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY)
}

func IsBadHandle(err error) bool {
	return errors.Is(err, unix.EBADF)
}

func IsMemoryPressure(err error) bool {
	return errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN)
}

func IsTransferUnsupported(err error) bool {
	return E.IsMulti(err, unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.EOPNOTSUPP, unix.ENOTSUP, unix.EBADF)
}

func IsAlreadyConnected(err error) bool {
	return errors.Is(err, unix.EISCONN)
}
