package exceptions

type TimeoutError interface {
	Timeout() bool
}

// IsTimeout reports whether any error in the chain of err is a timeout,
// net.Error values included.
func IsTimeout(err error) bool {
	timeoutErr, isTimeout := Cast[TimeoutError](err)
	return isTimeout && timeoutErr.Timeout()
}
