//go:build !linux

package native

func System() (Dispatcher, error) {
	return nil, ErrUnsupportedPlatform
}
