//go:build !linux

package dispatcher

// NewEpollDispatcher is only available on Linux
func NewEpollDispatcher(_ int) (IDispatcher, error) {
	return nil, ErrPlatformNotSupported
}
