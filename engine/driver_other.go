//go:build !linux

package engine

// newPlatformDriver returns the blocking fallback, there is no reactor for this platform
func newPlatformDriver() (ioDriver, error) {
	return blockingDriver{}, nil
}
