//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package tcp

import (
	"errors"
	"syscall"
)

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return errors.New("SO_REUSEPORT is not supported on this platform")
}
