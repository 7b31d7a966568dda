//go:build !windows

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketReuseAddr lets a restarted node rebind its port while old
// connections sit in TIME_WAIT.
func setSocketReuseAddr(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
