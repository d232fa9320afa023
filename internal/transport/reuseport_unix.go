//go:build linux || darwin

// ABOUTME: SO_REUSEPORT support for platforms that define it
package transport

import "golang.org/x/sys/unix"

func setReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
