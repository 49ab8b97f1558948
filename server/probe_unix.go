//go:build unix

package server

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerAlive peeks one byte from the socket without blocking and without
// consuming it. Pending data or an empty receive queue means alive; an
// orderly shutdown (zero-byte read) or a socket error means gone.
//
// Control is used instead of Read so the probe does not wait behind the
// session's blocked reader.
func peerAlive(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	var buf [1]byte
	err = raw.Control(func(fd uintptr) {
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		case rerr != nil:
			alive = false
		case n == 0:
			alive = false
		}
	})
	if err != nil {
		return false
	}
	return alive
}
