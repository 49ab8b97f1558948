//go:build !unix

package server

import "net"

// peerAlive has no portable non-blocking peek; the session's closed flag is
// the only signal on these platforms.
func peerAlive(net.Conn) bool {
	return true
}
