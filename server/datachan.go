package server

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"
)

// dataChannel is a passive listener that accepts exactly one peer.
type dataChannel struct {
	ln   net.Listener
	port int
}

// openDataChannel binds a listener for one transfer. With a configured port
// range a random port is tried up to bindAttempts times; otherwise the OS
// picks the port.
func (s *Server) openDataChannel() (*dataChannel, error) {
	if s.dataPortMin == 0 && s.dataPortMax == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.dataBindHost, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: listen: %w", ErrNetwork, err)
		}
		return s.newDataChannel(ln), nil
	}

	span := s.dataPortMax - s.dataPortMin + 1
	var lastErr error
	for range s.bindAttempts {
		port := s.dataPortMin + rand.IntN(span)
		ln, err := net.Listen("tcp", net.JoinHostPort(s.dataBindHost, strconv.Itoa(port)))
		if err == nil {
			return s.newDataChannel(ln), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no free data port in [%d, %d] after %d attempts: %w",
		ErrNetwork, s.dataPortMin, s.dataPortMax, s.bindAttempts, lastErr)
}

func (s *Server) newDataChannel(ln net.Listener) *dataChannel {
	s.dataChannelsOpened.Add(1)
	return &dataChannel{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}
}

// accept waits up to timeout for the peer, then closes the listener so no
// second connection can reach the port.
func (d *dataChannel) accept(timeout time.Duration) (net.Conn, error) {
	defer d.ln.Close()
	if t, ok := d.ln.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := d.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: data accept: %w", ErrNetwork, err)
	}
	return conn, nil
}

func (d *dataChannel) close() {
	d.ln.Close()
}
