package server

import (
	"errors"
	"net"
	"testing"
	"time"
)

func newDataTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", append([]Option{WithAuthenticator(testStudents)}, opts...)...)
	fatalIfErr(t, err, "NewServer")
	return s
}

func TestDataChannel_PortRange(t *testing.T) {
	// Find a free port to use as a one-port range.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "probe listen")
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	s := newDataTestServer(t, WithDataPortRange(port, port), WithBindAttempts(3))

	dc, err := s.openDataChannel()
	fatalIfErr(t, err, "openDataChannel")
	if dc.port != port {
		t.Errorf("port = %d, want %d", dc.port, port)
	}

	// The only port is taken now, so a second channel cannot be opened.
	if _, err := s.openDataChannel(); !errors.Is(err, ErrNetwork) {
		t.Errorf("second openDataChannel = %v, want ErrNetwork", err)
	}
	dc.close()

	if got := s.Stats().DataChannelsOpened; got != 1 {
		t.Errorf("DataChannelsOpened = %d, want 1", got)
	}
}

func TestDataChannel_AcceptsOnePeer(t *testing.T) {
	s := newDataTestServer(t, WithDataPortRange(0, 0))

	dc, err := s.openDataChannel()
	fatalIfErr(t, err, "openDataChannel")
	addr := dc.ln.Addr().String()

	go func() {
		if c, err := net.Dial("tcp", addr); err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	conn, err := dc.accept(5 * time.Second)
	fatalIfErr(t, err, "accept")
	defer conn.Close()

	// The listener is gone once a peer has connected.
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Error("second connection to the data port succeeded")
	}
}

func TestDataChannel_AcceptTimeout(t *testing.T) {
	s := newDataTestServer(t, WithDataPortRange(0, 0))

	dc, err := s.openDataChannel()
	fatalIfErr(t, err, "openDataChannel")

	start := time.Now()
	if _, err := dc.accept(100 * time.Millisecond); !errors.Is(err, ErrNetwork) {
		t.Fatalf("accept = %v, want ErrNetwork", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("accept did not honor its timeout")
	}
}
