package examftp

import (
	"bufio"
	"errors"
	"io/fs"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gonzalop/examftp/internal/wire"
)

// fakeServer accepts one connection and hands it to script after sending the
// greeting. It returns the address to dial.
func fakeServer(t *testing.T, greeting string, script func(conn net.Conn, r *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(greeting))
		script(conn, bufio.NewReader(conn))
	}()
	return ln.Addr().String()
}

func expectLine(t *testing.T, r *bufio.Reader, want string) bool {
	line, err := r.ReadString('\n')
	if err != nil {
		t.Errorf("server read: %v", err)
		return false
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Errorf("server got %q, want %q", got, want)
		return false
	}
	return true
}

func TestDial_Greeting(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, "220 Sinav Sunucusu Hazir.\n", func(conn net.Conn, r *bufio.Reader) {
		if expectLine(t, r, "QUIT") {
			conn.Write([]byte("221 Goodbye.\n"))
		}
	})

	c, err := Dial(addr, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit: %v", err)
	}
}

func TestDial_TooManyUsers(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, "421 Too many users, sorry.\n", func(net.Conn, *bufio.Reader) {})

	_, err := Dial(addr, WithTimeout(5*time.Second))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Code != 421 {
		t.Fatalf("Dial = %v, want 421 ProtocolError", err)
	}
	if !pe.IsTemporary() {
		t.Error("421 should be temporary")
	}
}

func TestDial_InvalidAddress(t *testing.T) {
	t.Parallel()
	if _, err := Dial("no-port"); err == nil {
		t.Fatal("Dial accepted an address without port")
	}
	if _, err := Dial("127.0.0.1:1", WithDialer(nil)); err == nil {
		t.Fatal("Dial accepted a nil dialer")
	}
}

func TestClient_PushesAreDemultiplexed(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, "220 ok\n", func(conn net.Conn, r *bufio.Reader) {
		if !expectLine(t, r, "USER 101") {
			return
		}
		conn.Write([]byte("CMD:MSG:Hos geldiniz\n331 Password required.\n"))
		if !expectLine(t, r, "PASS pw") {
			return
		}
		conn.Write([]byte("230 User logged in, proceed.\nCMD:SYNC:1800\n"))
		if !expectLine(t, r, "PING") {
			return
		}
		conn.Write([]byte("CMD:TIME_SECONDS:3600\nPONG\n"))
		if !expectLine(t, r, "LIST") {
			return
		}
		conn.Write([]byte("DATA_LIST:a.pdf,b.pdf\n"))
		r.ReadString('\n')
	})

	c, err := Dial(addr, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Login("101", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	names, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "a.pdf,b.pdf" {
		t.Errorf("List = %v", names)
	}

	want := []wire.Push{
		{Kind: wire.PushMessage, Text: "Hos geldiniz"},
		{Kind: wire.PushSync, Seconds: 1800},
		{Kind: wire.PushTimeSeconds, Seconds: 3600},
	}
	for i, w := range want {
		select {
		case p := <-c.Pushes():
			if p != w {
				t.Errorf("push %d = %+v, want %+v", i, p, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("push %d not delivered", i)
		}
	}
}

func TestClient_ReplyTimeout(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, "220 ok\n", func(conn net.Conn, r *bufio.Reader) {
		r.ReadString('\n')
		time.Sleep(time.Second)
	})

	c, err := Dial(addr, WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err == nil {
		t.Fatal("Ping succeeded without a reply")
	}
}

func TestClient_ClosedConnection(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, "220 ok\n", func(conn net.Conn, r *bufio.Reader) {
		r.ReadString('\n')
	})

	c, err := Dial(addr, WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed")
	}
}

func TestProtocolError_Unwrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *ProtocolError
		want error
	}{
		{"already connected", &ProtocolError{Command: "USER 1", Response: wire.ReasonAlreadyConnected, Code: 550}, ErrAlreadyConnected},
		{"exam running", &ProtocolError{Command: "USER 1", Response: wire.ReasonLoginAfterStart, Code: 550}, ErrLoginClosed},
		{"upload refused", &ProtocolError{Command: "STOR a 1", Response: wire.ReasonUploadNotStarted, Code: 550}, ErrExamNotStarted},
		{"download refused", &ProtocolError{Command: "RETR a", Response: wire.ReasonDownloadNotStarted, Code: 550}, ErrExamNotStarted},
		{"incomplete", &ProtocolError{Command: "STOR a 1", Response: wire.ReasonTransferIncomplete, Code: 550}, ErrIncomplete},
		{"not found", &ProtocolError{Command: "RETR a", Response: wire.ReasonFileNotFound, Code: 550}, fs.ErrNotExist},
		{"too large", &ProtocolError{Command: "STOR a 9", Response: "File too large (max 50MB).", Code: 550}, ErrTooLarge},
		{"bad password", &ProtocolError{Command: "PASS ****", Response: "Login incorrect.", Code: 530}, ErrBadCredentials},
		{"not logged in", &ProtocolError{Command: "LIST", Response: "Please login with USER and PASS.", Code: 530}, ErrNotLoggedIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.want)
			}
		})
	}

	plain := &ProtocolError{Command: "FOO", Response: "Unknown command.", Code: 500}
	if plain.Unwrap() != nil {
		t.Errorf("Unwrap of unknown reply = %v, want nil", plain.Unwrap())
	}
	if !strings.Contains(plain.Error(), "FOO") || !plain.Is5xx() {
		t.Errorf("unexpected error formatting %q", plain.Error())
	}
}

func TestProgress_Percent(t *testing.T) {
	t.Parallel()
	if got := (Progress{Transferred: 50, Total: 200}).Percent(); got != 25 {
		t.Errorf("Percent = %v, want 25", got)
	}
	if got := (Progress{Transferred: 50}).Percent(); got != -1 {
		t.Errorf("Percent with unknown total = %v, want -1", got)
	}
}
