package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/examftp"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// testStudents accepts "<id>" with secret "pw<id>" for any id starting with "1".
var testStudents = AuthenticatorFunc(func(id, secret string) (string, bool, error) {
	if !strings.HasPrefix(id, "1") || secret != "pw"+id {
		return "", false, nil
	}
	return "Student " + id, true, nil
})

type testEnv struct {
	srv       *Server
	addr      string
	answers   string
	questions string
	events    *eventLog
}

// eventLog collects observer events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// startServer runs a server on a random loopback port with a question bank
// holding soru1.pdf and an empty answers directory.
func startServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		answers:   t.TempDir(),
		questions: t.TempDir(),
		events:    &eventLog{},
	}
	fatalIfErr(t, os.WriteFile(filepath.Join(env.questions, "soru1.pdf"), []byte("question one"), 0o644), "write question")

	store, err := NewAnswerStore(env.answers, WithStoreLogger(slog.New(slog.DiscardHandler)))
	fatalIfErr(t, err, "NewAnswerStore")
	t.Cleanup(func() { store.Close() })
	bank, err := NewQuestionDir(env.questions)
	fatalIfErr(t, err, "NewQuestionDir")
	t.Cleanup(func() { bank.Close() })

	base := []Option{
		WithAuthenticator(testStudents),
		WithSubmissionStore(store),
		WithQuestionBank(bank),
		WithObserver(env.events),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithDataPortRange(0, 0),
		WithDataTimeout(5 * time.Second),
	}
	srv, err := NewServer("127.0.0.1:0", append(base, opts...)...)
	fatalIfErr(t, err, "NewServer")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})

	env.srv = srv
	env.addr = ln.Addr().String()
	return env
}

// dial connects a client that is closed when the test ends.
func (env *testEnv) dial(t *testing.T, opts ...examftp.Option) *examftp.Client {
	t.Helper()
	c, err := examftp.Dial(env.addr, append([]examftp.Option{examftp.WithTimeout(5 * time.Second)}, opts...)...)
	fatalIfErr(t, err, "Dial")
	t.Cleanup(func() { c.Close() })
	return c
}

// login dials and logs in as id.
func (env *testEnv) login(t *testing.T, id string) *examftp.Client {
	t.Helper()
	c := env.dial(t)
	fatalIfErr(t, c.Login(id, "pw"+id), "Login %s", id)
	return c
}

// rawConn is a bare control connection for tests that need to see every line.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (env *testEnv) raw(t *testing.T) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", env.addr)
	fatalIfErr(t, err, "dial")
	t.Cleanup(func() { conn.Close() })
	rc := &rawConn{t: t, conn: conn, r: bufio.NewReader(conn)}
	rc.expectPrefix("220 ")
	return rc
}

func (rc *rawConn) send(line string) {
	rc.t.Helper()
	_, err := rc.conn.Write([]byte(line))
	fatalIfErr(rc.t, err, "write %q", line)
}

func (rc *rawConn) readLine() string {
	rc.t.Helper()
	_ = rc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := rc.r.ReadString('\n')
	fatalIfErr(rc.t, err, "read line")
	return strings.TrimRight(line, "\r\n")
}

// expectPrefix reads lines, skipping pushes, until a non-push line arrives
// and checks its prefix.
func (rc *rawConn) expectPrefix(prefix string) string {
	rc.t.Helper()
	for {
		line := rc.readLine()
		if strings.HasPrefix(line, "CMD:") && !strings.HasPrefix(prefix, "CMD:") {
			continue
		}
		if !strings.HasPrefix(line, prefix) {
			rc.t.Fatalf("got %q, want prefix %q", line, prefix)
		}
		return line
	}
}

// expectClosed waits for the server to close the connection.
func (rc *rawConn) expectClosed() {
	rc.t.Helper()
	_ = rc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		line, err := rc.r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				rc.t.Fatal("connection still open")
			}
			return
		}
		if !strings.HasPrefix(line, "CMD:") {
			rc.t.Fatalf("unexpected line before close: %q", line)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
