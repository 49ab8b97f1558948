package server

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gonzalop/examftp"
	"github.com/gonzalop/examftp/internal/metrics"
	"github.com/gonzalop/examftp/internal/wire"
)

func TestNewServer_RequiresAuthenticator(t *testing.T) {
	if _, err := NewServer(":0"); err == nil {
		t.Fatal("NewServer without authenticator succeeded")
	}
	if _, err := NewServer(":0", WithAuthenticator(testStudents), WithDataPortRange(60000, 50000)); err == nil {
		t.Fatal("NewServer accepted an inverted port range")
	}
	if _, err := NewServer(":0", WithAuthenticator(testStudents), WithAuthenticator(testStudents)); err == nil {
		t.Fatal("NewServer accepted two authenticators")
	}
}

func TestServer_CommandBasics(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	rc := env.raw(t)

	rc.send("FOO bar\n")
	rc.expectPrefix("500 Unknown command.")

	rc.send("LIST\n")
	rc.expectPrefix("530 ")

	rc.send("PASS x\n")
	rc.expectPrefix("503 ")

	rc.send("USER\n")
	rc.expectPrefix("501 ")

	// Several commands in one segment are answered in order.
	rc.send("PING\r\nPING\nUSER 101\nPASS pw101\n")
	rc.expectPrefix("PONG")
	rc.expectPrefix("PONG")
	rc.expectPrefix("331 ")
	rc.expectPrefix("230 ")

	rc.send("USER 101\n")
	rc.expectPrefix("503 Already logged in.")

	rc.send("LIST\n")
	if got := rc.expectPrefix(wire.ListPrefix); got != "DATA_LIST:soru1.pdf" {
		t.Errorf("LIST = %q", got)
	}

	rc.send("QUIT\n")
	rc.expectPrefix("221 ")
	rc.expectClosed()
}

func TestServer_OverlongLineSkipped(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	rc := env.raw(t)

	rc.send(strings.Repeat("A", wire.MaxLineLength+10) + "\nPING\n")
	rc.expectPrefix("500 ")
	rc.expectPrefix(wire.Pong)

	rc.send("QUIT\n")
	rc.expectPrefix("221 ")
	rc.expectClosed()
}

func TestServer_LoginFlow(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	c := env.dial(t)

	err := c.Login("101", "wrong")
	if !errors.Is(err, examftp.ErrBadCredentials) {
		t.Fatalf("Login with wrong secret = %v, want ErrBadCredentials", err)
	}
	// A failed password leaves the connection usable.
	fatalIfErr(t, c.Login("101", "pw101"), "Login")
	fatalIfErr(t, c.Ping(), "Ping")

	students := env.srv.Students()
	if len(students) != 1 || students[0].ID != "101" || students[0].DisplayName != "Student 101" {
		t.Errorf("Students = %+v", students)
	}
	waitFor(t, "connected event", func() bool { return env.events.count(EventConnected) == 1 })
}

func TestServer_DuplicateLoginRejected(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	env.login(t, "101")

	second := env.dial(t)
	err := second.Login("101", "pw101")
	if !errors.Is(err, examftp.ErrAlreadyConnected) {
		t.Fatalf("second Login = %v, want ErrAlreadyConnected", err)
	}
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server kept the rejected connection open")
	}
	if n := len(env.srv.Students()); n != 1 {
		t.Errorf("Students = %d, want 1", n)
	}
}

func TestServer_ConcurrentLoginsAdmitOne(t *testing.T) {
	t.Parallel()
	env := startServer(t)

	const n = 10
	clients := make([]*examftp.Client, n)
	for i := range clients {
		clients[i] = env.dial(t)
	}

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := c.Login("101", "pw101")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, examftp.ErrAlreadyConnected):
				already.Add(1)
			default:
				t.Errorf("unexpected login error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || already.Load() != n-1 {
		t.Fatalf("wins = %d, rejected = %d; want 1 and %d", wins.Load(), already.Load(), n-1)
	}
}

func TestServer_ReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()
	env := startServer(t)

	first := env.login(t, "101")
	fatalIfErr(t, first.Close(), "Close")

	waitFor(t, "identity release", func() bool { return len(env.srv.Students()) == 0 })
	waitFor(t, "disconnected event", func() bool { return env.events.count(EventDisconnected) == 1 })

	env.login(t, "101")
}

func TestServer_TransfersRefusedBeforeExam(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	c := env.login(t, "101")

	if err := c.Store("cevap.pdf", []byte("x")); !errors.Is(err, examftp.ErrExamNotStarted) {
		t.Errorf("Store = %v, want ErrExamNotStarted", err)
	}
	if _, err := c.Retrieve("soru1.pdf"); !errors.Is(err, examftp.ErrExamNotStarted) {
		t.Errorf("Retrieve = %v, want ErrExamNotStarted", err)
	}
	var pe *examftp.ProtocolError
	if _, err := c.Retrieve("soru1.pdf"); !errors.As(err, &pe) || pe.Code != 550 || pe.Response != wire.ReasonDownloadNotStarted {
		t.Errorf("Retrieve error = %v", err)
	}

	if got := env.srv.Stats().DataChannelsOpened; got != 0 {
		t.Errorf("DataChannelsOpened = %d, want 0", got)
	}
}

func TestServer_ExamRoundTrip(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	c := env.login(t, "101")
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	names, err := c.List()
	fatalIfErr(t, err, "List")
	if len(names) != 1 || names[0] != "soru1.pdf" {
		t.Fatalf("List = %v", names)
	}

	got, err := c.Retrieve("soru1.pdf")
	fatalIfErr(t, err, "Retrieve")
	if string(got) != "question one" {
		t.Errorf("Retrieve = %q", got)
	}

	if _, err := c.Retrieve("missing.pdf"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Retrieve missing = %v, want ErrNotExist", err)
	}

	answer := bytes.Repeat([]byte("0123456789"), 20*1024)
	fatalIfErr(t, c.Store("cevap.pdf", answer), "Store")

	// An explicit PASV before the transfer is honored too.
	_, err = c.Passive()
	fatalIfErr(t, err, "Passive")
	fatalIfErr(t, c.Store("ek.txt", []byte("second")), "Store after PASV")

	entries, err := os.ReadDir(env.answers)
	fatalIfErr(t, err, "ReadDir")
	var stored string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "101_") && strings.HasSuffix(e.Name(), "_cevap.pdf") {
			stored = e.Name()
		}
	}
	if stored == "" {
		t.Fatalf("answer not stored, answers dir: %v", entries)
	}
	data, err := os.ReadFile(filepath.Join(env.answers, stored))
	fatalIfErr(t, err, "read stored answer")
	if !bytes.Equal(data, answer) {
		t.Errorf("stored %d bytes, want %d", len(data), len(answer))
	}

	students := env.srv.Students()
	if len(students) != 1 || students[0].LastFile != "ek.txt" {
		t.Errorf("Students = %+v", students)
	}
	st := env.srv.Stats()
	if st.Uploads != 2 || st.Downloads != 1 || st.BytesReceived != int64(len(answer)+6) {
		t.Errorf("Stats = %+v", st)
	}
	waitFor(t, "delivered events", func() bool { return env.events.count(EventDelivered) == 2 })
}

func TestServer_LoginRefusedDuringExam(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	c := env.dial(t)
	if err := c.Login("101", "pw101"); !errors.Is(err, examftp.ErrLoginClosed) {
		t.Fatalf("Login = %v, want ErrLoginClosed", err)
	}

	rc := env.raw(t)
	rc.send("USER 102\n")
	rc.expectPrefix("550 " + wire.ReasonLoginAfterStart)
	rc.expectClosed()

	env.srv.UnlockEntries()
	env.login(t, "103")
	waitFor(t, "rejection events", func() bool { return env.events.count(EventLoginRejected) == 2 })
}

func TestServer_OversizeStorAllocatesNoPort(t *testing.T) {
	t.Parallel()
	env := startServer(t, WithMaxFileSize(1024))
	c := env.login(t, "101")
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	err := c.Store("big.pdf", make([]byte, 4096))
	if !errors.Is(err, examftp.ErrTooLarge) {
		t.Fatalf("Store = %v, want ErrTooLarge", err)
	}
	if got := env.srv.Stats().DataChannelsOpened; got != 0 {
		t.Errorf("DataChannelsOpened = %d, want 0", got)
	}

	// The session is still usable.
	fatalIfErr(t, c.Store("small.pdf", make([]byte, 512)), "Store small")
}

func TestServer_InvalidStorSize(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	rc := env.raw(t)
	rc.send("USER 101\nPASS pw101\n")
	rc.expectPrefix("331 ")
	rc.expectPrefix("230 ")
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	rc.send("STOR a.pdf -5\n")
	rc.expectPrefix("550 " + wire.ReasonInvalidSize)
	rc.send("STOR\n")
	rc.expectPrefix("501 ")
}

func TestServer_PartialStorIsNotSaved(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	rc := env.raw(t)
	rc.send("USER 101\nPASS pw101\n")
	rc.expectPrefix("331 ")
	rc.expectPrefix("230 ")
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	rc.send("STOR part.pdf 1000\n")
	pasv := rc.expectPrefix("227 ")
	rc.expectPrefix("150 ")

	addr, err := wire.DataAddr(pasv, "127.0.0.1")
	fatalIfErr(t, err, "DataAddr")
	data, err := net.Dial("tcp", addr)
	fatalIfErr(t, err, "dial data channel")
	rc.expectPrefix(wire.ReadyToken)

	_, err = data.Write(make([]byte, 10))
	fatalIfErr(t, err, "write partial data")
	data.Close()

	rc.expectPrefix("550 " + wire.ReasonTransferIncomplete)

	entries, err := os.ReadDir(env.answers)
	fatalIfErr(t, err, "ReadDir")
	if len(entries) != 0 {
		t.Errorf("partial upload left files: %v", entries)
	}
	if env.events.count(EventDelivered) != 0 {
		t.Error("partial upload reported as delivered")
	}
}

func TestServer_PushesReachLoggedInStudents(t *testing.T) {
	t.Parallel()
	env := startServer(t, WithExamTick(time.Millisecond))
	a := env.login(t, "101")
	b := env.login(t, "102")

	fatalIfErr(t, env.srv.Broadcast("Son 10 dakika"), "Broadcast")
	for _, c := range []*examftp.Client{a, b} {
		p := nextPush(t, c)
		if p.Kind != wire.PushMessage || p.Text != "Son 10 dakika" {
			t.Errorf("push = %+v", p)
		}
	}

	fatalIfErr(t, env.srv.StartExam(1), "StartExam")
	p := nextPush(t, a)
	if p.Kind != wire.PushTimeSeconds || p.Seconds != 60 {
		t.Errorf("first exam push = %+v, want TIME_SECONDS 60", p)
	}
	for p.Kind != wire.PushTimeUp {
		p = nextPush(t, a)
	}

	// Time is up: transfers are closed again.
	if err := a.Store("late.pdf", []byte("x")); !errors.Is(err, examftp.ErrExamNotStarted) {
		t.Errorf("Store after time up = %v, want ErrExamNotStarted", err)
	}
}

func TestServer_ShutdownNotifiesStudents(t *testing.T) {
	t.Parallel()
	env := startServer(t)
	c := env.login(t, "101")

	fatalIfErr(t, env.srv.Shutdown(), "Shutdown")

	var kinds []wire.PushKind
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-c.Pushes():
			if !ok {
				done = true
				break
			}
			kinds = append(kinds, p.Kind)
		case <-timeout:
			t.Fatal("pushes channel not closed after shutdown")
		}
	}
	if len(kinds) != 2 || kinds[0] != wire.PushMessage || kinds[1] != wire.PushShutdown {
		t.Errorf("pushes = %v, want MSG then SERVER_SHUTDOWN", kinds)
	}

	if _, err := examftp.Dial(env.addr, examftp.WithTimeout(time.Second)); err == nil {
		t.Error("Dial succeeded after shutdown")
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	t.Parallel()
	env := startServer(t, WithMaxConnections(1))
	env.dial(t)

	_, err := examftp.Dial(env.addr, examftp.WithTimeout(5*time.Second))
	var pe *examftp.ProtocolError
	if !errors.As(err, &pe) || pe.Code != 421 {
		t.Fatalf("second Dial = %v, want 421", err)
	}
}

func TestServer_ConnectionLimitConcurrent(t *testing.T) {
	t.Parallel()
	const limit, clients = 2, 20
	env := startServer(t, WithMaxConnections(limit))

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", env.addr)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			t.Cleanup(func() { conn.Close() })
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				t.Errorf("read greeting: %v", err)
				return
			}
			switch {
			case strings.HasPrefix(line, "220 "):
				accepted.Add(1)
			case strings.HasPrefix(line, "421 "):
				rejected.Add(1)
			default:
				t.Errorf("greeting = %q", line)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != limit || rejected.Load() != clients-limit {
		t.Errorf("accepted %d rejected %d, want %d and %d", accepted.Load(), rejected.Load(), limit, clients-limit)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	t.Parallel()
	env := startServer(t, WithMaxIdleTime(200*time.Millisecond))
	rc := env.raw(t)
	rc.expectClosed()
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	collector := metrics.NewCollector(prometheus.NewRegistry())
	env := startServer(t, WithMetricsCollector(collector))

	c := env.dial(t)
	_ = c.Login("101", "wrong")
	fatalIfErr(t, c.Login("101", "pw101"), "Login")
	fatalIfErr(t, c.Ping(), "Ping")
	fatalIfErr(t, env.srv.Broadcast("hi"), "Broadcast")

	waitFor(t, "PING metric", func() bool {
		return testutil.ToFloat64(collector.Commands.WithLabelValues("PING", "true")) == 1
	})
	if got := testutil.ToFloat64(collector.Logins.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Logins.WithLabelValues("success")); got != 1 {
		t.Errorf("successful logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Pushes.WithLabelValues("MSG", "delivered")); got != 1 {
		t.Errorf("delivered MSG pushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Connections.WithLabelValues("true", "accepted")); got != 1 {
		t.Errorf("accepted connections = %v, want 1", got)
	}
}

func nextPush(t *testing.T, c *examftp.Client) wire.Push {
	t.Helper()
	select {
	case p, ok := <-c.Pushes():
		if !ok {
			t.Fatal("pushes channel closed")
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no push received")
	}
	return wire.Push{}
}

func TestServer_ClientProgressAndBandwidth(t *testing.T) {
	t.Parallel()
	env := startServer(t, WithBandwidthLimit(1<<20, 4<<20))

	var mu sync.Mutex
	var last examftp.Progress
	c := env.dial(t, examftp.WithProgress(func(p examftp.Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	}), examftp.WithBandwidthLimit(1<<20))
	fatalIfErr(t, c.Login("101", "pw101"), "Login")
	fatalIfErr(t, env.srv.StartExam(30), "StartExam")

	_, err := c.Retrieve("soru1.pdf")
	fatalIfErr(t, err, "Retrieve")

	mu.Lock()
	defer mu.Unlock()
	if last.Name != "soru1.pdf" || last.Upload || last.Transferred != 12 || last.Total != 12 || last.Percent() != 100 {
		t.Errorf("last progress = %+v", last)
	}
}
