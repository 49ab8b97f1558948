package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/examftp"
	"github.com/gonzalop/examftp/internal/config"
	"github.com/gonzalop/examftp/internal/wire"
	"github.com/gonzalop/examftp/server"
)

func init() {
	color.NoColor = true
}

// syncBuffer is a bytes.Buffer safe for the watcher and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type examServer struct {
	srv     *server.Server
	addr    string
	answers string
}

func startExamServer(t *testing.T) *examServer {
	t.Helper()
	questions, answers := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(questions, "soru1.pdf"), []byte("question one"), 0o644))

	store, err := server.NewAnswerStore(answers, server.WithStoreLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bank, err := server.NewQuestionDir(questions)
	require.NoError(t, err)
	t.Cleanup(func() { bank.Close() })

	students := server.AuthenticatorFunc(func(id, secret string) (string, bool, error) {
		return "Student " + id, secret == "pw"+id, nil
	})
	srv, err := server.NewServer("127.0.0.1:0",
		server.WithAuthenticator(students),
		server.WithSubmissionStore(store),
		server.WithQuestionBank(bank),
		server.WithLogger(slog.New(slog.DiscardHandler)),
		server.WithDataPortRange(0, 0),
		server.WithDataTimeout(5*time.Second),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &examServer{srv: srv, addr: ln.Addr().String(), answers: answers}
}

func testOptions(addr, id, password string) *globalOptions {
	return &globalOptions{
		id:       id,
		password: password,
		timeout:  5 * time.Second,
		addr:     addr,
		client:   config.ClientConfig{ReconnectAttempts: 1},
		logger:   slog.New(slog.DiscardHandler),
	}
}

func TestWatch_ExamSession(t *testing.T) {
	env := startExamServer(t)

	answer := filepath.Join(t.TempDir(), "cevap.txt")
	require.NoError(t, os.WriteFile(answer, []byte("my answers"), 0o644))
	dir := filepath.Join(t.TempDir(), "questions")

	out := &syncBuffer{}
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	w := newWatcher(testOptions(env.addr, "101", "pw101"), out, dir)
	w.autoDownload = true
	errc := make(chan error, 1)
	go func() { errc <- w.run(t.Context(), pr) }()

	require.Eventually(t, func() bool { return len(env.srv.Students()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.srv.StartExam(1))

	// Questions are fetched as soon as the exam starts.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "soru1.pdf"))
		return err == nil && string(data) == "question one"
	}, 5*time.Second, 10*time.Millisecond)

	fmt.Fprintf(pw, "put %s\n", answer)
	require.Eventually(t, func() bool {
		m, _ := filepath.Glob(filepath.Join(env.answers, "101_*_cevap.txt"))
		return len(m) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.srv.Broadcast("Son 10 dakika"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ANNOUNCEMENT: Son 10 dakika")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.srv.Shutdown())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after server shutdown")
	}

	s := out.String()
	assert.Contains(t, s, "Exam started: 01:00 remaining.")
	assert.Contains(t, s, "Submitted cevap.txt.")
	assert.Contains(t, s, "server is shutting down")
}

func TestWatch_BadCredentials(t *testing.T) {
	env := startExamServer(t)

	w := newWatcher(testOptions(env.addr, "101", "wrong"), &syncBuffer{}, t.TempDir())
	err := w.run(t.Context(), strings.NewReader(""))
	assert.True(t, errors.Is(err, examftp.ErrBadCredentials), "err = %v", err)
}

func TestWatch_LoginRefusedDuringExam(t *testing.T) {
	env := startExamServer(t)
	require.NoError(t, env.srv.StartExam(5))

	w := newWatcher(testOptions(env.addr, "102", "pw102"), &syncBuffer{}, t.TempDir())
	err := w.run(t.Context(), strings.NewReader(""))
	require.ErrorIs(t, err, examftp.ErrLoginClosed)
	assert.Contains(t, err.Error(), "ask the proctor")
}

func TestWatcher_Clock(t *testing.T) {
	out := &syncBuffer{}
	w := newWatcher(testOptions("", "101", ""), out, t.TempDir())
	w.autoDownload = false
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	_, running := w.remaining()
	assert.False(t, running)

	assert.False(t, w.handlePush(wire.Push{Kind: wire.PushTimeSeconds, Seconds: 400}))
	left, running := w.remaining()
	assert.True(t, running)
	assert.Equal(t, 400, left)

	now = now.Add(110 * time.Second)
	w.checkWarnings()
	assert.Contains(t, out.String(), "04:50 left!")

	// A sync resets the clock; the five minute mark is not repeated.
	assert.False(t, w.handlePush(wire.Push{Kind: wire.PushSync, Seconds: 250}))
	w.checkWarnings()
	assert.Equal(t, 1, strings.Count(out.String(), "left!"))

	now = now.Add(200 * time.Second)
	w.checkWarnings()
	assert.Contains(t, out.String(), "00:50 left!")

	assert.False(t, w.handlePush(wire.Push{Kind: wire.PushTimeUp}))
	_, running = w.remaining()
	assert.False(t, running)
	assert.Contains(t, out.String(), "TIME UP")

	assert.True(t, w.handlePush(wire.Push{Kind: wire.PushShutdown}))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "00:00", formatRemaining(0))
	assert.Equal(t, "02:05", formatRemaining(125))
	assert.Equal(t, "1:00:01", formatRemaining(3601))
}

func TestRootCmd_RequiresID(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"list"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.ErrorContains(t, cmd.Execute(), "--id is required")
}
