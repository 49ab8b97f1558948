package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/examftp/internal/wire"
)

// Greeting is the 220 text sent on every new control connection.
const Greeting = "Sinav Sunucusu Hazir."

// notifyTimeout bounds a push to one session so a stalled peer cannot hold
// up a broadcast.
const notifyTimeout = 5 * time.Second

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAwaitingPassword
	stateAuthenticated
	stateTerminated
)

func (st sessionState) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAwaitingPassword:
		return "awaiting_password"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "terminated"
	}
}

// session is one student's control connection.
type session struct {
	server *Server
	conn   net.Conn
	reader *wire.LineReader

	// wmu serializes writes: replies come from the session goroutine, pushes
	// from broadcasters.
	wmu    sync.Mutex
	closed atomic.Bool

	sessionID string
	remoteIP  string

	// Owned by the session goroutine.
	state       sessionState
	pendingID   string
	identity    string
	displayName string
	pasv        *dataChannel
	lastCode    int

	cmdReqChan chan struct{}
	closeOnce  sync.Once
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:     server,
		conn:       conn,
		reader:     wire.NewLineReader(wire.StripTelnet(conn)),
		sessionID:  uuid.NewString(),
		remoteIP:   remoteIP(conn),
		cmdReqChan: make(chan struct{}),
	}
}

type command struct {
	line string
	err  error
}

// serve runs the session until the peer leaves, QUIT, or a terminating
// reply. A reader goroutine feeds lines one at a time: it waits on
// cmdReqChan before reading the next line, so handlers own the connection
// while they run (STOR and RETR write READY between replies).
func (s *session) serve() {
	defer s.close()

	s.reply(wire.CodeGreeting, Greeting)

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			if errors.Is(cmd.err, wire.ErrLineTooLong) {
				// The reader has skipped past the line; carry on with the next.
				s.reply(wire.CodeUnknownCommand, "Command line too long.")
				if s.closed.Load() {
					return
				}
				s.requestNext()
				continue
			}
			switch {
			case errors.Is(cmd.err, os.ErrDeadlineExceeded):
				s.server.logger.Info("session_idle_timeout",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"identity", s.identity,
				)
			case errors.Is(cmd.err, io.EOF), s.closed.Load():
			default:
				s.server.logger.Warn("read error",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"identity", s.identity,
					"error", cmd.err,
				)
			}
			return
		}

		if s.handleCommand(cmd.line) || s.closed.Load() {
			return
		}
		s.requestNext()
	}
}

// requestNext lets the reader goroutine read the next line.
func (s *session) requestNext() {
	select {
	case s.cmdReqChan <- struct{}{}:
	case <-time.After(1 * time.Second):
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			if s.server.maxIdleTime > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.reader.ReadLine()
			if err != nil {
				// The peer is gone (or the line was unusable); let the
				// liveness probe see it before the session loop does.
				if !errors.Is(err, wire.ErrLineTooLong) {
					s.closed.Store(true)
				}
				if errors.Is(err, io.EOF) && line != "" {
					select {
					case cmdChan <- command{line: line}:
					case <-done:
						return
					}
					select {
					case <-s.cmdReqChan:
					case <-done:
						return
					}
				}
			}

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil && !errors.Is(err, wire.ErrLineTooLong) {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// handleCommand parses and dispatches one line. It reports whether the
// session must end.
func (s *session) handleCommand(line string) bool {
	if wire.IsPush(line) {
		// Clients have no business sending pushes; ignore them.
		return false
	}

	cmd, err := wire.ParseCommand(line)
	if errors.Is(err, wire.ErrEmptyLine) {
		return false
	}

	logArg := cmd.Arg
	if cmd.Kind == wire.KindPass {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"identity", s.identity,
		"cmd", cmd.Keyword,
		"arg", logArg,
	)

	start := time.Now()
	s.lastCode = 0
	terminate := s.dispatch(cmd)

	if s.server.metrics != nil && cmd.Kind != wire.KindUnknown {
		success := cmd.Kind == wire.KindPing || (s.lastCode > 0 && s.lastCode < 400)
		s.server.metrics.RecordCommand(cmd.Kind.String(), success, time.Since(start))
	}
	return terminate
}

func (s *session) dispatch(cmd wire.Command) bool {
	switch cmd.Kind {
	case wire.KindUser:
		return s.handleUSER(cmd.Arg)
	case wire.KindPass:
		return s.handlePASS(cmd.Arg)
	case wire.KindQuit:
		s.reply(wire.CodeGoodbye, "Goodbye.")
		return true
	case wire.KindPing:
		s.handlePING()
	case wire.KindPasv:
		s.handlePASV()
	case wire.KindList:
		s.handleLIST()
	case wire.KindStor:
		s.handleSTOR(cmd)
	case wire.KindRetr:
		s.handleRETR(cmd.Arg)
	default:
		s.reply(wire.CodeUnknownCommand, "Unknown command.")
	}
	return false
}

func (s *session) handlePING() {
	if s.identity != "" {
		s.server.guard.Touch(s.identity, s)
	}
	_ = s.writeLine(wire.Pong + "\n")
}

// requireLogin replies 530 unless the session is authenticated.
func (s *session) requireLogin() bool {
	if s.state == stateAuthenticated {
		return true
	}
	s.reply(wire.CodeNotLoggedIn, "Please login with USER and PASS.")
	return false
}

// reply sends a status line to the client.
func (s *session) reply(code int, message string) {
	s.lastCode = code
	_ = s.writeLine(wire.FormatReply(code, message))
}

// writeLine writes one complete line under the write lock. A failed write
// marks the session closed.
func (s *session) writeLine(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
	_, err := io.WriteString(s.conn, line)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: write to %s: %w", ErrNetwork, s.remoteIP, err)
	}
	return nil
}

// Alive implements Handle.
func (s *session) Alive() bool {
	return !s.closed.Load() && peerAlive(s.conn)
}

// Disconnect implements Handle.
func (s *session) Disconnect() {
	s.closed.Store(true)
	s.conn.Close()
}

// Notify implements Handle.
func (s *session) Notify(line string) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session %s closed", ErrNetwork, s.sessionID)
	}
	return s.writeLine(line)
}

// close releases everything the session holds. The identity is only
// released if this session still holds it.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.state = stateTerminated
		s.conn.Close()

		if s.pasv != nil {
			s.pasv.close()
			s.pasv = nil
		}
		if s.pendingID != "" {
			s.server.guard.AbandonLogin(s.pendingID, s)
		}
		if s.identity != "" {
			if ident, ok := s.server.guard.Release(s.identity, s); ok {
				s.server.logger.Info("student_disconnected",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"identity", s.identity,
				)
				s.server.emit(Event{
					Kind:        EventDisconnected,
					Time:        time.Now(),
					Identity:    ident.ID,
					DisplayName: ident.DisplayName,
					RemoteIP:    ident.RemoteIP,
					File:        ident.LastFile,
				})
			}
		}

		s.server.logger.Debug("session closed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"identity", s.identity,
		)
	})
}
