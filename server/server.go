package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/examftp/internal/ratelimit"
	"github.com/gonzalop/examftp/internal/wire"
)

// ShutdownMessage is pushed to every session before the server closes.
const ShutdownMessage = "Sunucu kapatiliyor. Lutfen calismanizi kaydedin!"

// Server is the exam control server.
//
// It accepts control connections, runs one session per connection and owns
// the process-wide credential guard and exam clock. Each connection runs in
// its own goroutine.
//
// Lifecycle:
//  1. Create the server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Drive the exam through StartExam, ExtendExam and UnlockEntries
//  4. Call Shutdown to notify students and close every connection
//
// Basic example:
//
//	students, _ := server.LoadStudentFile("students.txt", nil)
//	answers, _ := server.NewAnswerStore("Cevaplar")
//	questions, _ := server.NewQuestionDir("Sorular")
//	s, err := server.NewServer(":2121",
//	    server.WithAuthenticator(students),
//	    server.WithSubmissionStore(answers),
//	    server.WithQuestionBank(questions),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr string

	auth      Authenticator
	store     SubmissionStore
	questions QuestionBank
	observer  Observer
	metrics   MetricsCollector
	logger    *slog.Logger

	// maxIdleTime is the control read timeout. Defaults to 5 minutes.
	maxIdleTime time.Duration

	// maxConnections caps simultaneous control connections; 0 is unlimited.
	maxConnections int

	// Data channel settings. A 0/0 range lets the OS pick ports.
	dataPortMin  int
	dataPortMax  int
	bindAttempts int
	dataBindHost string
	publicHost   string
	dataTimeout  time.Duration

	maxFileSize int64
	bufferSize  int

	bandwidthPerTransfer int64
	globalLimiter        *ratelimit.Limiter

	examTick       time.Duration
	syncInterval   int
	pendingTimeout time.Duration

	guard *Guard
	exam  *ExamController

	events     chan Event
	eventsDone chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once

	activeConns        atomic.Int32
	dataChannelsOpened atomic.Int64
	uploads            atomic.Int64
	downloads          atomic.Int64
	bytesReceived      atomic.Int64
	bytesSent          atomic.Int64

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	inShutdown atomic.Bool
}

// Stats are cumulative counters since the server was created.
type Stats struct {
	ActiveConnections  int
	LoggedIn           int
	DataChannelsOpened int64
	Uploads            int64
	Downloads          int64
	BytesReceived      int64
	BytesSent          int64
}

// NewServer creates a server listening on addr once started.
// WithAuthenticator is required.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - MaxConnections: 50
//   - Data ports: random in [49152, 65535], 10 bind attempts
//   - Data accept timeout: 30 seconds
//   - Max file size: 50 MiB
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		maxIdleTime:    5 * time.Minute,
		maxConnections: 50,
		dataPortMin:    49152,
		dataPortMax:    65535,
		bindAttempts:   10,
		dataTimeout:    30 * time.Second,
		maxFileSize:    50 * 1024 * 1024,
		bufferSize:     64 * 1024,
		examTick:       time.Second,
		syncInterval:   30,
		sessions:       make(map[*session]struct{}),
		quit:           make(chan struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.auth == nil {
		return nil, fmt.Errorf("authenticator is required (use WithAuthenticator option)")
	}
	if s.dataPortMin != 0 || s.dataPortMax != 0 {
		if s.dataPortMin <= 0 || s.dataPortMax > 65535 || s.dataPortMin > s.dataPortMax {
			return nil, fmt.Errorf("invalid data port range [%d, %d]", s.dataPortMin, s.dataPortMax)
		}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		s.dataBindHost = host
	}

	s.guard = NewGuard(s.pendingTimeout)
	s.exam = newExamController(BroadcasterFunc(s.pushAll), s.logger, s.examTick, s.syncInterval)
	s.exam.onEvent = s.emit

	if s.observer != nil {
		s.events = make(chan Event, 256)
		s.eventsDone = make(chan struct{})
		go s.dispatchEvents()
	}
	return s, nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("exam server listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts control connections on l until l is closed or Shutdown is
// called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// Addr returns the listener address once Serve is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(conn net.Conn) {
	ip := remoteIP(conn)

	// Reserve the slot first so simultaneous connects cannot overshoot.
	if n := s.activeConns.Add(1); s.maxConnections > 0 && n > int32(s.maxConnections) {
		s.activeConns.Add(-1)
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", "global_limit_reached",
			"limit", s.maxConnections,
		)
		if s.metrics != nil {
			s.metrics.RecordConnection(false, "global_limit_reached")
		}
		fmt.Fprint(conn, wire.FormatReply(wire.CodeTooManyUsers, "Too many users, sorry."))
		conn.Close()
		return
	}

	defer s.activeConns.Add(-1)

	sess := newSession(s, conn)
	if !s.trackSession(sess, true) {
		conn.Close()
		return
	}
	defer s.trackSession(sess, false)

	if s.metrics != nil {
		s.metrics.RecordConnection(true, "accepted")
	}
	sess.serve()
}

// trackSession returns false if the server is shutting down.
func (s *Server) trackSession(sess *session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.sessions[sess] = struct{}{}
		return true
	}
	delete(s.sessions, sess)
	return true
}

// Shutdown tells every logged-in student the server is going away, then
// closes the listener and all control connections.
func (s *Server) Shutdown() error {
	if s.inShutdown.Swap(true) {
		return nil
	}

	_ = s.pushAll(wire.Message(ShutdownMessage))
	_ = s.pushAll(wire.Shutdown())

	s.exam.Stop()

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	sessions := s.sessions
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for sess := range sessions {
		sess.Disconnect()
	}

	s.quitOnce.Do(func() { close(s.quit) })
	if s.eventsDone != nil {
		<-s.eventsDone
	}
	s.logger.Info("exam server stopped")
	return err
}

// StartExam starts (or restarts) the exam clock. Logins and transfers are
// refused until the clock expires or UnlockEntries is called.
func (s *Server) StartExam(minutes int) error {
	return s.exam.Start(minutes)
}

// ExtendExam adds minutes to the running exam.
func (s *Server) ExtendExam(minutes int) error {
	return s.exam.Extend(minutes)
}

// UnlockEntries stops the exam clock without sending TIME_UP.
func (s *Server) UnlockEntries() {
	s.exam.Unlock()
}

// Broadcast sends a proctor message to every logged-in student.
func (s *Server) Broadcast(text string) error {
	s.logger.Info("broadcast", "text", text)
	s.emit(Event{Kind: EventBroadcast, Time: time.Now(), Reason: text})
	return s.pushAll(wire.Message(text))
}

// Students returns the logged-in students ordered by identity.
func (s *Server) Students() []Identity {
	return s.guard.Snapshot()
}

func (s *Server) ExamStatus() ExamStatus {
	return s.exam.Status()
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections:  int(s.activeConns.Load()),
		LoggedIn:           s.guard.Len(),
		DataChannelsOpened: s.dataChannelsOpened.Load(),
		Uploads:            s.uploads.Load(),
		Downloads:          s.downloads.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
	}
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(line string) error

func (f BroadcasterFunc) Broadcast(line string) error { return f(line) }

// pushAll writes line to every logged-in session. A failing session does not
// stop delivery to the rest; all failures are returned together.
func (s *Server) pushAll(line string) error {
	var result *multierror.Error
	delivered := 0
	for _, h := range s.guard.Handles() {
		if err := h.Notify(line); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		delivered++
	}

	if s.metrics != nil {
		kind := "UNKNOWN"
		if p, err := wire.ParsePush(line); err == nil {
			kind = p.Kind.String()
		}
		s.metrics.RecordPush(kind, delivered, len(result.WrappedErrors()))
	}
	return result.ErrorOrNil()
}

// emit queues an event for the observer, dropping it when the queue is full.
func (s *Server) emit(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("observer_queue_full", "event", e.Kind.String())
	}
}

func (s *Server) dispatchEvents() {
	defer close(s.eventsDone)
	for {
		select {
		case e := <-s.events:
			s.observer.Notify(e)
		case <-s.quit:
			for {
				select {
				case e := <-s.events:
					s.observer.Notify(e)
				default:
					return
				}
			}
		}
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
