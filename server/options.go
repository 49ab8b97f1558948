package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gonzalop/examftp/internal/ratelimit"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithAuthenticator sets the credential check used by PASS.
// This option is required and can only be set once.
//
// Example:
//
//	students, _ := server.LoadStudentFile("students.txt", logger)
//	s, _ := server.NewServer(":2121", server.WithAuthenticator(students))
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) error {
		if s.auth != nil {
			return fmt.Errorf("authenticator already set")
		}
		s.auth = auth
		return nil
	}
}

// WithSubmissionStore sets where uploaded answers go. Without one, STOR
// fails with "550 Dosya kaydetme hatasi".
func WithSubmissionStore(store SubmissionStore) Option {
	return func(s *Server) error {
		s.store = store
		return nil
	}
}

// WithQuestionBank sets the source of LIST and RETR. Without one, LIST
// fails and every RETR is "File not found.".
func WithQuestionBank(bank QuestionBank) Option {
	return func(s *Server) error {
		s.questions = bank
		return nil
	}
}

// WithObserver registers a receiver for connection, delivery and exam
// events. Events are queued and delivered from one goroutine.
func WithObserver(o Observer) Option {
	return func(s *Server) error {
		s.observer = o
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":2121",
//	    server.WithAuthenticator(students),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets how long a control connection may stay silent before
// it is closed. Defaults to 5 minutes. Clients keep the connection open
// with PING.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous control
// connections. 0 means no limit; the default is 50.
//
// When the limit is reached, new connections receive "421 Too many users,
// sorry." and are closed.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		if max < 0 {
			return fmt.Errorf("max connections must not be negative")
		}
		s.maxConnections = max
		return nil
	}
}

// WithDataPortRange sets the inclusive range data channels bind in.
// 0, 0 lets the OS assign ports.
//
// Example:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithAuthenticator(students),
//	    server.WithDataPortRange(50000, 50100),
//	)
func WithDataPortRange(min, max int) Option {
	return func(s *Server) error {
		s.dataPortMin = min
		s.dataPortMax = max
		return nil
	}
}

// WithBindAttempts sets how many random ports are tried before a data
// channel allocation fails. Defaults to 10.
func WithBindAttempts(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("bind attempts must be positive")
		}
		s.bindAttempts = n
		return nil
	}
}

// WithDataTimeout sets how long the server waits for the client to connect
// to a data channel, and the floor of the per-chunk transfer deadline.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataTimeout = d
		return nil
	}
}

// WithPublicHost sets the IPv4 address announced in 227 replies. By default
// the control connection's local address is used.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithMaxFileSize sets the upload ceiling in bytes. Defaults to 50 MiB.
func WithMaxFileSize(n int64) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("max file size must be positive")
		}
		s.maxFileSize = n
		return nil
	}
}

// WithBufferSize sets the data-channel chunk size. Values below 64 KiB are
// raised to 64 KiB.
func WithBufferSize(n int) Option {
	return func(s *Server) error {
		s.bufferSize = n
		return nil
	}
}

// WithMetricsCollector sets the metrics collector.
//
// Example:
//
//	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
//	s, _ := server.NewServer(":2121",
//	    server.WithAuthenticator(students),
//	    server.WithMetricsCollector(collector),
//	)
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithBandwidthLimit limits data-channel throughput in bytes per second.
// perTransfer applies to each transfer on its own, global to the sum of all
// transfers. 0 disables either limit.
func WithBandwidthLimit(perTransfer, global int64) Option {
	return func(s *Server) error {
		s.bandwidthPerTransfer = perTransfer
		s.globalLimiter = ratelimit.New(global)
		return nil
	}
}

// WithExamTick sets the exam clock resolution. Only tests change it.
func WithExamTick(d time.Duration) Option {
	return func(s *Server) error {
		s.examTick = d
		return nil
	}
}

// WithSyncInterval sets how often, in remaining seconds, SYNC is pushed
// during a countdown. Defaults to 30.
func WithSyncInterval(seconds int) Option {
	return func(s *Server) error {
		if seconds <= 0 {
			return fmt.Errorf("sync interval must be positive")
		}
		s.syncInterval = seconds
		return nil
	}
}

// WithPendingLoginTimeout sets how long a USER without PASS reserves an
// identity. Defaults to 30 seconds.
func WithPendingLoginTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.pendingTimeout = d
		return nil
	}
}
