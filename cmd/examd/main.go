package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/examftp/internal/config"
	"github.com/gonzalop/examftp/internal/metrics"
	"github.com/gonzalop/examftp/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examd",
		Short:        "Exam file server: hands out questions and collects answers",
		Version:      version,
		SilenceUsage: true,
	}

	serveCmd := newServeCmd()
	root.AddCommand(serveCmd)
	root.AddCommand(newCheckConfigCmd())

	// Bare "examd" serves.
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())

	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		noConsole  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the exam server with an interactive proctor console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := applyOverrides(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, !noConsole)
		},
	}

	def := config.Default()
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML or JSON configuration file")
	cmd.Flags().String("host", def.Server.Host, "control channel listen host")
	cmd.Flags().IntP("port", "p", def.Server.Port, "control channel listen port")
	cmd.Flags().String("students", def.Paths.StudentsFile, "student credential file (no:password:name per line)")
	cmd.Flags().String("questions", def.Paths.QuestionsDir, "directory of question files")
	cmd.Flags().String("answers", def.Paths.AnswersDir, "directory answers are written to")
	cmd.Flags().String("metrics-addr", "", "address for the Prometheus metrics endpoint (empty = disabled)")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read proctor commands from stdin")

	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <path>",
		Short: "Validate a configuration file and print the effective settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listen:     %s\n", cfg.Server.Addr())
			fmt.Fprintf(cmd.OutOrStdout(), "data ports: %d-%d\n", cfg.Server.DataPortMin, cfg.Server.DataPortMax)
			fmt.Fprintf(cmd.OutOrStdout(), "students:   %s\n", cfg.Paths.StudentsFile)
			fmt.Fprintf(cmd.OutOrStdout(), "questions:  %s\n", cfg.Paths.QuestionsDir)
			fmt.Fprintf(cmd.OutOrStdout(), "answers:    %s\n", cfg.Paths.AnswersDir)
			return nil
		},
	}
}

// applyOverrides copies flags the user set explicitly over the file values.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	strs := []struct {
		name string
		dst  *string
	}{
		{"host", &cfg.Server.Host},
		{"students", &cfg.Paths.StudentsFile},
		{"questions", &cfg.Paths.QuestionsDir},
		{"answers", &cfg.Paths.AnswersDir},
		{"metrics-addr", &cfg.Metrics.Addr},
		{"log-level", &cfg.Logging.Level},
	}
	for _, o := range strs {
		if !flags.Changed(o.name) {
			continue
		}
		v, err := flags.GetString(o.name)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	if flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return err
		}
		cfg.Server.Port = port
	}
	return nil
}

// newLogger builds the process logger from the logging section. The returned
// closer releases the log file, if any.
func newLogger(lc config.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}

	w := stderr
	var closer io.Closer = io.NopCloser(nil)
	if lc.File != "" {
		file, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(stderr, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

func runServe(ctx context.Context, cfg config.Config, withConsole bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, logCloser, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	students, err := server.LoadStudentFile(cfg.Paths.StudentsFile, logger)
	if err != nil {
		return err
	}
	answers, err := server.NewAnswerStore(cfg.Paths.AnswersDir, server.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	defer answers.Close()
	questions, err := server.NewQuestionDir(cfg.Paths.QuestionsDir)
	if err != nil {
		return err
	}
	defer questions.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := newConsole(os.Stdout, students, cfg.Exam.DefaultDurationMinutes, stop)
	logObserver := server.LogObserver{Logger: logger}

	srv, err := server.NewServer(cfg.Server.Addr(),
		server.WithAuthenticator(students),
		server.WithSubmissionStore(answers),
		server.WithQuestionBank(questions),
		server.WithObserver(server.ObserverFunc(func(e server.Event) {
			logObserver.Notify(e)
			con.event(e)
		})),
		server.WithLogger(logger),
		server.WithMetricsCollector(collector),
		server.WithMaxIdleTime(cfg.Server.IdleTimeout()),
		server.WithMaxConnections(cfg.Server.MaxConnections),
		server.WithDataPortRange(cfg.Server.DataPortMin, cfg.Server.DataPortMax),
		server.WithBindAttempts(cfg.Server.BindAttempts),
		server.WithDataTimeout(cfg.Server.DataAcceptTimeout()),
		server.WithPublicHost(cfg.Server.PublicHost),
		server.WithMaxFileSize(cfg.Server.MaxFileSize()),
		server.WithBufferSize(cfg.Server.BufferSize),
		server.WithBandwidthLimit(int64(cfg.Server.BandwidthLimitKB)*1024, 0),
		server.WithSyncInterval(cfg.Exam.SyncIntervalSeconds),
	)
	if err != nil {
		return err
	}
	con.srv = srv

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	// SIGHUP reloads the student file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := students.Reload(); err != nil {
					logger.Error("student_reload_failed", "error", err)
				}
			case <-gctx.Done():
				return
			}
		}
	}()

	if withConsole {
		// The console goroutine is not part of the group: a read from stdin
		// cannot be interrupted, and the process exits after Wait anyway.
		go con.run(gctx, os.Stdin)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		err := srv.Shutdown()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return err
	})

	return g.Wait()
}
