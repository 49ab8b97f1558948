package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gonzalop/examftp"
	"github.com/gonzalop/examftp/internal/wire"
)

var (
	infoColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

// warnAt are the remaining-time marks, in seconds, that print a warning.
var warnAt = []int{300, 60}

func newWatchCmd(o *globalOptions) *cobra.Command {
	var dir string
	var noDownload bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected for the exam: show announcements and the clock, download questions, submit answers",
		Long: `watch logs in and keeps the session open for the whole exam.

When the proctor starts the exam every question file is downloaded into
--dir. Commands are read from stdin:

  list            list the question files
  get <name>      download one question file into --dir
  put <path>      submit an answer file
  time            show the remaining time
  quit            disconnect

Lost connections are retried using client.reconnect_attempts and
client.reconnect_delay from the configuration file. The session ends when
the server announces it is shutting down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := newWatcher(o, cmd.OutOrStdout(), dir)
			w.autoDownload = !noDownload
			return w.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory question files are saved to")
	cmd.Flags().BoolVar(&noDownload, "no-download", false, "do not download the questions when the exam starts")
	return cmd
}

// watcher is one student's exam session, surviving reconnects.
type watcher struct {
	o            *globalOptions
	dir          string
	autoDownload bool

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	client   *examftp.Client
	started  bool
	deadline time.Time
	warned   map[int]bool

	now func() time.Time
}

func newWatcher(o *globalOptions, out io.Writer, dir string) *watcher {
	return &watcher{
		o:      o,
		dir:    dir,
		out:    out,
		warned: make(map[int]bool),
		now:    time.Now,
	}
}

func (w *watcher) printf(col *color.Color, format string, args ...any) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	col.Fprintf(w.out, format, args...)
}

func (w *watcher) progress(p examftp.Progress) {
	verb := "downloading"
	if p.Upload {
		verb = "uploading"
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if pct := p.Percent(); pct >= 0 {
		fmt.Fprintf(w.out, "\r%s %s: %5.1f%%", verb, p.Name, pct)
	} else {
		fmt.Fprintf(w.out, "\r%s %s: %d bytes", verb, p.Name, p.Transferred)
	}
	if p.Total > 0 && p.Transferred >= p.Total {
		fmt.Fprintln(w.out)
	}
}

func (w *watcher) connect() error {
	c, err := w.o.connect(examftp.WithProgress(w.progress))
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.client = c
	w.mu.Unlock()
	w.printf(okColor, "Connected to %s as %s.\n", w.o.addr, w.o.id)
	return nil
}

func (w *watcher) current() *examftp.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// reconnect redials until it succeeds, attempts run out, or the server
// rejects the credentials.
func (w *watcher) reconnect(ctx context.Context) error {
	attempts := w.o.client.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := time.Duration(w.o.client.ReconnectDelay) * time.Second

	var err error
	for i := 1; i <= attempts; i++ {
		w.printf(warnColor, "Connection lost, reconnecting (%d/%d)...\n", i, attempts)
		if err = w.connect(); err == nil {
			return nil
		}
		if errors.Is(err, examftp.ErrBadCredentials) {
			break
		}
		if i < attempts {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
	return explain(err)
}

// run drives the session until quit, shutdown push, ctx cancellation, or
// reconnect failure.
func (w *watcher) run(ctx context.Context, in io.Reader) error {
	if err := w.connect(); err != nil {
		return explain(err)
	}

	cmds := make(chan string)
	go func() {
		defer close(cmds)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case cmds <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		c := w.current()
		select {
		case <-ctx.Done():
			c.Quit()
			return nil

		case p, ok := <-c.Pushes():
			if !ok {
				c.Close()
				if err := w.reconnect(ctx); err != nil {
					return err
				}
				continue
			}
			if w.handlePush(p) {
				c.Close()
				return nil
			}

		case line, ok := <-cmds:
			if !ok {
				// stdin closed; keep following pushes.
				cmds = nil
				continue
			}
			if !w.exec(c, line) {
				c.Quit()
				return nil
			}

		case <-tick.C:
			w.checkWarnings()
		}
	}
}

// handlePush reacts to one server push. It reports true when the session
// must end.
func (w *watcher) handlePush(p wire.Push) bool {
	switch p.Kind {
	case wire.PushMessage:
		w.printf(infoColor, "ANNOUNCEMENT: %s\n", p.Text)

	case wire.PushTimeSeconds, wire.PushSync:
		w.mu.Lock()
		first := !w.started
		w.started = true
		w.deadline = w.now().Add(time.Duration(p.Seconds) * time.Second)
		for _, mark := range warnAt {
			if p.Seconds > mark {
				w.warned[mark] = false
			}
		}
		w.mu.Unlock()

		if first {
			w.printf(okColor, "Exam started: %s remaining.\n", formatRemaining(p.Seconds))
			if w.autoDownload {
				w.downloadAll(w.current())
			}
		} else if p.Kind == wire.PushTimeSeconds {
			w.printf(infoColor, "Exam time set to %s.\n", formatRemaining(p.Seconds))
		}

	case wire.PushTimeUp:
		w.mu.Lock()
		w.started = false
		w.deadline = time.Time{}
		w.mu.Unlock()
		w.printf(errColor, "TIME UP. Submissions are closed.\n")

	case wire.PushShutdown:
		w.printf(errColor, "The server is shutting down. Contact your proctor.\n")
		return true
	}
	return false
}

// remaining returns the seconds left on the local clock and whether an exam
// is running.
func (w *watcher) remaining() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return 0, false
	}
	left := int(w.deadline.Sub(w.now()).Round(time.Second) / time.Second)
	return max(left, 0), true
}

func (w *watcher) checkWarnings() {
	left, running := w.remaining()
	if !running {
		return
	}
	for _, mark := range warnAt {
		w.mu.Lock()
		fire := left <= mark && !w.warned[mark]
		if fire {
			w.warned[mark] = true
		}
		w.mu.Unlock()
		if fire {
			w.printf(warnColor, "%s left! Submit your answers.\n", formatRemaining(left))
			return
		}
	}
}

// exec runs one interactive command. It reports false on quit.
func (w *watcher) exec(c *examftp.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	switch strings.ToLower(fields[0]) {
	case "list", "ls":
		names, err := c.List()
		if err != nil {
			w.printf(errColor, "list: %v\n", explain(err))
			return true
		}
		w.outMu.Lock()
		printNames(w.out, names)
		w.outMu.Unlock()

	case "get":
		if arg == "" {
			w.printf(errColor, "usage: get <name>\n")
			return true
		}
		if err := w.download(c, arg); err != nil {
			w.printf(errColor, "get %s: %v\n", arg, explain(err))
		}

	case "put":
		if arg == "" {
			w.printf(errColor, "usage: put <path>\n")
			return true
		}
		if err := c.StoreFile(arg); err != nil {
			w.printf(errColor, "put %s: %v\n", arg, explain(err))
			return true
		}
		w.printf(okColor, "Submitted %s.\n", filepath.Base(arg))

	case "time":
		if left, running := w.remaining(); running {
			w.printf(infoColor, "%s remaining.\n", formatRemaining(left))
		} else {
			w.printf(infoColor, "The exam is not running.\n")
		}

	case "help", "?":
		w.printf(color.New(color.Reset), "Commands: list, get <name>, put <path>, time, quit\n")

	case "quit", "exit":
		return false

	default:
		w.printf(errColor, "unknown command %q (try 'help')\n", fields[0])
	}
	return true
}

func (w *watcher) download(c *examftp.Client, name string) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	data, err := c.Retrieve(name)
	if err != nil {
		return err
	}
	path := filepath.Join(w.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	w.printf(okColor, "Saved %s.\n", path)
	return nil
}

func (w *watcher) downloadAll(c *examftp.Client) {
	names, err := c.List()
	if err != nil {
		w.printf(errColor, "list: %v\n", explain(err))
		return
	}
	for _, name := range names {
		if err := w.download(c, name); err != nil {
			w.printf(errColor, "get %s: %v\n", name, explain(err))
		}
	}
}

func formatRemaining(seconds int) string {
	m, s := seconds/60, seconds%60
	if m >= 60 {
		return fmt.Sprintf("%d:%02d:%02d", m/60, m%60, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
