package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/gonzalop/examftp/server"
)

// proctor is the part of *server.Server the console drives.
type proctor interface {
	StartExam(minutes int) error
	ExtendExam(minutes int) error
	UnlockEntries()
	Broadcast(text string) error
	Students() []server.Identity
	ExamStatus() server.ExamStatus
	Stats() server.Stats
}

type reloader interface {
	Reload() error
	Len() int
}

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
	eventColor = color.New(color.FgCyan)
)

// console reads proctor commands line by line and prints server events.
type console struct {
	mu             sync.Mutex // serializes writes to out
	out            io.Writer
	srv            proctor
	students       reloader
	defaultMinutes int
	quit           func()
}

func newConsole(out io.Writer, students reloader, defaultMinutes int, quit func()) *console {
	if defaultMinutes <= 0 {
		defaultMinutes = 60
	}
	return &console{
		out:            out,
		students:       students,
		defaultMinutes: defaultMinutes,
		quit:           quit,
	}
}

func (c *console) printf(col *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col.Fprintf(c.out, format, args...)
}

// run processes commands from in until EOF, "quit", or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) {
	c.printf(okColor, "Proctor console ready. Type 'help' for commands.\n")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !c.exec(scanner.Text()) {
			return
		}
	}
}

// exec runs one command line. It reports false when the console should stop.
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start":
		minutes := c.defaultMinutes
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				c.printf(errColor, "start: invalid duration %q\n", args[0])
				return true
			}
			minutes = n
		}
		if err := c.srv.StartExam(minutes); err != nil {
			c.printf(errColor, "start: %v\n", err)
			return true
		}
		c.printf(okColor, "Exam started for %d minutes. New logins are closed.\n", minutes)

	case "extend":
		if len(args) == 0 {
			c.printf(errColor, "usage: extend <minutes>\n")
			return true
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			c.printf(errColor, "extend: invalid duration %q\n", args[0])
			return true
		}
		if err := c.srv.ExtendExam(n); err != nil {
			c.printf(errColor, "extend: %v\n", err)
			return true
		}
		c.printf(okColor, "Exam extended by %d minutes.\n", n)

	case "unlock":
		c.srv.UnlockEntries()
		c.printf(warnColor, "Entries unlocked. Exam clock stopped.\n")

	case "broadcast", "msg":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if text == "" {
			c.printf(errColor, "usage: broadcast <text>\n")
			return true
		}
		if err := c.srv.Broadcast(text); err != nil {
			c.printf(warnColor, "broadcast: %v\n", err)
			return true
		}
		c.printf(okColor, "Message sent.\n")

	case "status", "students":
		c.printStatus()

	case "stats":
		st := c.srv.Stats()
		c.printf(color.New(color.Reset),
			"connections=%d logged_in=%d data_channels=%d uploads=%d downloads=%d rx=%d tx=%d\n",
			st.ActiveConnections, st.LoggedIn, st.DataChannelsOpened,
			st.Uploads, st.Downloads, st.BytesReceived, st.BytesSent)

	case "reload":
		if err := c.students.Reload(); err != nil {
			c.printf(errColor, "reload: %v\n", err)
			return true
		}
		c.printf(okColor, "Loaded %d students.\n", c.students.Len())

	case "help", "?":
		c.printHelp()

	case "quit", "exit", "shutdown":
		c.printf(warnColor, "Shutting down...\n")
		if c.quit != nil {
			c.quit()
		}
		return false

	default:
		c.printf(errColor, "unknown command %q (try 'help')\n", cmd)
	}
	return true
}

func (c *console) printHelp() {
	c.printf(color.New(color.Reset), `Commands:
  start [minutes]     start the exam (default %d minutes)
  extend <minutes>    add time to the running exam
  unlock              stop the clock and reopen logins
  broadcast <text>    send a message to every student
  status              list connected students
  stats               show transfer counters
  reload              re-read the student file
  quit | shutdown     shut the server down
`, c.defaultMinutes)
}

func (c *console) printStatus() {
	es := c.srv.ExamStatus()
	if es.Running {
		c.printf(warnColor, "Exam running: %s remaining\n", formatSeconds(es.Remaining))
	} else {
		c.printf(okColor, "Exam not running, logins open\n")
	}

	students := c.srv.Students()
	if len(students) == 0 {
		c.printf(color.New(color.Reset), "No students connected.\n")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	table := tablewriter.NewWriter(c.out)
	table.Header("No", "Name", "IP", "Logged In", "Last File")
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	for _, s := range students {
		last := "-"
		if s.LastFile != "" {
			last = fmt.Sprintf("%s (%s)", s.LastFile, s.DeliveredAt.Format("15:04:05"))
		}
		table.Append([]string{s.ID, s.DisplayName, s.RemoteIP, s.LoginTime.Format("15:04:05"), last})
	}
	if err := table.Render(); err != nil {
		fmt.Fprintf(c.out, "render: %v\n", err)
	}
}

// event prints a one-line summary of e.
func (c *console) event(e server.Event) {
	ts := e.Time.Format("15:04:05")
	switch e.Kind {
	case server.EventConnected:
		c.printf(eventColor, "[%s] %s (%s) connected from %s\n", ts, e.Identity, e.DisplayName, e.RemoteIP)
	case server.EventDisconnected:
		c.printf(eventColor, "[%s] %s disconnected\n", ts, e.Identity)
	case server.EventLoginRejected:
		c.printf(warnColor, "[%s] login rejected for %s from %s: %s\n", ts, e.Identity, e.RemoteIP, e.Reason)
	case server.EventDelivered:
		c.printf(okColor, "[%s] %s delivered %s\n", ts, e.Identity, e.File)
	case server.EventExamStarted:
		c.printf(warnColor, "[%s] exam started (%s)\n", ts, formatSeconds(e.Seconds))
	case server.EventExamExtended:
		c.printf(warnColor, "[%s] exam extended, %s remaining\n", ts, formatSeconds(e.Seconds))
	case server.EventTimeUp:
		c.printf(errColor, "[%s] TIME UP\n", ts)
	case server.EventUnlocked:
		c.printf(warnColor, "[%s] entries unlocked\n", ts)
	}
}

func formatSeconds(s int) string {
	return (time.Duration(s) * time.Second).String()
}
