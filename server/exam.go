package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gonzalop/examftp/internal/wire"
)

// ErrExamNotRunning is returned by Extend when no exam is in progress.
var ErrExamNotRunning = errors.New("exam not running")

// Broadcaster delivers a push line to every logged-in session.
type Broadcaster interface {
	Broadcast(line string) error
}

// ExamStatus is a point-in-time view of the exam clock.
type ExamStatus struct {
	Running   bool
	Remaining int // seconds
	StartedAt time.Time
	Duration  time.Duration // including extensions
}

// ExamController owns the exam clock. While an exam runs, new logins and
// all transfers are refused by the dispatcher.
type ExamController struct {
	ctl sync.Mutex // serializes Start, Unlock and Stop

	mu        sync.Mutex
	running   bool
	remaining int
	startedAt time.Time
	duration  time.Duration
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}

	tick      time.Duration
	syncEvery int
	out       Broadcaster
	logger    *slog.Logger
	onEvent   func(Event)
}

func newExamController(out Broadcaster, logger *slog.Logger, tick time.Duration, syncEvery int) *ExamController {
	if tick <= 0 {
		tick = time.Second
	}
	if syncEvery <= 0 {
		syncEvery = 30
	}
	return &ExamController{
		tick:      tick,
		syncEvery: syncEvery,
		out:       out,
		logger:    logger,
		onEvent:   func(Event) {},
	}
}

// Start begins a countdown of the given length. A countdown already in
// progress is cancelled first; its goroutine has exited before the new one
// is launched.
func (c *ExamController) Start(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: exam duration must be positive, got %d", ErrProtocol, minutes)
	}

	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.halt()

	total := minutes * 60
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.running = true
	c.remaining = total
	c.startedAt = time.Now()
	c.duration = time.Duration(total) * time.Second
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Info("exam_started", "minutes", minutes, "seconds", total)
	c.push(wire.TimeSeconds(total))
	c.onEvent(Event{Kind: EventExamStarted, Time: time.Now(), Seconds: total})

	go c.run(ctx, gen, done)
	return nil
}

// Extend adds minutes to a running exam and pushes the new remaining time
// to every session at once.
func (c *ExamController) Extend(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: extension must be positive, got %d", ErrProtocol, minutes)
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrExamNotRunning
	}
	c.remaining += minutes * 60
	c.duration += time.Duration(minutes) * time.Minute
	remaining := c.remaining
	c.mu.Unlock()

	c.logger.Info("exam_extended", "minutes", minutes, "remaining", remaining)
	c.push(wire.Sync(remaining))
	c.onEvent(Event{Kind: EventExamExtended, Time: time.Now(), Seconds: remaining})
	return nil
}

// Unlock stops the clock without announcing TIME_UP, re-opening logins.
func (c *ExamController) Unlock() {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.halt()
	c.logger.Info("entries_unlocked")
	c.onEvent(Event{Kind: EventUnlocked, Time: time.Now()})
}

// Stop cancels the countdown, if any, and waits for it to exit.
func (c *ExamController) Stop() {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.halt()
}

// halt cancels the current countdown and waits for it. Caller holds c.ctl.
func (c *ExamController) halt() {
	c.mu.Lock()
	c.gen++
	c.running = false
	c.remaining = 0
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *ExamController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *ExamController) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *ExamController) Status() ExamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ExamStatus{
		Running:   c.running,
		Remaining: c.remaining,
		StartedAt: c.startedAt,
		Duration:  c.duration,
	}
}

func (c *ExamController) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	// Start has just pushed TIME_SECONDS with the full total.
	first := true
	for {
		c.mu.Lock()
		if c.gen != gen || !c.running {
			c.mu.Unlock()
			return
		}
		remaining := c.remaining
		if remaining <= 0 {
			c.running = false
			c.remaining = 0
			c.mu.Unlock()

			c.logger.Info("exam_time_up")
			c.push(wire.TimeUp())
			c.onEvent(Event{Kind: EventTimeUp, Time: time.Now()})
			return
		}
		c.mu.Unlock()

		if !first && remaining%c.syncEvery == 0 {
			c.push(wire.Sync(remaining))
		}
		first = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.gen == gen {
			c.remaining--
		}
		c.mu.Unlock()
	}
}

func (c *ExamController) push(line string) {
	if err := c.out.Broadcast(line); err != nil {
		c.logger.Warn("broadcast_incomplete", "push", line[:len(line)-1], "error", err)
	}
}
