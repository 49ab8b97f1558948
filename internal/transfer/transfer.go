// Package transfer moves file bodies over an accepted data channel in bounded
// chunks with a per-chunk deadline.
//
// Both the exam server and the student client use it, so the two ends agree
// on chunking and on how a short transfer is reported.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gonzalop/examftp/internal/ratelimit"
)

const (
	// MinChunkSize is the smallest chunk used on a data channel.
	MinChunkSize = 64 * 1024

	// MinTimeout and MaxTimeout bound the per-chunk deadline.
	MinTimeout = 30 * time.Second
	MaxTimeout = 600 * time.Second

	timeoutPerMiB = 60 * time.Second
)

var (
	// ErrIncomplete means the peer closed the channel before the announced
	// number of bytes was moved.
	ErrIncomplete = errors.New("transfer incomplete")

	// ErrTimeout means a chunk did not complete within its deadline.
	ErrTimeout = errors.New("transfer timed out")

	// ErrTooLarge means a receive of unknown size exceeded Options.Limit.
	ErrTooLarge = errors.New("transfer exceeds size limit")
)

// Error describes a failed Send or Receive.
type Error struct {
	Op       string // "send" or "receive"
	Expected int64
	Actual   int64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d of %d bytes: %v", e.Op, e.Actual, e.Expected, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conn is the part of net.Conn the engine needs.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Options tune a single transfer. The zero value is usable.
type Options struct {
	// ChunkSize is raised to MinChunkSize when smaller.
	ChunkSize int

	// Timeout is the deadline applied to every chunk. Zero means
	// TimeoutFor(size of the transfer).
	Timeout time.Duration

	// Limiter paces the transfer when non-nil.
	Limiter *ratelimit.Limiter

	// Progress is called after each chunk with the running total.
	Progress func(transferred int64)

	// Limit caps a Receive of unknown size. Zero means no cap.
	Limit int64
}

// ChunkSize returns n, or MinChunkSize when n is smaller.
func ChunkSize(n int) int {
	return max(n, MinChunkSize)
}

// TimeoutFor returns the per-chunk deadline for a transfer of size bytes:
// one minute per MiB, never below MinTimeout nor above MaxTimeout.
func TimeoutFor(size int64) time.Duration {
	d := time.Duration(size/(1024*1024)) * timeoutPerMiB
	return min(max(d, MinTimeout), MaxTimeout)
}

func (o Options) timeout(size int64) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return TimeoutFor(size)
}

// Send writes data to conn one chunk at a time and returns the number of
// bytes written.
func Send(conn Conn, data []byte, opts Options) (int64, error) {
	chunk := ChunkSize(opts.ChunkSize)
	timeout := opts.timeout(int64(len(data)))
	w := ratelimit.NewWriter(context.Background(), conn, opts.Limiter)

	var sent int64
	for sent < int64(len(data)) {
		end := min(sent+int64(chunk), int64(len(data)))
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return sent, &Error{Op: "send", Expected: int64(len(data)), Actual: sent, Err: err}
		}
		n, err := w.Write(data[sent:end])
		sent += int64(n)
		if err != nil {
			return sent, &Error{Op: "send", Expected: int64(len(data)), Actual: sent, Err: classify(err)}
		}
		if opts.Progress != nil {
			opts.Progress(sent)
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return sent, nil
}

// Receive reads from conn until expected bytes arrived or the peer closed the
// channel. An expected size of zero reads until close. When the peer closes
// early the partial data is returned together with an *Error wrapping
// ErrIncomplete.
func Receive(conn Conn, expected int64, opts Options) ([]byte, error) {
	chunk := ChunkSize(opts.ChunkSize)
	timeout := opts.timeout(expected)
	r := ratelimit.NewReader(context.Background(), conn, opts.Limiter)

	var data []byte
	if expected > 0 {
		data = make([]byte, 0, expected)
	}
	buf := make([]byte, chunk)

	for expected == 0 || int64(len(data)) < expected {
		want := chunk
		if expected > 0 {
			want = int(min(int64(chunk), expected-int64(len(data))))
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return data, &Error{Op: "receive", Expected: expected, Actual: int64(len(data)), Err: err}
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			data = append(data, buf[:n]...)
			if opts.Progress != nil {
				opts.Progress(int64(len(data)))
			}
			if expected == 0 && opts.Limit > 0 && int64(len(data)) > opts.Limit {
				return data, &Error{Op: "receive", Expected: opts.Limit, Actual: int64(len(data)), Err: ErrTooLarge}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return data, &Error{Op: "receive", Expected: expected, Actual: int64(len(data)), Err: classify(err)}
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if expected > 0 && int64(len(data)) < expected {
		return data, &Error{Op: "receive", Expected: expected, Actual: int64(len(data)), Err: ErrIncomplete}
	}
	return data, nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
