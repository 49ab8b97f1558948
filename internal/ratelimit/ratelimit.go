// Package ratelimit throttles data-channel transfers so that a classroom full
// of simultaneous uploads does not saturate the proctor's uplink.
//
// A Limiter may be shared between many streams (a global cap) or created per
// transfer (a per-student cap). Wrapping with a nil Limiter is a no-op.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// chunkBurst is the bucket size: one transfer chunk, whatever the rate.
const chunkBurst = 64 * 1024

// Limiter is a token bucket measured in bytes per second.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter for bytesPerSecond, or nil when the rate is not
// positive (unlimited).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), chunkBurst)}
}

// Rate returns the configured bytes per second, or 0 for a nil limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

// waitN blocks until n bytes may pass. Requests larger than the burst are
// split so WaitN never rejects them.
func (l *Limiter) waitN(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	burst := l.lim.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := l.lim.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader wraps r so reads are paced by limiter. Waiting stops early when
// ctx is cancelled.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if burst := r.limiter.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.waitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter wraps w so writes are paced by limiter.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	burst := w.limiter.lim.Burst()
	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+burst)]
		if err := w.limiter.waitN(w.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := w.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
