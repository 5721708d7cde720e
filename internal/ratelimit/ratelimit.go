// Package ratelimit provides a token bucket limiter for throttling transfer
// streams.
//
// One Limiter may be shared by several streams; they then share the
// configured bandwidth.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"
)

// maxWait caps a single sleep so cancellation is noticed promptly.
const maxWait = time.Second

// Limiter is a token bucket limiting throughput to a number of bytes per
// second. The bucket holds one second worth of tokens, which allows short
// bursts while keeping the average rate. A nil *Limiter never blocks.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
}

// New returns a limiter for bytesPerSecond, or nil when the rate is not
// positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Rate returns the configured bytes per second, or 0 for a nil limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.rate)
}

// refill adds the tokens accrued since the last update. l.mu must be held.
func (l *Limiter) refill() {
	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastUpdate = now
}

// reserve takes n tokens if available and otherwise returns how long to
// wait before trying again.
func (l *Limiter) reserve(n float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= n {
		l.tokens -= n
		return 0
	}
	wait := time.Duration((n - l.tokens) / l.rate * float64(time.Second))
	return min(wait, maxWait)
}

// Wait blocks until n bytes may pass or ctx is done. Requests larger than
// the bucket are taken one bucket at a time.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	remaining := float64(n)
	for remaining > 0 {
		take := min(remaining, l.burst)
		for {
			wait := l.reserve(take)
			if wait == 0 {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		remaining -= take
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter. With a nil limiter r is
// returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// Read reads at most 8KB per call so waits stay short.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const chunk = 8 * 1024
	if len(p) > chunk {
		p = p[:chunk]
	}
	if err := r.limiter.Wait(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter. With a nil limiter w is
// returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write forwards p in chunks of at most 64KB, waiting for tokens before
// each chunk.
func (w *writer) Write(p []byte) (int, error) {
	const chunk = 64 * 1024
	written := 0
	for written < len(p) {
		end := min(written+chunk, len(p))
		if err := w.limiter.Wait(w.ctx, end-written); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
