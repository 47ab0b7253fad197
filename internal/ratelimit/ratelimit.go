// Package ratelimit provides bandwidth-throttled io.Reader/io.Writer
// wrappers for FTP data transfers, built on golang.org/x/time/rate.
//
// It is used internally by the server to cap global and per-user
// transfer speed on the data channel.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate.Limiter scaled to bytes per second.
// A nil *Limiter is unlimited; every helper in this package treats it
// as a no-op passthrough.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a rate limiter allowing bytesPerSecond bytes per second,
// with burst capacity equal to one second worth of data, allowing short
// bursts while maintaining the average rate over time. A non-positive
// rate returns nil.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

// take blocks until n bytes worth of tokens are available.
func (l *Limiter) take(n int) {
	if l == nil || n <= 0 {
		return
	}
	_ = l.rl.WaitN(context.Background(), n)
}

// chunkSize bounds a single request to both maxChunk and the limiter's
// burst, since WaitN rejects requests larger than the bucket's capacity
// (which can be as small as 1 token for a very low configured rate).
func chunkSize(l *Limiter, want, maxChunk int) int {
	if want > maxChunk {
		want = maxChunk
	}
	if burst := l.rl.Burst(); burst < want {
		want = burst
	}
	if want <= 0 {
		want = 1
	}
	return want
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r unchanged if limiter is nil, otherwise a reader
// that blocks to respect limiter's rate before returning data.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

const readChunkSize = 8 * 1024

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := chunkSize(r.limiter, len(p), readChunkSize)
	r.limiter.take(size)
	return r.r.Read(p[:size])
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w unchanged if limiter is nil, otherwise a writer
// that blocks to respect limiter's rate before each chunked write.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

const writeChunkSize = 64 * 1024

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		size := chunkSize(w.limiter, len(p)-total, writeChunkSize)
		w.limiter.take(size)
		n, err := w.w.Write(p[total : total+size])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
