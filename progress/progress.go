// Package progress measures bytes flowing through a reader and reports
// completion percentage together with a smoothed transfer speed.
package progress

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// Alpha is the EMA smoothing factor, lower is smoother.
	Alpha = 0.01

	// Window is how far back samples count towards the instantaneous rate.
	Window = time.Second
)

var (
	// ErrWriteUnsupported is returned by Write, the reader only observes forward reads.
	ErrWriteUnsupported = errors.New("progress: write is not supported")

	// ErrSeekUnsupported is returned by Seek when the source cannot seek.
	ErrSeekUnsupported = errors.New("progress: underlying reader does not support seeking")
)

// Sink receives a report after every read that returned at least one byte.
// It runs on the reading goroutine, so slow sinks throttle the transfer.
type Sink func(percent float64, speed string, link string)

type sample struct {
	at    time.Time
	bytes int64
}

// Reader wraps a byte source of known length and reports progress to a Sink.
// It is not safe for concurrent reads.
type Reader struct {
	r     io.Reader
	total int64
	link  string
	sink  Sink
	now   func() time.Time

	mu      sync.Mutex
	read    int64
	samples []sample
	ema     float64 // KB/s
	primed  bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithClock replaces time.Now, used to drive the speed estimate deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		r.now = now
	}
}

// NewReader wraps r, which is expected to yield total bytes. link is passed
// through to the sink untouched. A nil sink disables reporting.
func NewReader(r io.Reader, total int64, link string, sink Sink, opts ...Option) *Reader {
	pr := &Reader{
		r:     r,
		total: total,
		link:  link,
		sink:  sink,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(pr)
	}

	return pr
}

// Read reads from the underlying source and reports progress when n > 0.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		percent, speed := r.observe(int64(n))
		if r.sink != nil {
			r.sink(percent, speed, r.link)
		}
	}
	return n, err
}

func (r *Reader) observe(n int64) (float64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.read += n

	now := r.now()
	r.samples = append(r.samples, sample{at: now, bytes: n})

	// drop samples older than the window
	keep := r.samples[:0]
	var recent int64
	for _, s := range r.samples {
		if now.Sub(s.at) > Window {
			continue
		}
		keep = append(keep, s)
		recent += s.bytes
	}
	r.samples = keep

	recentKBps := float64(recent) / 1024
	if !r.primed {
		r.ema = recentKBps
		r.primed = true
	} else {
		r.ema = Alpha*recentKBps + (1-Alpha)*r.ema
	}

	return percentOf(r.read, r.total), FormatSpeed(r.ema)
}

// Write always fails.
func (r *Reader) Write([]byte) (int, error) {
	return 0, ErrWriteUnsupported
}

// Seek passes through to the underlying source. The byte counter is not reset.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	s, ok := r.r.(io.Seeker)
	if !ok {
		return 0, ErrSeekUnsupported
	}
	return s.Seek(offset, whence)
}

// Len reports the total length the reader was created with.
func (r *Reader) Len() int64 {
	return r.total
}

// Bytes reports how many bytes have been read so far.
func (r *Reader) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// Speed returns the smoothed speed in KB/s.
func (r *Reader) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ema
}

// FormatSpeed renders a KB/s figure as "X.X KB/s" or, from 1024 KB/s up, "X.X MB/s".
func FormatSpeed(kbps float64) string {
	if kbps >= 1024 {
		return fmt.Sprintf("%.1f MB/s", kbps/1024)
	}
	return fmt.Sprintf("%.1f KB/s", kbps)
}

func percentOf(read, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(read) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}
