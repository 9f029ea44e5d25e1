// Package input decouples terminal line input from the control loop. A
// producer goroutine owns the blocking reads; the loop polls without ever
// stalling frame handling.
package input

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
)

// Reader turns a blocking line source into a non-blocking poll.
type Reader struct {
	src     io.Reader
	lines   chan string
	started atomic.Bool
	eof     atomic.Bool
}

// NewReader wraps a line source, normally os.Stdin.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:   src,
		lines: make(chan string, 8),
	}
}

// Start launches the producer goroutine. Lines are delivered until the
// source ends or the context is cancelled.
//
// A read blocked on a terminal cannot be interrupted from here; after
// cancellation the goroutine exits on the next line or at process exit.
// That is fine for stdin, which dies with the process.
func (r *Reader) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		scanner := bufio.NewScanner(r.src)
		for scanner.Scan() {
			select {
			case r.lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Debug("input reader stopped", "error", err)
		}
		r.eof.Store(true)
	}()
}

// Poll returns the next pending line without blocking. The second return
// is false when no line is waiting.
func (r *Reader) Poll() (string, bool) {
	select {
	case line := <-r.lines:
		return line, true
	default:
		return "", false
	}
}

// EOF reports whether the source has ended. Polling after EOF simply keeps
// returning false.
func (r *Reader) EOF() bool {
	return r.eof.Load()
}
