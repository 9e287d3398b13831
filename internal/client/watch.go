package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// FormatEvent renders one timeline entry as a single line.
func FormatEvent(ev pipeline.Event) string {
	parts := []string{fmt.Sprint(ev.Timestamp), ev.EventType}
	if ev.Workflow != "" {
		parts = append(parts, ev.Workflow)
	}
	if ev.Status != "" {
		parts = append(parts, "status="+ev.Status)
	}
	if ev.Conclusion != "" {
		parts = append(parts, "conclusion="+ev.Conclusion)
	}
	if ev.Message != "" {
		parts = append(parts, "- "+ev.Message)
	}
	if ev.EventType == pipeline.EventParseError && ev.Raw != "" {
		parts = append(parts, "raw="+ev.Raw)
	}
	return strings.Join(parts, " | ")
}

// Watcher polls a job's timeline and prints each event exactly once, in
// order. It never writes job or event state.
type Watcher struct {
	client   *Client
	jobID    string
	label    string
	interval time.Duration
	out      io.Writer

	seen    atomic.Int64
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates a Watcher that writes to out.
func NewWatcher(c *Client, jobID, label string, interval time.Duration, out io.Writer) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		client:   c,
		jobID:    jobID,
		label:    label,
		interval: interval,
		out:      out,
		done:     make(chan struct{}),
	}
}

// Seen returns how many events have been rendered.
func (w *Watcher) Seen() int {
	return int(w.seen.Load())
}

// Poll fetches the timeline once and renders the events past the cursor.
// It returns the number of new events.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	events, err := w.client.Events(ctx, w.jobID)
	if err != nil {
		return 0, err
	}
	seen := int(w.seen.Load())
	if len(events) <= seen {
		return 0, nil
	}
	fresh := events[seen:]
	for _, ev := range fresh {
		fmt.Fprintln(w.out, w.prefix()+FormatEvent(ev))
	}
	w.seen.Store(int64(len(events)))
	return len(fresh), nil
}

func (w *Watcher) prefix() string {
	if w.label == "" {
		return "[timeline] "
	}
	return "[timeline:" + w.label + "] "
}

// Run polls until Stop is called, ctx is done, or timeout elapses. A zero
// timeout means no deadline.
func (w *Watcher) Run(ctx context.Context, timeout time.Duration) {
	defer w.once.Do(func() { close(w.done) })

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if w.stopped.Load() {
			return
		}
		if _, err := w.Poll(ctx); err != nil {
			fmt.Fprintf(w.out, "%swatch error: %v\n", w.prefix(), err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Fprintf(w.out, "%swatch timeout\n", w.prefix())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// Start runs the watcher in a goroutine.
func (w *Watcher) Start(ctx context.Context, timeout time.Duration) {
	go w.Run(ctx, timeout)
}

// Stop sets the stop flag and waits up to join for the loop to exit. It
// reports whether the loop exited in time.
func (w *Watcher) Stop(join time.Duration) bool {
	w.stopped.Store(true)
	select {
	case <-w.done:
		return true
	case <-time.After(join):
		return false
	}
}
