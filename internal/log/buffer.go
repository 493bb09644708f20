package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent log lines in memory so a session can be
// inspected after the fact without a log file.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []string
	next    int
	wrapped bool
}

// NewRingBuffer creates a buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{entries: make([]string, capacity)}
}

// Add appends a line, evicting the oldest once the buffer is full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.next] = line
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.wrapped = true
	}
}

// Lines returns up to n of the most recent lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.sizeLocked()
	if n > total {
		n = total
	}
	if n <= 0 {
		return []string{}
	}

	first := 0
	if rb.wrapped {
		first = rb.next
	}
	out := make([]string, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, rb.entries[(first+i)%len(rb.entries)])
	}
	return out
}

// Total returns how many lines the buffer currently holds.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.sizeLocked()
}

func (rb *RingBuffer) sizeLocked() int {
	if rb.wrapped {
		return len(rb.entries)
	}
	return rb.next
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.entries)
}

// BufferHandler tees every record into a ring buffer before handing it to
// the real handler. Capture ignores the level filter so debug lines are
// available for inspection even when the console only shows info.
type BufferHandler struct {
	next   slog.Handler
	buffer *RingBuffer
}

// NewBufferHandler wraps next with buffered capture. next may be nil.
func NewBufferHandler(next slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{next: next, buffer: buffer}
}

// Enabled always reports true; the wrapped handler filters for itself.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle formats the record as text into the buffer, then forwards it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var line bytes.Buffer
	text := slog.NewTextHandler(&line, &slog.HandlerOptions{Level: slog.LevelDebug})
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimRight(line.String(), "\n"))
	}

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs returns a handler that adds the attributes on the wrapped side.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.next
	if next != nil {
		next = next.WithAttrs(attrs)
	}
	return &BufferHandler{next: next, buffer: h.buffer}
}

// WithGroup returns a handler that opens the group on the wrapped side.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := h.next
	if next != nil {
		next = next.WithGroup(name)
	}
	return &BufferHandler{next: next, buffer: h.buffer}
}
