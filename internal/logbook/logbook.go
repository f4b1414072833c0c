// Package logbook keeps the most recent log entries of the terminal in memory
// and streams new ones to subscribers. It sits in front of the process's
// regular slog handler so console and operator views see the same records.
package logbook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept.
const DefaultCapacity = 50

// Entry is one retained log record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	// Attrs is the record's attributes rendered as key=value pairs.
	Attrs string
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), e.Level, e.Message)
	if e.Attrs != "" {
		s += " " + e.Attrs
	}
	return s
}

// Book is a fixed size ring of entries. Safe for concurrent use.
type Book struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	start    int

	subscribers map[int]chan Entry
	nextSub     int
}

func New(capacity int) *Book {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Book{
		capacity:    capacity,
		entries:     make([]Entry, 0, capacity),
		subscribers: make(map[int]chan Entry),
	}
}

// Entries returns the retained entries, oldest first.
func (b *Book) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.start:]...)
	out = append(out, b.entries[:b.start]...)
	return out
}

// Subscribe returns a channel receiving entries added after the call, and a
// function ending the subscription. Entries are dropped for a subscriber
// whose buffer is full.
func (b *Book) Subscribe(buffer int) (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Entry, buffer)
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
}

func (b *Book) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, e)
	} else {
		b.entries[b.start] = e
		b.start = (b.start + 1) % b.capacity
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Wrap returns a handler that records into b and then passes the record to
// next. Only records next has enabled are kept.
func (b *Book) Wrap(next slog.Handler) slog.Handler {
	return &handler{book: b, next: next}
}

type handler struct {
	book   *Book
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, record slog.Record) error {
	var parts []string
	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		parts = append(parts, formatAttr("", a))
	}
	record.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(prefix, a))
		return true
	})

	h.book.add(Entry{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Attrs:   strings.Join(parts, " "),
	})
	return h.next.Handle(ctx, record)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	qualified := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	qualified = append(qualified, h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		qualified = append(qualified, a)
	}
	return &handler{
		book:   h.book,
		next:   h.next.WithAttrs(attrs),
		attrs:  qualified,
		groups: h.groups,
	}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &handler{
		book:   h.book,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: groups,
	}
}

func formatAttr(prefix string, a slog.Attr) string {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	return key + "=" + a.Value.Resolve().String()
}

// Options selects the process log output.
type Options struct {
	// Format is "text" or "json".
	Format string
	// Level is a slog level name such as "info" or "debug".
	Level string
}

// NewHandler builds the base text or JSON handler writing to w.
func NewHandler(w io.Writer, opts Options) (slog.Handler, error) {
	var level slog.Level
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}
	ho := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.NewTextHandler(w, ho), nil
	case "json":
		return slog.NewJSONHandler(w, ho), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", opts.Format)
	}
}
