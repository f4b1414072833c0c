package etmwire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	LineFeed       = '\n'
	CarriageReturn = '\r'

	// DefaultMaxLineBytes bounds a buffered partial line.
	DefaultMaxLineBytes = 4096
)

// ErrFramingOverflow is returned when the peer sends more than the permitted
// number of bytes without a line feed.
var ErrFramingOverflow = errors.New("etmwire: partial line exceeds limit")

// Framer splits a byte stream into LF-terminated lines. Bytes after the last
// LF are retained until a later Feed completes them.
type Framer struct {
	// MaxLineBytes caps the retained partial line. Zero means DefaultMaxLineBytes.
	MaxLineBytes int

	buf []byte
}

// Feed appends b and returns every line it completes, in order. A trailing CR
// is removed, empty lines are skipped and invalid UTF-8 is replaced with
// U+FFFD. On overflow the lines completed so far are returned together with
// ErrFramingOverflow and the buffer is discarded.
func (f *Framer) Feed(b []byte) ([]string, error) {
	f.buf = append(f.buf, b...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, LineFeed)
		if idx < 0 {
			break
		}

		raw := f.buf[:idx]
		if n := len(raw); n > 0 && raw[n-1] == CarriageReturn {
			raw = raw[:n-1]
		}
		if len(raw) > 0 {
			lines = append(lines, strings.ToValidUTF8(string(raw), "�"))
		}
		f.buf = f.buf[idx+1:]
	}

	if limit := f.limit(); len(f.buf) > limit {
		n := len(f.buf)
		f.Reset()
		return lines, fmt.Errorf("%d bytes buffered, limit %d: %w", n, limit, ErrFramingOverflow)
	}

	if len(f.buf) == 0 {
		f.buf = f.buf[:0:0]
	}

	return lines, nil
}

// Buffered reports how many bytes of an incomplete line are held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial line.
func (f *Framer) Reset() {
	f.buf = nil
}

func (f *Framer) limit() int {
	if f.MaxLineBytes <= 0 {
		return DefaultMaxLineBytes
	}
	return f.MaxLineBytes
}
