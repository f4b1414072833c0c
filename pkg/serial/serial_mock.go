package serial

import (
	"context"
	"errors"
	"io"
	"sync"
)

// MockChannel is an in-memory Channel. Tests push peripheral output with Emit
// and observe host writes on Written.
type MockChannel struct {
	chunks  chan []byte
	written chan string
	closed  chan struct{}

	mu        sync.Mutex
	eof       bool
	writeErr  error
	closeOnce sync.Once
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		chunks:  make(chan []byte, 64),
		written: make(chan string, 256),
		closed:  make(chan struct{}),
	}
}

func (m *MockChannel) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrClosed
	case b, ok := <-m.chunks:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (m *MockChannel) WriteLine(_ context.Context, text string) error {
	m.mu.Lock()
	err := m.writeErr
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	select {
	case m.written <- text:
		return nil
	default:
		return errors.New("serial: mock write buffer full")
	}
}

func (m *MockChannel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Emit delivers b to the next ReadChunk call.
func (m *MockChannel) Emit(b []byte) {
	m.chunks <- append([]byte(nil), b...)
}

// EmitString is Emit for text.
func (m *MockChannel) EmitString(s string) {
	m.Emit([]byte(s))
}

// EndOfStream makes pending and future reads return io.EOF once the queued
// chunks are consumed.
func (m *MockChannel) EndOfStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.eof {
		m.eof = true
		close(m.chunks)
	}
}

// FailWrites makes every later WriteLine return err.
func (m *MockChannel) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Written delivers each line the host wrote, without the line feed.
func (m *MockChannel) Written() <-chan string {
	return m.written
}

// Closed reports whether Close has been called.
func (m *MockChannel) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// MockOpener hands out a fixed channel, or Err if set.
type MockOpener struct {
	Channel Channel
	Err     error

	mu    sync.Mutex
	opens int
}

func (o *MockOpener) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	o.opens++
	return o.Channel, nil
}

// Opens reports how many times Open succeeded.
func (o *MockOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}
