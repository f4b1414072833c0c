package etmwire

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/seagrayinc/etm/pkg/serial"
)

var (
	ErrSendBufferFull = errors.New("etmwire: send buffer full")
	ErrNotStarted     = errors.New("etmwire: sender not started")
)

// Transport moves protocol lines over a serial.Channel. Poll frames inbound
// bytes into lines; Send queues outbound lines for a background writer.
type Transport struct {
	Channel      serial.Channel
	MaxLineBytes int // Partial line limit (default DefaultMaxLineBytes)
	SendBuffer   int // Size of send buffer (default 32)

	mu  sync.Mutex
	err error

	sendOnce sync.Once
	lineChan chan string
}

// Close closes the underlying channel, which unblocks Poll.
func (t *Transport) Close() error {
	return t.Channel.Close()
}

// Err returns the error that ended the transport, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// fail records the first fatal error and closes the channel so both loops stop.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	first := t.err == nil
	if first {
		t.err = err
	}
	t.mu.Unlock()

	if first {
		slog.Warn("transport failed", slog.Any("error", err))
		_ = t.Channel.Close()
	}
}

// Poll reads from the channel until it fails or ctx is done, emitting every
// complete line. The returned channel is closed when polling stops; Err then
// reports why.
func (t *Transport) Poll(ctx context.Context) <-chan string {
	out := make(chan string)
	framer := &Framer{MaxLineBytes: t.MaxLineBytes}

	go func() {
		defer close(out)
		for {
			chunk, err := t.Channel.ReadChunk(ctx)
			if err != nil {
				if ctx.Err() == nil {
					t.fail(err)
				}
				return
			}

			lines, ferr := framer.Feed(chunk)
			for _, l := range lines {
				select {
				case out <- l:
				case <-ctx.Done():
					return
				}
			}
			if ferr != nil {
				t.fail(ferr)
				return
			}
		}
	}()
	return out
}

// StartSender starts the background goroutine that writes queued lines.
// It must be called before Send. The context controls the lifetime of the sender.
func (t *Transport) StartSender(ctx context.Context) {
	t.sendOnce.Do(func() {
		bufSize := t.SendBuffer
		if bufSize <= 0 {
			bufSize = 32
		}
		t.lineChan = make(chan string, bufSize)

		go t.sendLoop(ctx)
	})
}

func (t *Transport) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-t.lineChan:
			if t.Err() != nil {
				slog.Debug("dropping line after transport failure", slog.String("line", line))
				continue
			}
			if err := t.Channel.WriteLine(ctx, line); err != nil {
				t.fail(err)
				continue
			}
			slog.Debug("line sent", slog.String("line", line))
		}
	}
}

// Send queues lines for writing. It never blocks.
// StartSender must be called before Send.
func (t *Transport) Send(_ context.Context, lines ...string) error {
	if t.lineChan == nil {
		return ErrNotStarted
	}
	if err := t.Err(); err != nil {
		return err
	}

	for _, l := range lines {
		select {
		case t.lineChan <- l:
		default:
			slog.Warn("send buffer full, dropping line", slog.String("line", l))
			return ErrSendBufferFull
		}
	}
	return nil
}
