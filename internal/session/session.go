// Package session owns the link to one ETM peripheral: it opens the serial
// channel, performs the INIT/KEYS/MAGIC handshake, pumps decoded events into
// the transaction machine and queues outbound commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seagrayinc/etm/internal/clock"
	"github.com/seagrayinc/etm/internal/metrics"
	"github.com/seagrayinc/etm/pkg/etm"
	"github.com/seagrayinc/etm/pkg/etmwire"
	"github.com/seagrayinc/etm/pkg/serial"
)

const (
	DefaultSettleDelay = time.Second
	DefaultMagic       = "ETM1attachedthis"
)

var (
	ErrChannelLost      = errors.New("session: peripheral channel lost")
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: already connected")
)

// Handler receives what the peripheral says. *txn.Machine satisfies it.
type Handler interface {
	Deliver(ctx context.Context, ev etm.Event) error
	ChannelLost(cause error)
	SetReady(ready bool)
}

// Config is the handshake and transport configuration.
type Config struct {
	Keys        etm.Keys
	Magic       string
	SettleDelay time.Duration

	MaxLineBytes int
	SendBuffer   int
}

type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session connects to the peripheral on demand. It can be connected again
// after the previous connection ended; it never reconnects by itself.
type Session struct {
	cfg     Config
	opener  serial.Opener
	handler Handler
	clock   clock.Clock
	metrics *metrics.Metrics

	mu         sync.Mutex
	connecting bool
	ready      bool
	transport  *etmwire.Transport
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
}

func New(cfg Config, opener serial.Opener, handler Handler, opts ...Option) *Session {
	if cfg.Magic == "" {
		cfg.Magic = DefaultMagic
	}
	s := &Session{
		cfg:     cfg,
		opener:  opener,
		handler: handler,
		clock:   clock.Real(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens the channel and starts the read pump and sender. The
// handshake is sent after the settle delay and the handler is marked ready
// once it has been queued. The connection lives until Disconnect, a channel
// failure or cancellation of ctx.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.transport != nil || s.connecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.connecting = true
	s.mu.Unlock()

	// Opening a port can be slow; s.mu stays free for Connected and Send.
	ch, err := s.opener.Open(ctx)

	s.mu.Lock()
	s.connecting = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open peripheral: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &etmwire.Transport{
		Channel:      ch,
		MaxLineBytes: s.cfg.MaxLineBytes,
		SendBuffer:   s.cfg.SendBuffer,
	}
	t.StartSender(runCtx)
	lines := t.Poll(runCtx)

	done := make(chan struct{})
	handshook := make(chan struct{})
	s.transport = t
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	slog.Info("peripheral connected")

	go s.handshake(runCtx, t, handshook)
	go s.readLoop(runCtx, t, lines, done, handshook)
	return nil
}

// Disconnect closes the channel, which unblocks any pending read.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	t, cancel, done := s.transport, s.cancel, s.done
	s.mu.Unlock()

	if t == nil {
		return ErrNotConnected
	}
	cancel()
	err := t.Close()
	<-done
	return err
}

// Connected reports whether a connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Ready reports whether the handshake has been sent on the open connection.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Done is closed when the current connection ends. It is nil when not
// connected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports why the last connection ended, or nil after a clean
// Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send encodes cmds and queues them. An invalid argument fails the whole call
// before anything is queued. Send never waits for I/O.
func (s *Session) Send(ctx context.Context, cmds ...etm.Command) error {
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		line, err := etm.Encode(c)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.Send(ctx, lines...); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelLost, err)
	}
	return nil
}

// handshake sends INIT, KEYS and MAGIC after the settle delay and then marks
// the handler ready. The handler is called without s.mu held; it may be
// sending through this session.
func (s *Session) handshake(ctx context.Context, t *etmwire.Transport, handshook chan<- struct{}) {
	defer close(handshook)

	if s.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.SettleDelay):
		}
	}

	cmds := []etm.Command{etm.Init{}, s.cfg.Keys, etm.Magic{Value: s.cfg.Magic}}
	for _, c := range cmds {
		line, err := etm.Encode(c)
		if err != nil {
			slog.Error("handshake command rejected", slog.String("command", c.Name()), slog.Any("error", err))
			return
		}
		if err := t.Send(ctx, line); err != nil {
			slog.Error("handshake failed", slog.Any("error", err))
			return
		}
		s.metrics.ObserveCommand(c.Name())
	}
	if ctx.Err() != nil {
		return
	}

	s.handler.SetReady(true)
	s.mu.Lock()
	if s.transport == t {
		s.ready = true
	}
	s.mu.Unlock()
	slog.Info("peripheral initialized")
}

func (s *Session) readLoop(ctx context.Context, t *etmwire.Transport, lines <-chan string, done chan struct{}, handshook <-chan struct{}) {
	defer close(done)

	for line := range lines {
		ev := etm.Decode(line)
		slog.Debug("peripheral event", slog.String("kind", ev.Kind()), slog.String("line", line))
		if err := s.handler.Deliver(ctx, ev); err != nil {
			slog.Debug("event not applied", slog.String("kind", ev.Kind()), slog.Any("error", err))
		}
	}

	var cause error
	if err := t.Err(); err != nil {
		cause = fmt.Errorf("%w: %w", ErrChannelLost, err)
	}

	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
		s.ready = false
		s.cancel()
		s.err = cause
	}
	s.mu.Unlock()

	// The handshake must not mark the handler ready after ChannelLost.
	<-handshook

	s.metrics.SetConnected(false)
	if cause != nil {
		slog.Error("peripheral disconnected", slog.Any("error", cause))
		s.handler.ChannelLost(cause)
		return
	}
	s.handler.ChannelLost(errors.New("disconnected"))
	slog.Info("peripheral disconnected")
}
