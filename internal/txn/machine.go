// Package txn sequences a fare payment: fare selection, card detection,
// authentication, deduction and receipt printing. The Machine reacts to
// peripheral events and user actions and never acts on an event its current
// state does not expect.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seagrayinc/etm/internal/clock"
	"github.com/seagrayinc/etm/internal/ledger"
	"github.com/seagrayinc/etm/internal/metrics"
	"github.com/seagrayinc/etm/pkg/etm"
)

const DefaultDeductDelay = 2 * time.Second

var (
	ErrInvalidFare           = errors.New("txn: fare must be positive")
	ErrTransactionInProgress = errors.New("txn: transaction in progress")
	ErrFareNotSelected       = errors.New("txn: select fare first")
	ErrNothingToCancel       = errors.New("txn: nothing to cancel")
	ErrDeductionInFlight     = errors.New("txn: deduction already sent to card")
	ErrUnexpectedEvent       = errors.New("txn: unexpected event")
	ErrTimeout               = errors.New("txn: peripheral did not respond")
	ErrPeripheral            = errors.New("txn: peripheral error")
)

// Emitter delivers commands to the peripheral. Send must not block on I/O.
type Emitter interface {
	Send(ctx context.Context, cmds ...etm.Command) error
}

// Recorder books a completed transaction.
type Recorder interface {
	Record(ctx context.Context, c ledger.Completion) error
}

// Config holds protocol timing. Zero timeouts disable the timeout.
type Config struct {
	// DeductDelay separates AUTH_SUCCESS from the DEDUCT command.
	DeductDelay time.Duration
	// AuthTimeout bounds the wait for AUTH_SUCCESS after AUTH is sent.
	AuthTimeout time.Duration
	// DeductTimeout bounds the wait for WRITE_SUCCESS after DEDUCT is sent.
	DeductTimeout time.Duration
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine owns the fare and the in-flight Transaction. All methods are safe
// for concurrent use and are serialized by one lock.
type Machine struct {
	cfg      Config
	clock    clock.Clock
	emitter  Emitter
	recorder Recorder
	metrics  *metrics.Metrics

	mu           sync.Mutex
	state        State
	fare         etm.Fare
	tx           *Transaction
	ready        bool
	deductTimer  clock.Timer
	timeoutTimer clock.Timer

	subscribers map[int]chan Transition
	nextSub     int
}

func New(cfg Config, emitter Emitter, recorder Recorder, opts ...Option) *Machine {
	m := &Machine{
		cfg:         cfg,
		clock:       clock.Real(),
		emitter:     emitter,
		recorder:    recorder,
		subscribers: make(map[int]chan Transition),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicState()
}

// Status returns the state together with the fare and a copy of the
// in-flight transaction.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{State: m.publicState(), Fare: m.fare}
	if m.tx != nil {
		tx := *m.tx
		s.Transaction = &tx
	}
	return s
}

func (m *Machine) publicState() State {
	if m.state == FareSelected && m.ready {
		return AwaitingCard
	}
	return m.state
}

// Subscribe returns a channel receiving every Transition and a function that
// ends the subscription. Transitions are dropped for a subscriber whose buffer
// is full.
func (m *Machine) Subscribe(buffer int) (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, buffer)
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}
}

// SetReady records whether a peripheral is connected and initialized.
func (m *Machine) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// SelectFare chooses the fare for the next card.
func (m *Machine) SelectFare(amount etm.Fare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount <= 0 {
		slog.Warn("fare rejected", slog.Int64("fare", int64(amount)))
		return fmt.Errorf("%w: %d", ErrInvalidFare, amount)
	}
	if m.tx != nil {
		slog.Warn("transaction in progress, please wait", slog.String("state", m.state.String()))
		return ErrTransactionInProgress
	}

	from := m.publicState()
	m.fare = amount
	m.setState(from, FareSelected, "")

	slog.Info("fare selected", slog.Int64("fare", int64(amount)))
	if !m.ready {
		slog.Warn("peripheral not connected")
	}
	return nil
}

// Cancel abandons the selected fare or the in-flight transaction. Once DEDUCT
// has been sent the card may already be charged, so cancellation is refused
// until the peripheral answers or the deduct timeout fires.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case FareSelected:
	case Authenticating, Deducting:
		if m.tx.DeductSent {
			slog.Warn("cancel refused, deduction in flight", slog.String("tx", m.tx.ID.String()))
			return ErrDeductionInFlight
		}
	default:
		return ErrNothingToCancel
	}

	from := m.publicState()
	m.stopTimers()
	if m.tx != nil {
		m.tx.State = Cancelled
	}
	m.setState(from, Cancelled, "cancelled by operator")
	m.metrics.ObserveTransaction(metrics.OutcomeCancelled, int64(m.fare))
	slog.Warn("transaction cancelled")
	m.reset(Cancelled)
	return nil
}

// Deliver applies a peripheral event. Events the current state does not
// expect are logged and return ErrUnexpectedEvent without changing state.
func (m *Machine) Deliver(ctx context.Context, ev etm.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ObserveEvent(ev.Kind())

	switch e := ev.(type) {
	case etm.CardDetected:
		return m.handleCard(ctx, e.UID)

	case etm.AuthSuccess:
		if m.state != Authenticating {
			return m.unexpected(ev)
		}
		m.handleAuthSuccess(ctx)
		return nil

	case etm.WriteSuccess:
		if m.state != Deducting || !m.tx.DeductSent {
			return m.unexpected(ev)
		}
		return m.complete(ctx)

	case etm.PeripheralError:
		slog.Error("peripheral error", slog.String("message", e.Message))
		if m.tx == nil {
			return m.unexpected(ev)
		}
		m.fail(fmt.Errorf("%w: %s", ErrPeripheral, e.Message))
		return nil

	case etm.Unrecognized:
		slog.Info("peripheral says", slog.String("line", e.Raw))
		return nil
	}

	return m.unexpected(ev)
}

// ChannelLost fails any in-flight transaction after the peripheral link
// dropped. A selected fare without a transaction is kept.
func (m *Machine) ChannelLost(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready = false
	if m.tx == nil {
		return
	}
	m.fail(fmt.Errorf("channel lost: %w", cause))
}

func (m *Machine) handleCard(ctx context.Context, uid etm.CardUID) error {
	switch m.state {
	case Authenticating, Deducting, AwaitingPrint:
		slog.Info("card already in progress, ignoring tap",
			slog.String("uid", string(uid)),
			slog.String("tx", m.tx.ID.String()))
		return nil
	case FareSelected:
	default:
		slog.Warn("please select fare first", slog.String("uid", string(uid)))
		return ErrFareNotSelected
	}

	from := m.publicState()
	m.tx = &Transaction{
		ID:        uuid.New(),
		UID:       uid,
		Fare:      m.fare,
		State:     Authenticating,
		StartedAt: m.clock.Now(),
	}
	m.setState(from, Authenticating, "")
	slog.Info("card detected",
		slog.String("uid", string(uid)),
		slog.String("tx", m.tx.ID.String()),
		slog.Int64("fare", int64(m.fare)))

	if err := m.emit(ctx, etm.Auth{UID: uid, Fare: m.fare}); err != nil {
		m.fail(fmt.Errorf("send auth: %w", err))
		return err
	}
	m.armTimeout(Authenticating, m.cfg.AuthTimeout)
	return nil
}

func (m *Machine) handleAuthSuccess(ctx context.Context) {
	m.stopTimers()
	m.tx.State = Deducting
	m.setState(Authenticating, Deducting, "")
	slog.Info("card authenticated", slog.String("tx", m.tx.ID.String()))

	if m.cfg.DeductDelay <= 0 {
		m.sendDeduct(ctx)
		return
	}

	id := m.tx.ID
	m.deductTimer = m.clock.AfterFunc(m.cfg.DeductDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.tx == nil || m.tx.ID != id || m.state != Deducting || m.tx.DeductSent {
			slog.Debug("stale deduct suppressed", slog.String("tx", id.String()))
			return
		}
		m.sendDeduct(context.Background())
	})
}

func (m *Machine) sendDeduct(ctx context.Context) {
	if err := m.emit(ctx, etm.Deduct{Amount: m.tx.Fare}); err != nil {
		m.fail(fmt.Errorf("send deduct: %w", err))
		return
	}
	m.tx.DeductSent = true
	m.armTimeout(Deducting, m.cfg.DeductTimeout)
}

func (m *Machine) complete(ctx context.Context) error {
	m.stopTimers()
	tx := m.tx
	tx.State = AwaitingPrint
	m.setState(Deducting, AwaitingPrint, "")

	recErr := m.recorder.Record(ctx, ledger.Completion{
		TxID: tx.ID.String(),
		UID:  tx.UID,
		Fare: tx.Fare,
		At:   m.clock.Now(),
	})
	if recErr != nil {
		slog.Error("ledger update failed, totals kept in memory",
			slog.String("tx", tx.ID.String()),
			slog.Any("error", recErr))
	}

	if err := m.emit(ctx, etm.Print{}); err != nil {
		slog.Error("receipt not printed", slog.String("tx", tx.ID.String()), slog.Any("error", err))
	}

	tx.State = Completed
	m.setState(AwaitingPrint, Completed, "")
	m.metrics.ObserveTransaction(metrics.OutcomeCompleted, int64(tx.Fare))
	slog.Info("transaction successful",
		slog.String("tx", tx.ID.String()),
		slog.Int64("fare", int64(tx.Fare)),
		slog.Duration("elapsed", m.clock.Now().Sub(tx.StartedAt)))
	m.reset(Completed)

	if recErr != nil {
		return fmt.Errorf("record completion: %w", recErr)
	}
	return nil
}

// fail ends the in-flight transaction without touching the ledger.
func (m *Machine) fail(err error) {
	m.stopTimers()
	from := m.publicState()
	if m.tx != nil {
		m.tx.State = Failed
		slog.Error("transaction failed", slog.String("tx", m.tx.ID.String()), slog.Any("error", err))
	}
	m.publish(from, Failed, err.Error(), err)
	m.metrics.ObserveTransaction(metrics.OutcomeFailed, int64(m.fare))
	m.reset(Failed)
}

func (m *Machine) armTimeout(st State, d time.Duration) {
	if d <= 0 {
		return
	}
	id := m.tx.ID
	m.timeoutTimer = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.tx == nil || m.tx.ID != id || m.state != st {
			return
		}
		m.fail(fmt.Errorf("%w while %s after %v", ErrTimeout, st, d))
	})
}

func (m *Machine) stopTimers() {
	if m.deductTimer != nil {
		m.deductTimer.Stop()
		m.deductTimer = nil
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

// reset clears fare and transaction and returns to Idle from a terminal state.
func (m *Machine) reset(from State) {
	m.tx = nil
	m.fare = 0
	m.setState(from, Idle, "")
}

func (m *Machine) emit(ctx context.Context, cmd etm.Command) error {
	if m.emitter == nil {
		return errors.New("txn: no peripheral")
	}
	if err := m.emitter.Send(ctx, cmd); err != nil {
		return err
	}
	m.metrics.ObserveCommand(cmd.Name())
	return nil
}

func (m *Machine) unexpected(ev etm.Event) error {
	state := m.publicState()
	slog.Warn("unexpected event", slog.String("event", ev.Kind()), slog.String("state", state.String()))
	m.metrics.ObserveUnexpected(ev.Kind(), state.String())
	return fmt.Errorf("%w: %s in %s", ErrUnexpectedEvent, ev.Kind(), state)
}

func (m *Machine) setState(from, to State, reason string) {
	m.publish(from, to, reason, nil)
}

func (m *Machine) publish(from, to State, reason string, err error) {
	m.state = to
	if to == FareSelected && m.ready {
		to = AwaitingCard
	}

	t := Transition{From: from, To: to, Fare: m.fare, Reason: reason, Err: err, At: m.clock.Now()}
	if m.tx != nil {
		t.TxID = m.tx.ID
		t.UID = m.tx.UID
	}
	for id, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
			slog.Warn("transition dropped for slow subscriber", slog.Int("subscriber", id))
		}
	}
}
