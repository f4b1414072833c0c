// Package terminal assembles the fare terminal: one ledger, one transaction
// machine and one peripheral session sharing a clock, metrics and logbook.
// Front ends (the console, the simulator) drive it through Terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seagrayinc/etm/internal/clock"
	"github.com/seagrayinc/etm/internal/config"
	"github.com/seagrayinc/etm/internal/ledger"
	"github.com/seagrayinc/etm/internal/logbook"
	"github.com/seagrayinc/etm/internal/metrics"
	"github.com/seagrayinc/etm/internal/session"
	"github.com/seagrayinc/etm/internal/txn"
	"github.com/seagrayinc/etm/pkg/etm"
	"github.com/seagrayinc/etm/pkg/serial"
)

// ErrNoJournal is returned by History when the ledger store keeps totals only.
var ErrNoJournal = errors.New("terminal: ledger store has no completion journal")

// Deps are the collaborators a Terminal does not build itself. Opener and
// Store are required.
type Deps struct {
	Opener  serial.Opener
	Store   ledger.Store
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logbook *logbook.Book
}

type Terminal struct {
	clock     clock.Clock
	store     ledger.Store
	book      *logbook.Book
	exportDir string

	ledger  *ledger.Ledger
	machine *txn.Machine
	session *session.Session
}

// New loads the ledger and wires machine and session. It does not connect.
func New(ctx context.Context, cfg config.Config, deps Deps) *Terminal {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	t := &Terminal{
		clock:     deps.Clock,
		store:     deps.Store,
		book:      deps.Logbook,
		exportDir: cfg.ExportDir,
	}
	t.ledger = ledger.Open(ctx, deps.Store,
		ledger.WithClock(deps.Clock),
		ledger.WithMetrics(deps.Metrics))
	t.machine = txn.New(cfg.MachineConfig(), emitter{t}, t.ledger,
		txn.WithClock(deps.Clock),
		txn.WithMetrics(deps.Metrics))
	t.session = session.New(cfg.SessionConfig(), deps.Opener, t.machine,
		session.WithClock(deps.Clock),
		session.WithMetrics(deps.Metrics))
	return t
}

// OpenStore opens the ledger store selected by cfg.
func OpenStore(cfg config.Ledger) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return ledger.OpenSQLite(cfg.Path)
	case config.BackendFile, "":
		return ledger.FileStore{Path: cfg.Path}, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// emitter routes machine output to whichever session is connected.
type emitter struct{ t *Terminal }

func (e emitter) Send(ctx context.Context, cmds ...etm.Command) error {
	if !e.t.session.Connected() {
		slog.Warn("peripheral not connected, command not sent")
		return session.ErrNotConnected
	}
	return e.t.session.Send(ctx, cmds...)
}

func (t *Terminal) SelectFare(amount etm.Fare) error {
	return t.machine.SelectFare(amount)
}

func (t *Terminal) CancelTransaction() error {
	return t.machine.Cancel()
}

func (t *Terminal) Connect(ctx context.Context) error {
	return t.session.Connect(ctx)
}

func (t *Terminal) Disconnect() error {
	return t.session.Disconnect()
}

func (t *Terminal) Connected() bool {
	return t.session.Connected()
}

// Ready reports whether the peripheral has been initialized on the open
// connection.
func (t *Terminal) Ready() bool {
	return t.session.Ready()
}

// SessionDone is closed when the current connection ends; nil when not
// connected.
func (t *Terminal) SessionDone() <-chan struct{} {
	return t.session.Done()
}

// SessionErr reports why the last connection ended.
func (t *Terminal) SessionErr() error {
	return t.session.Err()
}

func (t *Terminal) State() txn.Status {
	return t.machine.Status()
}

// Transitions subscribes to machine state changes.
func (t *Terminal) Transitions(buffer int) (<-chan txn.Transition, func()) {
	return t.machine.Subscribe(buffer)
}

func (t *Terminal) Ledger() ledger.Snapshot {
	return t.ledger.Snapshot()
}

func (t *Terminal) ResetToday(ctx context.Context) error {
	return t.ledger.ResetToday(ctx)
}

// SaveLedger retries persisting the ledger after a failed save.
func (t *Terminal) SaveLedger(ctx context.Context) error {
	return t.ledger.Save(ctx)
}

func (t *Terminal) LedgerDirty() bool {
	return t.ledger.Dirty()
}

func (t *Terminal) ExportSnapshot() ledger.Export {
	return t.ledger.Export()
}

// WriteExport writes the export document into the configured export
// directory and returns its path.
func (t *Terminal) WriteExport() (string, error) {
	return t.ledger.WriteExport(t.exportDir)
}

// History returns recently journaled completions, newest first.
func (t *Terminal) History(ctx context.Context, limit int) ([]ledger.Completion, error) {
	j, ok := t.store.(interface {
		Recent(ctx context.Context, limit int) ([]ledger.Completion, error)
	})
	if !ok {
		return nil, ErrNoJournal
	}
	return j.Recent(ctx, limit)
}

func (t *Terminal) Logs() []logbook.Entry {
	if t.book == nil {
		return nil
	}
	return t.book.Entries()
}

// SubscribeLogs streams new log entries. Without a logbook the channel is
// closed immediately.
func (t *Terminal) SubscribeLogs(buffer int) (<-chan logbook.Entry, func()) {
	if t.book == nil {
		ch := make(chan logbook.Entry)
		close(ch)
		return ch, func() {}
	}
	return t.book.Subscribe(buffer)
}

// Close disconnects, retries a pending ledger save and closes the store.
func (t *Terminal) Close(ctx context.Context) error {
	var errs []error
	if t.session.Connected() {
		if err := t.session.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.ledger.Dirty() {
		if err := t.ledger.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
