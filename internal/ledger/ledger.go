// Package ledger keeps the terminal's running totals of completed fares:
// today, the rolling week and one bucket per weekday. Every mutation is
// persisted as a full snapshot before the call returns.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seagrayinc/etm/internal/clock"
	"github.com/seagrayinc/etm/internal/metrics"
	"github.com/seagrayinc/etm/pkg/etm"
)

const dateLayout = "2006-01-02"

var (
	ErrPersistence = errors.New("ledger: persistence failed")
	ErrInvariant   = errors.New("ledger: invariant violated")
	ErrInvalidFare = errors.New("ledger: fare must be positive")
)

// Weekday keys the per-day buckets in the stored document.
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// Weekdays lists the bucket keys Monday first.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// WeekdayOf returns the bucket key for t's calendar day.
func WeekdayOf(t time.Time) Weekday {
	// time.Sunday == 0
	return Weekdays[(int(t.Weekday())+6)%7]
}

// DayBucket accumulates one calendar day. Date is the day the bucket was last
// started.
type DayBucket struct {
	Amount       etm.Fare `json:"amount"`
	Transactions int64    `json:"transactions"`
	Date         string   `json:"date"`
}

// Snapshot is the persisted ledger document.
type Snapshot struct {
	TodayTotal  etm.Fare              `json:"todayTotal"`
	WeekTotal   etm.Fare              `json:"weekTotal"`
	TodayTx     int64                 `json:"todayTx"`
	WeekTx      int64                 `json:"weekTx"`
	WeekData    map[Weekday]DayBucket `json:"weekData"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// Export is a snapshot handed out of the terminal.
type Export struct {
	Snapshot
	ExportDate time.Time `json:"exportDate"`
}

// Completion is one fare booked into the ledger.
type Completion struct {
	TxID string
	UID  etm.CardUID
	Fare etm.Fare
	At   time.Time
}

// Check verifies that the week totals equal the sum of the day buckets.
func (s Snapshot) Check() error {
	var amount etm.Fare
	var count int64
	for _, b := range s.WeekData {
		amount += b.Amount
		count += b.Transactions
	}
	if amount != s.WeekTotal {
		return fmt.Errorf("%w: week total %d, buckets sum %d", ErrInvariant, s.WeekTotal, amount)
	}
	if count != s.WeekTx {
		return fmt.Errorf("%w: week transactions %d, buckets sum %d", ErrInvariant, s.WeekTx, count)
	}
	return nil
}

// TodayAverage is the mean fare of today's transactions, 0 when there are none.
func (s Snapshot) TodayAverage() float64 {
	if s.TodayTx == 0 {
		return 0
	}
	return float64(s.TodayTotal) / float64(s.TodayTx)
}

// Average is the mean fare of the bucket, 0 when it is empty.
func (b DayBucket) Average() float64 {
	if b.Transactions == 0 {
		return 0
	}
	return float64(b.Amount) / float64(b.Transactions)
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.WeekData = make(map[Weekday]DayBucket, len(s.WeekData))
	for k, v := range s.WeekData {
		out.WeekData[k] = v
	}
	return out
}

// emptySnapshot returns a zeroed ledger whose buckets are dated to the week
// containing now.
func emptySnapshot(now time.Time) Snapshot {
	s := Snapshot{WeekData: make(map[Weekday]DayBucket, len(Weekdays))}
	offset := (int(now.Weekday()) + 6) % 7
	monday := now.AddDate(0, 0, -offset)
	for i, d := range Weekdays {
		s.WeekData[d] = DayBucket{Date: monday.AddDate(0, 0, i).Format(dateLayout)}
	}
	return s
}

// Ledger is safe for concurrent readers; writers are serialized.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	clock   clock.Clock
	metrics *metrics.Metrics

	snap    Snapshot
	dirty   bool
	pending []Completion
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Open loads the ledger from store. A missing or unreadable snapshot yields a
// zeroed ledger; the problem is logged, never returned.
func Open(ctx context.Context, store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, clock: clock.Real()}
	for _, o := range opts {
		o(l)
	}
	l.snap = l.load(ctx)
	return l
}

func (l *Ledger) load(ctx context.Context) Snapshot {
	now := l.clock.Now()
	snap, err := l.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		slog.Info("no saved ledger, starting empty")
		return emptySnapshot(now)
	case err != nil:
		slog.Warn("ledger unreadable, starting empty", slog.Any("error", err))
		return emptySnapshot(now)
	}

	fresh := emptySnapshot(now)
	if snap.WeekData == nil {
		snap.WeekData = fresh.WeekData
	}
	for _, d := range Weekdays {
		if _, ok := snap.WeekData[d]; !ok {
			snap.WeekData[d] = fresh.WeekData[d]
		}
	}
	for k := range snap.WeekData {
		if !isWeekday(k) {
			slog.Warn("dropping unknown ledger bucket", slog.String("key", string(k)))
			delete(snap.WeekData, k)
		}
	}

	if err := snap.Check(); err != nil {
		slog.Warn("rebuilding week totals from buckets", slog.Any("error", err))
		snap.WeekTotal, snap.WeekTx = 0, 0
		for _, b := range snap.WeekData {
			snap.WeekTotal += b.Amount
			snap.WeekTx += b.Transactions
		}
	}
	expireBuckets(&snap, now)

	slog.Info("ledger loaded",
		slog.Int64("today_total", int64(snap.TodayTotal)),
		slog.Int64("week_total", int64(snap.WeekTotal)))
	return snap
}

// expireBuckets empties every bucket dated before the seven days ending at
// at and takes its amount out of the week totals. An emptied bucket is dated
// to its weekday inside that window.
func expireBuckets(s *Snapshot, at time.Time) {
	cutoff := at.AddDate(0, 0, -6).Format(dateLayout)
	today := (int(at.Weekday()) + 6) % 7
	for i, d := range Weekdays {
		b := s.WeekData[d]
		if b.Date >= cutoff {
			continue
		}
		s.WeekTotal -= b.Amount
		s.WeekTx -= b.Transactions
		back := (today - i + 7) % 7
		s.WeekData[d] = DayBucket{Date: at.AddDate(0, 0, -back).Format(dateLayout)}
	}
}

func isWeekday(k Weekday) bool {
	for _, d := range Weekdays {
		if d == k {
			return true
		}
	}
	return false
}

// RecordCompletion books fare at the current time.
func (l *Ledger) RecordCompletion(ctx context.Context, fare etm.Fare) error {
	return l.Record(ctx, Completion{Fare: fare})
}

// Record books a completed transaction into today, the week and the bucket
// for the completion day, then persists. A zero At is stamped with the current
// time. If persisting fails the in-memory totals keep the completion and the
// ledger stays dirty until Save succeeds.
func (l *Ledger) Record(ctx context.Context, c Completion) error {
	if c.Fare <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFare, c.Fare)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c.At.IsZero() {
		c.At = l.clock.Now()
	}
	day := WeekdayOf(c.At)
	date := c.At.Format(dateLayout)

	next := l.snap.clone()
	expireBuckets(&next, c.At)
	bucket := next.WeekData[day]
	if bucket.Date != date {
		next.WeekTotal -= bucket.Amount
		next.WeekTx -= bucket.Transactions
		bucket = DayBucket{Date: date}
	}
	bucket.Amount += c.Fare
	bucket.Transactions++
	next.WeekData[day] = bucket

	next.TodayTotal += c.Fare
	next.TodayTx++
	next.WeekTotal += c.Fare
	next.WeekTx++
	next.LastUpdated = c.At

	if err := next.Check(); err != nil {
		return err
	}

	l.snap = next
	l.pending = append(l.pending, c)
	l.dirty = true

	slog.Info("fare recorded",
		slog.String("tx", c.TxID),
		slog.Int64("fare", int64(c.Fare)),
		slog.String("day", string(day)),
		slog.Int64("today_total", int64(next.TodayTotal)))

	return l.saveLocked(ctx)
}

// ResetToday zeroes today's totals. Week totals and buckets are kept.
func (l *Ledger) ResetToday(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.snap.clone()
	next.TodayTotal = 0
	next.TodayTx = 0
	next.LastUpdated = l.clock.Now()

	l.snap = next
	l.dirty = true
	slog.Warn("today's totals reset")

	return l.saveLocked(ctx)
}

// Save persists the current snapshot. Use it to retry after a failed
// RecordCompletion or ResetToday.
func (l *Ledger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(ctx)
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	snap := l.snap.clone()

	var err error
	if j, ok := l.store.(Journal); ok {
		err = j.SaveCompletions(ctx, snap, l.pending)
	} else {
		err = l.store.Save(ctx, snap)
	}
	l.metrics.ObserveSave(err)

	if err != nil {
		slog.Error("ledger save failed", slog.Any("error", err), slog.Int("pending", len(l.pending)))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	l.pending = nil
	l.dirty = false
	return nil
}

// Dirty reports whether the in-memory ledger has changes that failed to persist.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Snapshot returns a copy of the current totals.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.clone()
}

// Export returns the current totals stamped with the export time.
func (l *Ledger) Export() Export {
	return Export{Snapshot: l.Snapshot(), ExportDate: l.clock.Now()}
}

// WriteExport writes Export as indented JSON to dir/etm_data_<date>.json and
// returns the file path.
func (l *Ledger) WriteExport(dir string) (string, error) {
	e := l.Export()
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, "etm_data_"+e.ExportDate.Format(dateLayout)+".json")
	if err := writeFileAtomic(path, b); err != nil {
		return "", err
	}
	slog.Info("ledger exported", slog.String("path", path))
	return path, nil
}
