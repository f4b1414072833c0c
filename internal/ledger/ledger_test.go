package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seagrayinc/etm/internal/clock"
	"github.com/seagrayinc/etm/pkg/etm"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type flakyStore struct {
	mu    sync.Mutex
	inner Store
	err   error
	saves int
}

func (s *flakyStore) Load(ctx context.Context) (Snapshot, error) { return s.inner.Load(ctx) }

func (s *flakyStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	return s.inner.Save(ctx, snap)
}

func (s *flakyStore) Close() error { return nil }

func (s *flakyStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func newTestLedger(t *testing.T, c clock.Clock) (*Ledger, FileStore) {
	t.Helper()
	store := FileStore{Path: filepath.Join(t.TempDir(), "ledger.json")}
	return Open(context.Background(), store, WithClock(c)), store
}

func mustCheck(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.Snapshot().Check(); err != nil {
		t.Fatal(err)
	}
}

func TestWeekdayOf(t *testing.T) {
	for i, want := range Weekdays {
		if got := WeekdayOf(monday.AddDate(0, 0, i)); got != want {
			t.Errorf("day %d: got %s, want %s", i, got, want)
		}
	}
}

func TestEmptyLedgerDatesCurrentWeek(t *testing.T) {
	wednesday := monday.AddDate(0, 0, 2)
	l, _ := newTestLedger(t, clock.Fake(wednesday))

	snap := l.Snapshot()
	if snap.WeekData[Monday].Date != "2026-03-02" || snap.WeekData[Sunday].Date != "2026-03-08" {
		t.Errorf("bucket dates: mon %s sun %s", snap.WeekData[Monday].Date, snap.WeekData[Sunday].Date)
	}
	mustCheck(t, l)
}

func TestRecordCompletion(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, clock.Fake(monday))

	if err := l.RecordCompletion(ctx, 30); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}

	snap := l.Snapshot()
	if snap.TodayTotal != 30 || snap.TodayTx != 1 || snap.WeekTotal != 30 || snap.WeekTx != 1 {
		t.Errorf("totals: %+v", snap)
	}
	if b := snap.WeekData[Monday]; b.Amount != 30 || b.Transactions != 1 || b.Date != "2026-03-02" {
		t.Errorf("monday bucket: %+v", b)
	}
	if !snap.LastUpdated.Equal(monday) {
		t.Errorf("LastUpdated = %v", snap.LastUpdated)
	}
	if l.Dirty() {
		t.Error("ledger dirty after successful save")
	}
}

func TestRecordCompletionRejectsNonPositive(t *testing.T) {
	l, _ := newTestLedger(t, clock.Fake(monday))
	for _, fare := range []etm.Fare{0, -10} {
		if err := l.RecordCompletion(context.Background(), fare); !errors.Is(err, ErrInvalidFare) {
			t.Errorf("fare %d: got %v", fare, err)
		}
	}
	if l.Snapshot().WeekTx != 0 {
		t.Error("rejected fare was booked")
	}
}

func TestResetToday(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, clock.Fake(monday))

	for i := 0; i < 2; i++ {
		if err := l.RecordCompletion(ctx, 10); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.ResetToday(ctx); err != nil {
		t.Fatalf("ResetToday failed: %v", err)
	}

	snap := l.Snapshot()
	if snap.TodayTotal != 0 || snap.TodayTx != 0 {
		t.Errorf("today not reset: %+v", snap)
	}
	if snap.WeekTotal != 20 || snap.WeekTx != 2 {
		t.Errorf("week changed: total %d tx %d", snap.WeekTotal, snap.WeekTx)
	}
	mustCheck(t, l)

	saved, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if saved.TodayTotal != 0 || saved.WeekTotal != 20 {
		t.Errorf("reset not persisted: %+v", saved)
	}
}

func TestInvariantAcrossDays(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(monday)
	l, _ := newTestLedger(t, c)

	fares := []etm.Fare{10, 20, 5, 30, 15, 25, 40, 10, 50, 5}
	for i, fare := range fares {
		// Walk through nine days so the first buckets get reused.
		c.Set(monday.AddDate(0, 0, i))
		if err := l.RecordCompletion(ctx, fare); err != nil {
			t.Fatal(err)
		}
		mustCheck(t, l)
		if err := l.RecordCompletion(ctx, 1); err != nil {
			t.Fatal(err)
		}
		mustCheck(t, l)
	}

	snap := l.Snapshot()
	// Days 3..9 remain: 30 15 25 40 10 50 5 plus one unit each.
	if snap.WeekTotal != 175+7 || snap.WeekTx != 14 {
		t.Errorf("week: total %d tx %d", snap.WeekTotal, snap.WeekTx)
	}
	if snap.TodayTx != 20 {
		t.Errorf("today tx %d, want 20 (today is only reset explicitly)", snap.TodayTx)
	}
}

func TestBucketRecycledAfterAWeek(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(monday)
	l, _ := newTestLedger(t, c)

	if err := l.RecordCompletion(ctx, 30); err != nil {
		t.Fatal(err)
	}
	c.Set(monday.AddDate(0, 0, 7))
	if err := l.RecordCompletion(ctx, 20); err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()
	if b := snap.WeekData[Monday]; b.Amount != 20 || b.Transactions != 1 || b.Date != "2026-03-09" {
		t.Errorf("monday bucket: %+v", b)
	}
	if snap.WeekTotal != 20 || snap.WeekTx != 1 {
		t.Errorf("week: total %d tx %d", snap.WeekTotal, snap.WeekTx)
	}
	if snap.TodayTotal != 50 {
		t.Errorf("today total %d", snap.TodayTotal)
	}
}

func TestWeekDropsDaysOlderThanSeven(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(monday)
	l, store := newTestLedger(t, c)

	if err := l.RecordCompletion(ctx, 100); err != nil {
		t.Fatal(err)
	}
	c.Set(monday.AddDate(0, 0, 3))
	if err := l.RecordCompletion(ctx, 7); err != nil {
		t.Fatal(err)
	}

	// Ten days on is a Thursday; neither Monday nor last Thursday is in the week.
	c.Set(monday.AddDate(0, 0, 10))
	if err := l.RecordCompletion(ctx, 5); err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()
	if snap.WeekTotal != 5 || snap.WeekTx != 1 {
		t.Errorf("week: total %d tx %d, want 5/1", snap.WeekTotal, snap.WeekTx)
	}
	if b := snap.WeekData[Monday]; b.Amount != 0 || b.Transactions != 0 || b.Date != "2026-03-09" {
		t.Errorf("monday bucket: %+v", b)
	}
	if b := snap.WeekData[Thursday]; b.Amount != 5 || b.Date != "2026-03-12" {
		t.Errorf("thursday bucket: %+v", b)
	}
	mustCheck(t, l)

	// A ledger left untouched for a week loads with an empty week.
	c.Set(monday.AddDate(0, 0, 20))
	reloaded := Open(ctx, store, WithClock(c))
	got := reloaded.Snapshot()
	if got.WeekTotal != 0 || got.WeekTx != 0 {
		t.Errorf("reloaded week: total %d tx %d", got.WeekTotal, got.WeekTx)
	}
	if got.TodayTotal != 112 {
		t.Errorf("today total %d, want 112", got.TodayTotal)
	}
	if err := got.Check(); err != nil {
		t.Error(err)
	}
}

func TestCompletionBooksToCompletionDay(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Date(2026, 3, 2, 23, 59, 59, 0, time.UTC))
	l, _ := newTestLedger(t, c)

	c.Advance(2 * time.Second)
	if err := l.RecordCompletion(ctx, 15); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if snap.WeekData[Tuesday].Amount != 15 || snap.WeekData[Monday].Amount != 0 {
		t.Errorf("booked to wrong day: %+v", snap.WeekData)
	}
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(monday)
	l, store := newTestLedger(t, c)

	for _, f := range []etm.Fare{10, 20} {
		if err := l.RecordCompletion(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	reloaded := Open(ctx, store, WithClock(c))
	got, want := reloaded.Snapshot(), l.Snapshot()
	if got.TodayTotal != want.TodayTotal || got.WeekTx != want.WeekTx || got.WeekData[Monday] != want.WeekData[Monday] {
		t.Errorf("reloaded %+v, want %+v", got, want)
	}
	if !got.LastUpdated.Equal(want.LastUpdated) {
		t.Errorf("LastUpdated %v, want %v", got.LastUpdated, want.LastUpdated)
	}
}

func TestLoadCorruptYieldsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte(`{"todayTotal": 12, "weekData": [`), 0o644); err != nil {
		t.Fatal(err)
	}

	l := Open(context.Background(), FileStore{Path: path}, WithClock(clock.Fake(monday)))
	snap := l.Snapshot()
	if snap.TodayTotal != 0 || snap.WeekTotal != 0 || len(snap.WeekData) != 7 {
		t.Errorf("expected empty ledger, got %+v", snap)
	}
}

func TestLoadRepairsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	doc := `{"todayTotal": 40, "weekTotal": 999, "todayTx": 2, "weekTx": 7,
		"weekData": {"mon": {"amount": 40, "transactions": 2, "date": "2026-03-02"}, "xyz": {"amount": 5}},
		"lastUpdated": "2026-03-02T09:00:00Z"}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	l := Open(context.Background(), FileStore{Path: path}, WithClock(clock.Fake(monday)))
	snap := l.Snapshot()
	if snap.WeekTotal != 40 || snap.WeekTx != 2 {
		t.Errorf("week totals not rebuilt: %d/%d", snap.WeekTotal, snap.WeekTx)
	}
	if len(snap.WeekData) != 7 {
		t.Errorf("buckets: %v", snap.WeekData)
	}
	if snap.TodayTotal != 40 {
		t.Errorf("today total %d", snap.TodayTotal)
	}
}

func TestSaveFailureKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{inner: FileStore{Path: filepath.Join(t.TempDir(), "ledger.json")}}
	l := Open(ctx, store, WithClock(clock.Fake(monday)))

	store.setErr(errors.New("disk full"))
	err := l.RecordCompletion(ctx, 25)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if snap := l.Snapshot(); snap.TodayTotal != 25 || snap.WeekTx != 1 {
		t.Errorf("completion lost from memory: %+v", snap)
	}
	if !l.Dirty() {
		t.Error("ledger should be dirty")
	}

	store.setErr(nil)
	if err := l.Save(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if l.Dirty() {
		t.Error("ledger still dirty after retry")
	}
	saved, err := store.inner.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if saved.TodayTotal != 25 {
		t.Errorf("saved today total %d", saved.TodayTotal)
	}
}

func TestWriteExport(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(monday)
	l, _ := newTestLedger(t, c)
	if err := l.RecordCompletion(ctx, 30); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "exports")
	path, err := l.WriteExport(dir)
	if err != nil {
		t.Fatalf("WriteExport failed: %v", err)
	}
	if filepath.Base(path) != "etm_data_2026-03-02.json" {
		t.Errorf("export path %s", path)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"todayTotal", "weekTotal", "todayTx", "weekTx", "weekData", "lastUpdated", "exportDate"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("export missing %q", key)
		}
	}
	if doc["todayTotal"].(float64) != 30 {
		t.Errorf("todayTotal = %v", doc["todayTotal"])
	}
}

func TestAverages(t *testing.T) {
	s := Snapshot{TodayTotal: 45, TodayTx: 2}
	if s.TodayAverage() != 22.5 {
		t.Errorf("TodayAverage = %v", s.TodayAverage())
	}
	if (DayBucket{}).Average() != 0 {
		t.Error("empty bucket average should be 0")
	}
}
