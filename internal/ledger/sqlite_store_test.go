package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/seagrayinc/etm/internal/clock"
)

func TestSQLiteStoreEmpty(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load on empty database: got %v", err)
	}
}

func TestSQLiteStoreJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	c := clock.Fake(monday)

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	l := Open(ctx, store, WithClock(c))

	if err := l.Record(ctx, Completion{TxID: "tx-1", UID: "UID1", Fare: 30}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, Completion{TxID: "tx-2", UID: "UID2", Fare: 20}); err != nil {
		t.Fatal(err)
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].TxID != "tx-2" || recent[1].UID != "UID1" || recent[1].Fare != 30 {
		t.Errorf("journal: %+v", recent)
	}
	if !recent[0].At.Equal(monday) {
		t.Errorf("completion time %v", recent[0].At)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	snap := Open(ctx, reopened, WithClock(c)).Snapshot()
	if snap.TodayTotal != 50 || snap.WeekTx != 2 || snap.WeekData[Monday].Amount != 50 {
		t.Errorf("reloaded snapshot: %+v", snap)
	}
}
