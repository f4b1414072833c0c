package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTransaction(OutcomeCompleted, 30)
	m.ObserveTransaction(OutcomeCompleted, 20)
	m.ObserveTransaction(OutcomeFailed, 10)
	m.ObserveUnexpected("write_success", "idle")
	m.ObserveEvent("card_detected")
	m.ObserveCommand("AUTH")
	m.ObserveSave(nil)
	m.ObserveSave(errors.New("disk full"))
	m.SetConnected(true)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"completed", m.TransactionsTotal.WithLabelValues(OutcomeCompleted), 2},
		{"failed", m.TransactionsTotal.WithLabelValues(OutcomeFailed), 1},
		{"fare collected", m.FareCollected, 50},
		{"unexpected", m.UnexpectedEvents.WithLabelValues("write_success", "idle"), 1},
		{"events", m.PeripheralEvents.WithLabelValues("card_detected"), 1},
		{"commands", m.CommandsSent.WithLabelValues("AUTH"), 1},
		{"save ok", m.LedgerSaves.WithLabelValues("success"), 1},
		{"save error", m.LedgerSaves.WithLabelValues("error"), 1},
		{"connected", m.Connected, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}

	m.SetConnected(false)
	if got := testutil.ToFloat64(m.Connected); got != 0 {
		t.Errorf("connected after disconnect: %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveTransaction(OutcomeCompleted, 1)
	m.ObserveUnexpected("a", "b")
	m.ObserveEvent("a")
	m.ObserveCommand("a")
	m.ObserveSave(nil)
	m.SetConnected(true)
}
