package metrics

import "github.com/prometheus/client_golang/prometheus"

const metricPrefix = "etm_"

// Outcome labels for TransactionsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics bundles terminal metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TransactionsTotal *prometheus.CounterVec
	FareCollected     prometheus.Counter
	UnexpectedEvents  *prometheus.CounterVec
	PeripheralEvents  *prometheus.CounterVec
	CommandsSent      *prometheus.CounterVec
	LedgerSaves       *prometheus.CounterVec
	Connected         prometheus.Gauge
}

// New constructs metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transactions_total",
				Help: "Finished transactions by outcome",
			},
			[]string{"outcome"},
		),
		FareCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fare_collected_total",
			Help: "Sum of completed fares in the smallest currency unit",
		}),
		UnexpectedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "unexpected_events_total",
				Help: "Peripheral events ignored because the state did not expect them",
			},
			[]string{"event", "state"},
		),
		PeripheralEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "peripheral_events_total",
				Help: "Decoded peripheral lines by kind",
			},
			[]string{"kind"},
		),
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_sent_total",
				Help: "Commands queued to the peripheral by name",
			},
			[]string{"command"},
		),
		LedgerSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_saves_total",
				Help: "Ledger persistence attempts by result",
			},
			[]string{"result"},
		),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "peripheral_connected",
			Help: "1 while a peripheral session is open",
		}),
	}
	reg.MustRegister(
		m.TransactionsTotal,
		m.FareCollected,
		m.UnexpectedEvents,
		m.PeripheralEvents,
		m.CommandsSent,
		m.LedgerSaves,
		m.Connected,
	)
	return m
}

func (m *Metrics) ObserveTransaction(outcome string, fare int64) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCompleted {
		m.FareCollected.Add(float64(fare))
	}
}

func (m *Metrics) ObserveUnexpected(event, state string) {
	if m == nil {
		return
	}
	m.UnexpectedEvents.WithLabelValues(event, state).Inc()
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.PeripheralEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCommand(name string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveSave(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.LedgerSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
