package txn

import (
	"time"

	"github.com/google/uuid"

	"github.com/seagrayinc/etm/pkg/etm"
)

// State is a step of the transaction lifecycle.
type State int

const (
	Idle State = iota
	// FareSelected: a fare is chosen but no peripheral is ready to read a card.
	FareSelected
	// AwaitingCard: a fare is chosen and the peripheral is ready.
	AwaitingCard
	Authenticating
	Deducting
	AwaitingPrint
	Completed
	Cancelled
	Failed
)

var stateNames = map[State]string{
	Idle:           "idle",
	FareSelected:   "fare_selected",
	AwaitingCard:   "awaiting_card",
	Authenticating: "authenticating",
	Deducting:      "deducting",
	AwaitingPrint:  "awaiting_print",
	Completed:      "completed",
	Cancelled:      "cancelled",
	Failed:         "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether s ends a transaction.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// InFlight reports whether a card transaction is owned by the machine in s.
func (s State) InFlight() bool {
	return s == Authenticating || s == Deducting || s == AwaitingPrint
}

// Transaction is the single card payment the machine is processing.
type Transaction struct {
	ID        uuid.UUID
	UID       etm.CardUID
	Fare      etm.Fare
	State     State
	StartedAt time.Time
	// DeductSent is set once DEDUCT has been handed to the peripheral. Until
	// then a WRITE_SUCCESS cannot belong to this transaction.
	DeductSent bool
}

// Status is a point-in-time view of the machine.
type Status struct {
	State       State
	Fare        etm.Fare
	Transaction *Transaction
}

// Transition is published for every state change. Reason is set for Failed
// and for advisories that did not change state. Err is the cause of a Failed
// transition and matches ErrTimeout, ErrPeripheral or the channel error.
type Transition struct {
	From   State
	To     State
	Fare   etm.Fare
	TxID   uuid.UUID
	UID    etm.CardUID
	Reason string
	Err    error
	At     time.Time
}
