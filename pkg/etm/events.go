package etm

// Event is a peripheral to host notification decoded from one line.
type Event interface {
	Kind() string
}

// Unrecognized is any line that is not part of the protocol. Firmware prints
// diagnostics this way; they carry no meaning for a transaction.
type Unrecognized struct {
	Raw string
}

func (Unrecognized) Kind() string { return "unrecognized" }
