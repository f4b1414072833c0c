package etm

const etm_ERROR = "ERROR"

// PeripheralError is a business failure reported by the peripheral, for
// example an insufficient card balance.
type PeripheralError struct {
	Message string
}

func (PeripheralError) Kind() string { return "error" }

func (e PeripheralError) Error() string {
	return "peripheral: " + e.Message
}

func parsePeripheralError(rest string) Event {
	return PeripheralError{Message: rest}
}
