package etm

const etm_PRINT_CMD = "PRINT"

// Print prints the receipt for the transaction that just completed.
type Print struct{}

func (Print) Name() string            { return etm_PRINT_CMD }
func (Print) Args() ([]string, error) { return nil, nil }
