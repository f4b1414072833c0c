package etm

const etm_INIT_CMD = "INIT"

// Init resets the peripheral's reader and printer.
type Init struct{}

func (Init) Name() string            { return etm_INIT_CMD }
func (Init) Args() ([]string, error) { return nil, nil }
