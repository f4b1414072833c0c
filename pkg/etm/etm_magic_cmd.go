package etm

const etm_MAGIC_CMD = "MAGIC"

// Magic sets the card signature the peripheral writes and checks.
type Magic struct {
	Value string
}

func (Magic) Name() string { return etm_MAGIC_CMD }

func (m Magic) Args() ([]string, error) {
	return []string{m.Value}, nil
}
