package etm

const etm_KEYS_CMD = "KEYS"

// Keys loads the sector keys into the peripheral. The values are forwarded
// verbatim; the host never interprets them.
type Keys struct {
	KeyA      string
	KeyB      string
	MasterKey string
}

func (Keys) Name() string { return etm_KEYS_CMD }

func (k Keys) Args() ([]string, error) {
	return []string{k.KeyA, k.KeyB, k.MasterKey}, nil
}
