package etm

const (
	etm_DEDUCT_CMD    = "DEDUCT"
	etm_WRITE_SUCCESS = "WRITE_SUCCESS"
)

// Deduct asks the peripheral to write the reduced balance back to the card.
type Deduct struct {
	Amount Fare
}

func (Deduct) Name() string { return etm_DEDUCT_CMD }

func (d Deduct) Args() ([]string, error) {
	if err := requirePositive(d.Amount); err != nil {
		return nil, err
	}
	return []string{d.Amount.String()}, nil
}

// WriteSuccess reports that the deduction was written to the card.
type WriteSuccess struct{}

func (WriteSuccess) Kind() string { return "write_success" }
