package etm

import "fmt"

const (
	etm_AUTH_CMD     = "AUTH"
	etm_AUTH_SUCCESS = "AUTH_SUCCESS"
)

// Auth asks the peripheral to authenticate the presented card for a fare.
type Auth struct {
	UID  CardUID
	Fare Fare
}

func (Auth) Name() string { return etm_AUTH_CMD }

func (a Auth) Args() ([]string, error) {
	if a.UID == "" {
		return nil, fmt.Errorf("empty card uid: %w", ErrInvalidArgument)
	}
	if err := requirePositive(a.Fare); err != nil {
		return nil, err
	}
	return []string{string(a.UID), a.Fare.String()}, nil
}

// AuthSuccess reports that the card in the field authenticated.
type AuthSuccess struct{}

func (AuthSuccess) Kind() string { return "auth_success" }
