package etm

import (
	"fmt"
	"log/slog"
	"strings"
)

// Command is a host to peripheral instruction.
type Command interface {
	// Name is the wire keyword, e.g. "AUTH".
	Name() string
	// Args returns the colon separated arguments in wire order.
	Args() ([]string, error)
}

// Encode renders cmd as a single wire line without the trailing LF.
func Encode(cmd Command) (string, error) {
	args, err := cmd.Args()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Name(), err)
	}

	var b strings.Builder
	b.WriteString(cmd.Name())
	for i, a := range args {
		if strings.ContainsAny(a, "\r\n") {
			return "", fmt.Errorf("%s argument %d contains a line break: %w", cmd.Name(), i, ErrInvalidArgument)
		}
		b.WriteString(ArgumentSeparator)
		b.WriteString(a)
	}
	return b.String(), nil
}

type parserFunc func(rest string) Event

var (
	// Lines that must match exactly.
	exactEvents = map[string]Event{
		etm_AUTH_SUCCESS:  AuthSuccess{},
		etm_WRITE_SUCCESS: WriteSuccess{},
	}

	// Lines matched by keyword prefix; the parser receives the remainder.
	prefixParsers = []struct {
		prefix string
		parse  parserFunc
	}{
		{etm_NFC_UID + ArgumentSeparator, parseCardDetected},
		{etm_ERROR + ArgumentSeparator, parsePeripheralError},
	}
)

// Decode maps a received line to its event. It never fails: anything that is
// not a known event decodes to Unrecognized.
func Decode(line string) Event {
	if ev, ok := exactEvents[line]; ok {
		return ev
	}

	for _, p := range prefixParsers {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.parse(rest)
		}
	}

	if line != "" {
		slog.Debug("unrecognized peripheral line", slog.String("line", line))
	}
	return Unrecognized{Raw: line}
}

func requirePositive(f Fare) error {
	if f <= 0 {
		return fmt.Errorf("fare %d is not positive: %w", f, ErrInvalidArgument)
	}
	return nil
}
