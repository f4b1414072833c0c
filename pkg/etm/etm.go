// Package etm implements the line protocol spoken between the fare terminal and
// the ETM card-reader/printer peripheral. Every command and every event is a
// single LF-terminated line of text.

package etm

import (
	"errors"
	"strconv"
)

// ArgumentSeparator separates a command/event name from its arguments.
const ArgumentSeparator = ":"

var (
	// ErrInvalidArgument is returned by Encode when a command argument cannot be
	// represented on the wire. The command is never sent.
	ErrInvalidArgument = errors.New("etm: invalid command argument")
)

// Fare is an amount in the smallest currency unit. Zero means no fare.
type Fare int64

func (f Fare) String() string {
	return strconv.FormatInt(int64(f), 10)
}

// CardUID identifies a card as reported by the peripheral.
type CardUID string
