package serial

import (
	"context"
	"errors"
)

// ErrClosed is returned by channel operations after Close.
var ErrClosed = errors.New("serial: channel closed")

// Channel is an opened duplex byte stream to the peripheral.
type Channel interface {
	// ReadChunk blocks until bytes arrive. It returns io.EOF once the stream
	// has ended and ErrClosed after Close; Close unblocks a pending call.
	ReadChunk(ctx context.Context) ([]byte, error)
	// WriteLine writes text followed by a line feed.
	WriteLine(ctx context.Context, text string) error
	Close() error
}

// Opener opens a Channel to the peripheral.
type Opener interface {
	Open(ctx context.Context) (Channel, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context) (Channel, error) {
	return f(ctx)
}

// Info describes a serial port found on the host.
type Info struct {
	Name      string
	IsUSB     bool
	VendorID  string
	ProductID string
	Serial    string
	Product   string
}
