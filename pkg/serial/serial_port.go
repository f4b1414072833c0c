package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bugserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 100 * time.Millisecond

	readChunkSize = 256
)

// PortConfig selects and configures a serial port.
type PortConfig struct {
	Name        string
	BaudRate    int
	ReadTimeout time.Duration // Poll interval for context cancellation (default 100ms)
}

// PortOpener opens the port described by Config with go.bug.st/serial.
type PortOpener struct {
	Config PortConfig
}

func (o PortOpener) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Config.Name == "" {
		return nil, errors.New("serial: no port name configured")
	}

	baud := o.Config.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	readTimeout := o.Config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	port, err := bugserial.Open(o.Config.Name, &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", o.Config.Name, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", o.Config.Name, err)
	}

	slog.Info("serial port opened", slog.String("port", o.Config.Name), slog.Int("baud", baud))
	return &portChannel{port: port, name: o.Config.Name, closed: make(chan struct{})}, nil
}

type portChannel struct {
	port bugserial.Port
	name string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *portChannel) ReadChunk(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		// With a read timeout set, a zero-length read with no error means the
		// timeout elapsed.
		n, err := c.port.Read(buf)
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("read %s: %w", c.name, err)
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
}

func (c *portChannel) WriteLine(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	b := []byte(text + "\n")
	for len(b) > 0 {
		n, err := c.port.Write(b)
		if err != nil {
			return fmt.Errorf("write %s: %w", c.name, err)
		}
		b = b[n:]
	}
	return nil
}

func (c *portChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.port.Close()
		slog.Info("serial port closed", slog.String("port", c.name))
	})
	return err
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]Info, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	out := make([]Info, 0, len(ports))
	for _, p := range ports {
		out = append(out, Info{
			Name:      p.Name,
			IsUSB:     p.IsUSB,
			VendorID:  p.VID,
			ProductID: p.PID,
			Serial:    p.SerialNumber,
			Product:   p.Product,
		})
	}
	return out, nil
}
