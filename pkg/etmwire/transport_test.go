package etmwire

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/seagrayinc/etm/pkg/serial"
)

func receiveLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case l, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return l
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for line")
	}
	return ""
}

func TestTransportPoll(t *testing.T) {
	mock := serial.NewMockChannel()
	transport := &Transport{Channel: mock}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lines := transport.Poll(ctx)
	go func() {
		mock.EmitString("NFC_UID:UI")
		mock.EmitString("D1\r\nAUTH_SUCCESS\n")
		mock.EndOfStream()
	}()

	if got := receiveLine(t, lines); got != "NFC_UID:UID1" {
		t.Errorf("got %q", got)
	}
	if got := receiveLine(t, lines); got != "AUTH_SUCCESS" {
		t.Errorf("got %q", got)
	}

	select {
	case _, ok := <-lines:
		if ok {
			t.Fatal("expected line channel to close")
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for close")
	}
	if !errors.Is(transport.Err(), io.EOF) {
		t.Errorf("Err() = %v, want io.EOF", transport.Err())
	}
	if !mock.Closed() {
		t.Error("channel not closed after end of stream")
	}
}

func TestTransportPollOverflow(t *testing.T) {
	mock := serial.NewMockChannel()
	transport := &Transport{Channel: mock, MaxLineBytes: 8}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lines := transport.Poll(ctx)
	mock.EmitString(strings.Repeat("A", 9))

	for range lines {
	}
	if !errors.Is(transport.Err(), ErrFramingOverflow) {
		t.Errorf("Err() = %v, want ErrFramingOverflow", transport.Err())
	}
}

func TestTransportSend(t *testing.T) {
	mock := serial.NewMockChannel()
	transport := &Transport{Channel: mock}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Send(ctx, "INIT"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Send before StartSender: got %v", err)
	}

	transport.StartSender(ctx)
	if err := transport.Send(ctx, "INIT", "MAGIC:x"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := receiveLine(t, mock.Written()); got != "INIT" {
		t.Errorf("got %q", got)
	}
	if got := receiveLine(t, mock.Written()); got != "MAGIC:x" {
		t.Errorf("got %q", got)
	}
}

func TestTransportSendFailure(t *testing.T) {
	mock := serial.NewMockChannel()
	transport := &Transport{Channel: mock}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	writeErr := errors.New("device unplugged")
	mock.FailWrites(writeErr)
	transport.StartSender(ctx)
	if err := transport.Send(ctx, "PRINT"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for transport.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(transport.Err(), writeErr) {
		t.Fatalf("Err() = %v, want %v", transport.Err(), writeErr)
	}
	if !mock.Closed() {
		t.Error("channel not closed after write failure")
	}
	if err := transport.Send(ctx, "PRINT"); !errors.Is(err, writeErr) {
		t.Errorf("Send after failure: got %v", err)
	}
}
