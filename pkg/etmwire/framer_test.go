package etmwire

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func feedAll(t *testing.T, f *Framer, chunks [][]byte) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		lines, err := f.Feed(c)
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		out = append(out, lines...)
	}
	return out
}

func TestFramerFeed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		left   int
	}{
		{
			name:   "SingleLine",
			chunks: []string{"AUTH_SUCCESS\n"},
			want:   []string{"AUTH_SUCCESS"},
		},
		{
			name:   "SplitAcrossReads",
			chunks: []string{"NFC_", "UID:UI", "D1\nWRI", "TE_SUCCESS\n"},
			want:   []string{"NFC_UID:UID1", "WRITE_SUCCESS"},
		},
		{
			name:   "TrailingPartialIsBuffered",
			chunks: []string{"AUTH_SUCCESS\nWRITE_"},
			want:   []string{"AUTH_SUCCESS"},
			left:   6,
		},
		{
			name:   "CRLF",
			chunks: []string{"ERROR:insufficient balance\r", "\n"},
			want:   []string{"ERROR:insufficient balance"},
		},
		{
			name:   "BlankLinesSkipped",
			chunks: []string{"\n\r\n\nPRINTED\n"},
			want:   []string{"PRINTED"},
		},
		{
			name:   "InvalidUTF8Replaced",
			chunks: []string{"NFC_UID:\xff\xfeAB\n"},
			want:   []string{"NFC_UID:��AB"},
		},
		{
			name:   "MultibyteSplitAcrossReads",
			chunks: []string{"ERROR:\xe2\x82", "\xb9 low\n"},
			want:   []string{"ERROR:₹ low"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Framer
			var chunks [][]byte
			for _, c := range tt.chunks {
				chunks = append(chunks, []byte(c))
			}
			got := feedAll(t, &f, chunks)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if f.Buffered() != tt.left {
				t.Errorf("buffered %d bytes, want %d", f.Buffered(), tt.left)
			}
		})
	}
}

func TestFramerChunkBoundaryIndependence(t *testing.T) {
	stream := []byte("NFC_UID:UID1\r\nAUTH_SUCCESS\nboot: ok\n\nWRITE_SUCCESS\nERROR:\xc3\x28bad\nERROR:timeout\nNFC_UID:04:A2")

	var whole Framer
	want := feedAll(t, &whole, [][]byte{stream})

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			if n > 7 {
				n = 1 + rng.Intn(7)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}

		var f Framer
		got := feedAll(t, &f, chunks)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("chunking %d: got %q, want %q", i, got, want)
		}
		if f.Buffered() != whole.Buffered() {
			t.Fatalf("chunking %d: buffered %d, want %d", i, f.Buffered(), whole.Buffered())
		}
	}
}

func TestFramerOverflow(t *testing.T) {
	f := Framer{MaxLineBytes: 16}

	lines, err := f.Feed([]byte("AUTH_SUCCESS\n" + strings.Repeat("x", 17)))
	if !errors.Is(err, ErrFramingOverflow) {
		t.Fatalf("expected ErrFramingOverflow, got %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"AUTH_SUCCESS"}) {
		t.Errorf("lines before overflow: got %q", lines)
	}
	if f.Buffered() != 0 {
		t.Errorf("buffer not discarded: %d bytes", f.Buffered())
	}

	// A line exactly at the limit is fine.
	if _, err := f.Feed([]byte(strings.Repeat("y", 16))); err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
}

func TestFramerDefaultLimit(t *testing.T) {
	var f Framer
	if _, err := f.Feed(make([]byte, DefaultMaxLineBytes)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.Feed([]byte{'z'}); !errors.Is(err, ErrFramingOverflow) {
		t.Fatalf("expected ErrFramingOverflow, got %v", err)
	}
}

func TestFramerReset(t *testing.T) {
	var f Framer
	if _, err := f.Feed([]byte("NFC_UID:UI")); err != nil {
		t.Fatal(err)
	}
	f.Reset()
	lines, err := f.Feed([]byte("AUTH_SUCCESS\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lines, []string{"AUTH_SUCCESS"}) {
		t.Errorf("got %q", lines)
	}
}
