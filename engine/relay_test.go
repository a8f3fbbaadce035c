package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestRelayCopy(t *testing.T) {
	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	for _, depth := range []int{0, 1, 8} {
		var out bytes.Buffer
		err := relayCopy(context.Background(), iotest.HalfReader(bytes.NewReader(data)), &out, NewBufferPool(1000), depth)
		if err != nil {
			t.Fatalf("depth %d: %v", depth, err)
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Errorf("depth %d: output differs from input", depth)
		}
	}
}

func TestRelayCopy_ReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader(make([]byte, 3000)), iotest.ErrReader(boom))

	var out bytes.Buffer
	err := relayCopy(context.Background(), r, &out, NewBufferPool(1000), 4)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	// chunks read before the failure still reach the writer
	if out.Len() != 3000 {
		t.Errorf("Expected 3000 bytes written, got %d", out.Len())
	}
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("write failed")
	}
	w.after--
	return len(p), nil
}

func TestRelayCopy_WriteErrorStopsReader(t *testing.T) {
	// an endless source: the reader must stop once the writer fails
	src := iotest.OneByteReader(infiniteReader{})
	err := relayCopy(context.Background(), src, &failingWriter{after: 2}, NewBufferPool(64), 2)
	if err == nil || err.Error() != "write failed" {
		t.Fatalf("Expected write failure, got %v", err)
	}
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) { return len(p), nil }

func TestRelayCopy_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := relayCopy(ctx, infiniteReader{}, io.Discard, NewBufferPool(64), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
