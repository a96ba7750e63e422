package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/rescrv/replicant/pkg/replicant"
)

type fakeConn struct {
	r io.Reader
	w *bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *fakeConn) Close() error                { return nil }

// chunkReader returns reads in small pieces to exercise the retry loop.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReadExactRetriesShortReads(t *testing.T) {
	want := []byte("hello world")
	conn := New(&fakeConn{r: &chunkReader{data: want, size: 3}, w: &bytes.Buffer{}}, nil)

	got, err := conn.ReadExact(len(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReadExactShortEOFIsPermanent(t *testing.T) {
	conn := New(&fakeConn{r: bytes.NewReader([]byte("ab")), w: &bytes.Buffer{}}, nil)

	_, err := conn.ReadExact(5)
	if err == nil {
		t.Fatal("expected error on short EOF")
	}
	if !errors.Is(err, replicant.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestWriteAllPropagatesPermanentError(t *testing.T) {
	conn := New(&struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), errWriter{}, io.NopCloser(nil)}, nil)

	err := conn.WriteAll([]byte("x"))
	if !errors.Is(err, replicant.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

// chunkWriter accepts at most size bytes per Write to exercise the
// retry loop.
type chunkWriter struct {
	w    *bytes.Buffer
	size int
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.w.Write(p)
}

func TestWriteAllRetriesShortWrites(t *testing.T) {
	buf := &bytes.Buffer{}
	conn := New(&struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), &chunkWriter{w: buf, size: 3}, io.NopCloser(nil)}, nil)

	if err := conn.WriteAll([]byte("payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "payload" {
		t.Fatalf("got %q", buf.String())
	}
}
