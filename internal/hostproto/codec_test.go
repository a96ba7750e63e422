package hostproto

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

type pipeConn struct {
	r io.Reader
	w *bytes.Buffer
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error                { return nil }

func newLoopback(in []byte) (*wire.Conn, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return wire.New(&pipeConn{r: bytes.NewReader(in), w: out}, nil), out
}

func TestCommandRoundTrip(t *testing.T) {
	out := &bytes.Buffer{}
	writer := wire.New(&pipeConn{r: bytes.NewReader(nil), w: out}, nil)

	want := Command{Func: "increment", Input: []byte("payload")}
	if err := WriteCommand(writer, want); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	reader := wire.New(&pipeConn{r: bytes.NewReader(out.Bytes()), w: &bytes.Buffer{}}, nil)
	got, err := ReadCommand(reader)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if got.Func != want.Func || !bytes.Equal(got.Input, want.Input) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestReadCommandRejectsUndersizedFrame(t *testing.T) {
	conn, _ := newLoopback([]byte{0, 0, 0, 0, 0, 0, 0, 4})
	_, err := ReadCommand(conn)
	if !errors.Is(err, replicant.ErrCorruptFrame) {
		t.Fatalf("expected ErrCorruptFrame, got %v", err)
	}
}

func TestReadCommandRejectsMismatchedInnerLengths(t *testing.T) {
	writer := wire.New(&pipeConn{r: bytes.NewReader(nil), w: &bytes.Buffer{}}, nil)
	out := &bytes.Buffer{}
	writer = wire.New(&pipeConn{r: bytes.NewReader(nil), w: out}, nil)
	if err := WriteCommand(writer, Command{Func: "f", Input: []byte("xy")}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	raw := out.Bytes()
	// corrupt the declared input_len without touching the actual bytes.
	raw[len(raw)-3] = 0xff

	reader := wire.New(&pipeConn{r: bytes.NewReader(raw), w: &bytes.Buffer{}}, nil)
	_, err := ReadCommand(reader)
	if !errors.Is(err, replicant.ErrCorruptFrame) {
		t.Fatalf("expected ErrCorruptFrame, got %v", err)
	}
}

func TestOutputRoundTrip(t *testing.T) {
	out := &bytes.Buffer{}
	writer := wire.New(&pipeConn{r: bytes.NewReader(nil), w: out}, nil)
	if err := WriteOutput(writer, 0, []byte("result")); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}

	reader := wire.New(&pipeConn{r: bytes.NewReader(out.Bytes()), w: &bytes.Buffer{}}, nil)
	frame, err := ReadResponseFrame(reader)
	if err != nil {
		t.Fatalf("ReadResponseFrame: %v", err)
	}
	if frame.Type != ResponseOutput || frame.Output.Status != 0 || string(frame.Output.Data) != "result" {
		t.Fatalf("got %+v", frame)
	}
}

func TestCondCurrentValueSuccess(t *testing.T) {
	reply := &bytes.Buffer{}
	reply.WriteByte(byte(replicant.SUCCESS))
	var state [8]byte
	state[7] = 42
	reply.Write(state[:])
	reply.Write([]byte{0, 0, 0, 3})
	reply.WriteString("abc")

	conn := wire.New(&pipeConn{r: bytes.NewReader(reply.Bytes()), w: &bytes.Buffer{}}, nil)
	status, val, err := WriteCondCurrentValue(conn, "unused")
	if err != nil {
		t.Fatalf("WriteCondCurrentValue: %v", err)
	}
	if status != byte(replicant.SUCCESS) || val.State != 42 || string(val.Data) != "abc" {
		t.Fatalf("got status=%d val=%+v", status, val)
	}
}

func TestCondCurrentValueFailureStatusSkipsBody(t *testing.T) {
	reply := &bytes.Buffer{}
	reply.WriteByte(byte(replicant.CondNotFound))

	conn := wire.New(&pipeConn{r: bytes.NewReader(reply.Bytes()), w: &bytes.Buffer{}}, nil)
	status, val, err := WriteCondCurrentValue(conn, "missing")
	if err != nil {
		t.Fatalf("WriteCondCurrentValue: %v", err)
	}
	if status != byte(replicant.CondNotFound) || val.Data != nil {
		t.Fatalf("expected failure status with empty value, got status=%d val=%+v", status, val)
	}
}

func TestResponseFrameUnknownTagIsCorrupt(t *testing.T) {
	conn, _ := newLoopback([]byte{99})
	_, err := ReadResponseFrame(conn)
	if !errors.Is(err, replicant.ErrCorruptFrame) {
		t.Fatalf("expected ErrCorruptFrame, got %v", err)
	}
}
