package objectchild

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/rescrv/replicant/internal/hostproto"
	"github.com/rescrv/replicant/internal/rsm"
	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// counterMachine is a minimal in-process state machine used to drive
// RunChild without going through the plugin loader.
func counterMachine() *rsm.StateMachine {
	return &rsm.StateMachine{
		Ctor: func(ctx *rsm.Context) interface{} {
			v := 0
			return &v
		},
		Rtor: func(ctx *rsm.Context, data []byte) interface{} {
			v := int(data[0])
			return &v
		},
		Snap: func(ctx *rsm.Context, obj interface{}) []byte {
			return []byte{byte(*(obj.(*int)))}
		},
		Transitions: []rsm.Transition{
			{Name: "increment", Func: func(ctx *rsm.Context, obj interface{}, data []byte) {
				p := obj.(*int)
				*p++
				ctx.SetOutput([]byte{byte(*p)})
			}},
		},
	}
}

func runChildOverSocketpair(t *testing.T, sm *rsm.StateMachine) (*wire.Conn, func() error) {
	t.Helper()
	daemonConn, childConn := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- RunChild(wire.New(childConn, nil), sm)
	}()

	// cleanup closes the daemon end and returns RunChild's result.
	cleanup := func() error {
		daemonConn.Close()
		return <-done
	}
	return wire.New(daemonConn, nil), cleanup
}

func TestRunChildCtorThenCommand(t *testing.T) {
	daemon, cleanup := runChildOverSocketpair(t, counterMachine())
	defer cleanup()

	if err := hostproto.WriteAction(daemon, hostproto.ActionCtor); err != nil {
		t.Fatalf("WriteAction(ctor): %v", err)
	}
	if _, err := hostproto.ReadResponseFrame(daemon); err != nil {
		t.Fatalf("ReadResponseFrame(ctor ack): %v", err)
	}

	if err := hostproto.WriteAction(daemon, hostproto.ActionCommand); err != nil {
		t.Fatalf("WriteAction(command): %v", err)
	}
	if err := hostproto.WriteCommand(daemon, hostproto.Command{Func: "increment"}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	frame, err := hostproto.ReadResponseFrame(daemon)
	if err != nil {
		t.Fatalf("ReadResponseFrame: %v", err)
	}
	if frame.Type != hostproto.ResponseOutput {
		t.Fatalf("expected OUTPUT frame, got %v", frame.Type)
	}
	if frame.Output.Status != uint16(replicant.SUCCESS) {
		t.Fatalf("expected Success status, got %d", frame.Output.Status)
	}
	if len(frame.Output.Data) != 1 || frame.Output.Data[0] != 1 {
		t.Fatalf("expected counter=1, got %v", frame.Output.Data)
	}
}

func TestRunChildCtorNonSuccessStatusIsPermanentError(t *testing.T) {
	sm := &rsm.StateMachine{
		Ctor: func(ctx *rsm.Context) interface{} {
			ctx.SetStatus(replicant.Internal)
			return struct{}{}
		},
		Rtor: func(ctx *rsm.Context, data []byte) interface{} { return struct{}{} },
		Snap: func(ctx *rsm.Context, obj interface{}) []byte { return nil },
	}
	daemon, cleanup := runChildOverSocketpair(t, sm)

	if err := hostproto.WriteAction(daemon, hostproto.ActionCtor); err != nil {
		t.Fatalf("WriteAction(ctor): %v", err)
	}
	daemon.Close()
	if err := cleanup(); !errors.Is(err, replicant.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRunChildUnknownFunctionReturnsFuncNotFound(t *testing.T) {
	daemon, cleanup := runChildOverSocketpair(t, counterMachine())
	defer cleanup()

	if err := hostproto.WriteAction(daemon, hostproto.ActionCtor); err != nil {
		t.Fatalf("WriteAction(ctor): %v", err)
	}
	if _, err := hostproto.ReadResponseFrame(daemon); err != nil {
		t.Fatalf("ReadResponseFrame(ctor ack): %v", err)
	}
	if err := hostproto.WriteAction(daemon, hostproto.ActionCommand); err != nil {
		t.Fatalf("WriteAction(command): %v", err)
	}
	if err := hostproto.WriteCommand(daemon, hostproto.Command{Func: "decrement"}); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	frame, err := hostproto.ReadResponseFrame(daemon)
	if err != nil {
		t.Fatalf("ReadResponseFrame: %v", err)
	}
	if frame.Output.Status != uint16(replicant.FuncNotFound) {
		t.Fatalf("expected FuncNotFound, got %d", frame.Output.Status)
	}
}

func TestRunChildShutdownEndsLoop(t *testing.T) {
	daemon, cleanup := runChildOverSocketpair(t, counterMachine())

	if err := hostproto.WriteAction(daemon, hostproto.ActionShutdown); err != nil {
		t.Fatalf("WriteAction(shutdown): %v", err)
	}
	daemon.Close()
	if err := cleanup(); err != nil {
		t.Fatalf("expected RunChild to return nil after SHUTDOWN, got %v", err)
	}
}

func TestRunChildSnapshotRoundTrip(t *testing.T) {
	daemon, cleanup := runChildOverSocketpair(t, counterMachine())
	defer cleanup()

	if err := hostproto.WriteAction(daemon, hostproto.ActionRtor); err != nil {
		t.Fatalf("WriteAction(rtor): %v", err)
	}
	if err := hostproto.WriteRtorPayload(daemon, []byte{5}); err != nil {
		t.Fatalf("WriteRtorPayload: %v", err)
	}
	if _, err := hostproto.ReadResponseFrame(daemon); err != nil {
		t.Fatalf("ReadResponseFrame(rtor ack): %v", err)
	}

	if err := hostproto.WriteAction(daemon, hostproto.ActionSnapshot); err != nil {
		t.Fatalf("WriteAction(snapshot): %v", err)
	}
	data, err := hostproto.ReadSnapshot(daemon)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !bytes.Equal(data, []byte{5}) {
		t.Fatalf("expected snapshot [5], got %v", data)
	}
}
