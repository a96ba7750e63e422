package objectchild

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rescrv/replicant/internal/hostproto"
	"github.com/rescrv/replicant/internal/rsm"
	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// inheritedFD is the ExtraFiles slot Spawn places the child's socket
// end in: fd 0, 1, 2 are always present, so the first ExtraFiles entry
// lands at fd 3.
const inheritedFD = 3

// Main is the entire body of a re-exec'd object child: it claims its
// inherited socket, loads the named state machine plugin, and runs the
// dispatch loop until SHUTDOWN or a permanent I/O error. args is the
// process's argv with argv[0] and the re-exec magic already stripped,
// i.e. {libraryPath, objectPath}.
func Main(args []string) error {
	if len(args) < 2 {
		return errors.New("object child: usage: <library-path> <object-path>")
	}
	libraryPath, objectPath := args[0], args[1]

	if err := os.Chdir(objectPath); err != nil {
		return errors.Wrapf(replicant.ErrPermanent, "chdir %s: %v", objectPath, err)
	}

	// Move the inherited socket onto fd 0 and close the descriptors
	// above stderr that the parent may have left open (see
	// closeExtraneousFDs). Stdout and stderr stay open.
	if err := unix.Dup2(inheritedFD, 0); err != nil {
		return errors.Wrapf(replicant.ErrPermanent, "dup2(%d, 0): %v", inheritedFD, err)
	}
	closeExtraneousFDs()

	f := os.NewFile(0, "object-host")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return errors.Wrap(replicant.ErrPermanent, "fileconn: "+err.Error())
	}

	sm, err := rsm.Load(libraryPath)
	if err != nil {
		return err
	}

	return RunChild(wire.New(conn, nil), sm)
}

// closeExtraneousFDs closes descriptors from 3 up to, but not
// including, the lower of 256 and the RLIMIT_NOFILE soft limit;
// descriptors at or above that bound are left open. It is best effort:
// an EBADF on a descriptor that was never open is ignored.
func closeExtraneousFDs() {
	maxFD := 256
	if lim, err := unix.Getrlimit(unix.RLIMIT_NOFILE); err == nil && lim.Cur < uint64(maxFD) {
		maxFD = int(lim.Cur)
	}
	for fd := 3; fd < maxFD; fd++ {
		unix.Close(fd)
	}
}

// hostConn adapts a wire.Conn to rsm.Host by issuing the child-side
// host protocol requests (internal/hostproto's response writers). The
// first write failure it hits is latched and returned by every
// subsequent call, so a single broken connection doesn't wedge the
// state machine in a retry loop.
type hostConn struct {
	c   *wire.Conn
	err error
}

func (h *hostConn) fail(err error) {
	if h.err == nil {
		h.err = err
	}
}

func (h *hostConn) Log(text string) {
	if h.err != nil {
		return
	}
	if err := hostproto.WriteLog(h.c, text); err != nil {
		h.fail(err)
	}
}

func (h *hostConn) CondCreate(name string) {
	if h.err != nil {
		return
	}
	if err := hostproto.WriteCondCreate(h.c, name); err != nil {
		h.fail(err)
	}
}

func (h *hostConn) CondDestroy(name string) {
	if h.err != nil {
		return
	}
	if err := hostproto.WriteCondDestroy(h.c, name); err != nil {
		h.fail(err)
	}
}

func (h *hostConn) CondBroadcast(name string) (replicant.ReturnCode, error) {
	if h.err != nil {
		return 0, h.err
	}
	status, err := hostproto.WriteCondBroadcast(h.c, name)
	if err != nil {
		h.fail(err)
		return 0, err
	}
	return replicant.ReturnCode(status), nil
}

func (h *hostConn) CondBroadcastData(name string, data []byte) (replicant.ReturnCode, error) {
	if h.err != nil {
		return 0, h.err
	}
	status, err := hostproto.WriteCondBroadcastData(h.c, name, data)
	if err != nil {
		h.fail(err)
		return 0, err
	}
	return replicant.ReturnCode(status), nil
}

func (h *hostConn) CondCurrentValue(name string) (replicant.ReturnCode, uint64, []byte, error) {
	if h.err != nil {
		return 0, 0, nil, h.err
	}
	status, val, err := hostproto.WriteCondCurrentValue(h.c, name)
	if err != nil {
		h.fail(err)
		return 0, 0, nil, err
	}
	return replicant.ReturnCode(status), val.State, val.Data, nil
}

func (h *hostConn) TickInterval(funcName string, seconds uint64) {
	if h.err != nil {
		return
	}
	if err := hostproto.WriteTickInterval(h.c, funcName, seconds); err != nil {
		h.fail(err)
	}
}

// RunChild drives sm over conn until a SHUTDOWN action or a permanent
// protocol error. Exactly one object lives for the lifetime of a
// child: CTOR and RTOR are mutually exclusive and each may only be
// sent once, before any COMMAND or SNAPSHOT.
func RunChild(conn *wire.Conn, sm *rsm.StateMachine) error {
	host := &hostConn{c: conn}
	var obj interface{}
	var haveObj bool

	for {
		action, err := hostproto.ReadAction(conn)
		if err != nil {
			return err
		}

		switch action {
		case hostproto.ActionCtor:
			ctx := rsm.NewContext(host)
			obj = sm.Ctor(ctx)
			haveObj = true
			if host.err != nil {
				return host.err
			}
			if ctx.Status() != replicant.SUCCESS {
				return errors.Wrapf(replicant.ErrPermanent, "ctor: %s", ctx.Status())
			}
			// CTOR and RTOR may emit any number of interstitial
			// log/cond frames while building the object; an empty
			// OUTPUT frame is the uniform "this action is done"
			// signal the daemon's drain loop waits for, the same one
			// a COMMAND closes with.
			if err := hostproto.WriteOutput(conn, uint16(replicant.SUCCESS), ctx.Output()); err != nil {
				return err
			}

		case hostproto.ActionRtor:
			data, err := hostproto.ReadRtorPayload(conn)
			if err != nil {
				return err
			}
			ctx := rsm.NewContext(host)
			obj = sm.Rtor(ctx, data)
			haveObj = true
			if host.err != nil {
				return host.err
			}
			if ctx.Status() != replicant.SUCCESS {
				return errors.Wrapf(replicant.ErrPermanent, "rtor: %s", ctx.Status())
			}
			if err := hostproto.WriteOutput(conn, uint16(replicant.SUCCESS), ctx.Output()); err != nil {
				return err
			}

		case hostproto.ActionCommand:
			cmd, err := hostproto.ReadCommand(conn)
			if err != nil {
				return err
			}
			if !haveObj {
				return errors.Wrap(replicant.ErrInvariant, "command before ctor/rtor")
			}

			t, ok := sm.Lookup(cmd.Func)
			if !ok {
				if err := hostproto.WriteOutput(conn, uint16(replicant.FuncNotFound), nil); err != nil {
					return err
				}
				continue
			}

			ctx := rsm.NewContext(host)
			t.Func(ctx, obj, cmd.Input)
			if host.err != nil {
				return host.err
			}
			if err := hostproto.WriteOutput(conn, uint16(ctx.Status()), ctx.Output()); err != nil {
				return err
			}

		case hostproto.ActionSnapshot:
			if !haveObj {
				return errors.Wrap(replicant.ErrInvariant, "snapshot before ctor/rtor")
			}
			ctx := rsm.NewContext(host)
			data := sm.Snap(ctx, obj)
			if err := hostproto.WriteSnapshot(conn, data); err != nil {
				return err
			}

		case hostproto.ActionShutdown:
			return nil

		default:
			return errors.Wrapf(replicant.ErrCorruptFrame, "unknown action %d", action)
		}
	}
}
