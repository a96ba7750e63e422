// Package objectchild implements the daemon-side process that spawns
// an object child and the child-side loop that drives a loaded state
// machine over the object host protocol.
//
// Spawning follows the same shape as launching a container shim: an
// exec of the object host binary with a magic argument, one end of a
// socketpair handed down via ExtraFiles, and (optionally) a pty
// attached for interactive debugging of a stuck child.
package objectchild

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/kr/pty"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// ReexecMagic is the argv[1] that tells the replicant-object-host
// binary to fall into RunChild instead of printing usage (grounded on
// the minimega container shim's CONTAINER_MAGIC convention).
const ReexecMagic = "replicant-object-child"

// Process is a live object child: its OS process plus the framed
// connection the daemon drives it over.
type Process struct {
	cmd  *exec.Cmd
	Conn *wire.Conn
	Pid  int

	// Debug, if non-nil, is a pty attached to the child's stdio so a
	// human can attach and inspect a wedged object.
	Debug *os.File
}

// SpawnOptions configures how a child is launched.
type SpawnOptions struct {
	// LibraryPath is passed to the child as the state machine plugin
	// to load.
	LibraryPath string

	// ObjectPath is the child's on-disk working directory, used for
	// its atomic snapshot writes.
	ObjectPath string

	// Debug attaches a pty to the child's stdio instead of the
	// daemon's own, so a developer can watch the child's internal
	// diagnostics live. REPLICANT_DEBUG_TTY=1 in the daemon's
	// environment has the same effect.
	Debug bool
}

// Spawn launches a fresh object child and returns the daemon's end of
// its framed connection. The child end of the socketpair is the only
// descriptor passed down deliberately; everything else not explicitly
// forwarded is close-on-exec by default in Go's exec.Cmd.
func Spawn(selfExe string, opts SpawnOptions) (*Process, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(replicant.ErrPermanent, "socketpair: "+err.Error())
	}

	parentFile := os.NewFile(uintptr(fds[0]), "object-child-parent")
	childFile := os.NewFile(uintptr(fds[1]), "object-child-child")
	defer childFile.Close()

	args := []string{
		selfExe,
		ReexecMagic,
		opts.LibraryPath,
		opts.ObjectPath,
	}

	cmd := &exec.Cmd{
		Path:       selfExe,
		Args:       args,
		ExtraFiles: []*os.File{childFile},
	}

	var process *Process
	if opts.Debug || os.Getenv("REPLICANT_DEBUG_TTY") == "1" {
		tty, err := pty.Start(cmd)
		if err != nil {
			parentFile.Close()
			return nil, errors.Wrap(replicant.ErrPermanent, "pty.Start: "+err.Error())
		}
		process = &Process{cmd: cmd, Pid: cmd.Process.Pid, Debug: tty}
	} else {
		if err := cmd.Start(); err != nil {
			parentFile.Close()
			return nil, errors.Wrap(replicant.ErrPermanent, "start object child: "+err.Error())
		}
		process = &Process{cmd: cmd, Pid: cmd.Process.Pid}
	}

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(replicant.ErrPermanent, "fileconn: "+err.Error())
	}

	var debugWriter *os.File
	if process.Debug != nil {
		debugWriter = process.Debug
	}
	process.Conn = wire.New(conn, debugWriter)
	return process, nil
}

// Kill terminates the child unconditionally. The object manager (C4)
// calls this when a COMMAND exchange returns a permanent error (spec
// §7): the child is never trusted to shut itself down cleanly after
// that point.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks for the child to exit and reports how.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

func (p *Process) String() string {
	return fmt.Sprintf("object-child[pid=%d]", p.Pid)
}
