// Package wire implements framed, synchronous I/O over a single
// descriptor. It retries partial reads and writes internally and treats
// any short read on EOF, or any write error, as permanent: the caller is
// expected to tear down the connection and escalate to its owner's
// re-spawn path.
package wire

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Conn is a single bidirectional descriptor shared between the daemon and
// one object child, or between a client and one server. Framed reads and
// writes on the same Conn must not be interleaved from multiple
// goroutines; the object host protocol is inherently synchronous so
// callers serialize access themselves.
type Conn struct {
	rw io.ReadWriteCloser

	// debug, if non-nil, receives human-readable diagnostics about
	// short reads/writes. It mirrors an optional /dev/tty debug
	// stream attached to a child; it is never required for correct
	// operation.
	debug io.Writer
}

// New wraps rw as a framed connection. debug may be nil.
func New(rw io.ReadWriteCloser, debug io.Writer) *Conn {
	return &Conn{rw: rw, debug: debug}
}

func (c *Conn) diagnosef(format string, args ...interface{}) {
	if c.debug == nil {
		return
	}
	fmt.Fprintf(c.debug, format+"\n", args...)
}

// ReadExact reads exactly n bytes, retrying on short reads. Any error,
// including io.EOF before n bytes are read, is permanent and wrapped in
// replicant.ErrPermanent.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0

	for read < n {
		m, err := c.rw.Read(buf[read:])
		read += m

		if err != nil {
			if err == io.EOF && read == n {
				break
			}

			c.diagnosef("short read: wanted %d got %d: %v", n, read, err)
			return nil, errors.Wrapf(replicant.ErrPermanent, "read_exact(%d): %v", n, err)
		}
	}

	return buf, nil
}

// WriteAll writes the entirety of buf, retrying on short writes. Any
// error is permanent.
func (c *Conn) WriteAll(buf []byte) error {
	written := 0

	for written < len(buf) {
		n, err := c.rw.Write(buf[written:])
		written += n

		if err != nil {
			c.diagnosef("short write: wanted %d wrote %d: %v", len(buf), written, err)
			return errors.Wrapf(replicant.ErrPermanent, "write_all(%d): %v", len(buf), err)
		}
	}

	return nil
}

// Close tears down the underlying descriptor.
func (c *Conn) Close() error {
	return c.rw.Close()
}
