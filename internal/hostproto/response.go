package hostproto

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// LogRecord is a ResponseLog frame: free-form text the child wants
// logged by the daemon under the object's identity.
type LogRecord struct {
	Text string
}

// CondCreate/CondDestroy carry just the condition name.
type CondCreate struct{ Name string }
type CondDestroy struct{ Name string }

// CondBroadcast asks the daemon to bump a condition's state by one; the
// daemon answers with a single status byte (byte(replicant.SUCCESS) on
// success).
type CondBroadcast struct{ Name string }

// CondBroadcastData is CondBroadcast plus an opaque payload threaded
// through to waiters; same status-byte reply.
type CondBroadcastData struct {
	Name string
	Data []byte
}

// CondCurrentValue asks the daemon for a condition's current (state,
// data) pair. The daemon replies with a status byte, and — only when
// that status is byte(replicant.SUCCESS) — a u64-BE state followed by
// u32-BE data_len + data.
type CondCurrentValue struct{ Name string }

// CondValue is the daemon's successful reply to CondCurrentValue.
type CondValue struct {
	State uint64
	Data  []byte
}

// TickInterval registers (or re-registers) a periodic callback the
// daemon invokes on the named transition every given interval.
type TickInterval struct {
	Func     string
	Interval uint64 // seconds
}

// Output closes a COMMAND action: a status code plus the call's result
// bytes.
type Output struct {
	Status uint16
	Data   []byte
}

// ResponseFrame is the daemon's decoded view of a single frame read
// from a child while it answers a CTOR, RTOR or COMMAND action (a
// SNAPSHOT reply is untagged; see ReadSnapshot). Exactly one of
// the typed fields is populated, selected by Type.
type ResponseFrame struct {
	Type               ResponseType
	Log                LogRecord
	CondCreate         CondCreate
	CondDestroy        CondDestroy
	CondBroadcast      CondBroadcast
	CondBroadcastData  CondBroadcastData
	CondCurrentValue   CondCurrentValue
	TickInterval       TickInterval
	Output             Output
}

// ReadResponseFrame reads one tagged frame off the wire. Callers loop on
// this until they see ResponseOutput (for COMMAND) — every other type
// is an interstitial message that may be interleaved any number of
// times before the closing frame.
func ReadResponseFrame(c *wire.Conn) (ResponseFrame, error) {
	tag, err := c.ReadExact(1)
	if err != nil {
		return ResponseFrame{}, err
	}
	t := ResponseType(tag[0])

	switch t {
	case ResponseLog:
		text, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, Log: LogRecord{Text: string(text)}}, nil

	case ResponseCondCreate:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, CondCreate: CondCreate{Name: string(name)}}, nil

	case ResponseCondDestroy:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, CondDestroy: CondDestroy{Name: string(name)}}, nil

	case ResponseCondBroadcast:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, CondBroadcast: CondBroadcast{Name: string(name)}}, nil

	case ResponseCondBroadcastData:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		data, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, CondBroadcastData: CondBroadcastData{Name: string(name), Data: data}}, nil

	case ResponseCondCurrentValue:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, CondCurrentValue: CondCurrentValue{Name: string(name)}}, nil

	case ResponseTickInterval:
		name, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		secBuf, err := c.ReadExact(8)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, TickInterval: TickInterval{
			Func:     string(name),
			Interval: binary.BigEndian.Uint64(secBuf),
		}}, nil

	case ResponseOutput:
		statusBuf, err := c.ReadExact(2)
		if err != nil {
			return ResponseFrame{}, err
		}
		data, err := readLenPrefixed(c)
		if err != nil {
			return ResponseFrame{}, err
		}
		return ResponseFrame{Type: t, Output: Output{
			Status: binary.BigEndian.Uint16(statusBuf),
			Data:   data,
		}}, nil

	default:
		return ResponseFrame{}, errors.Wrapf(replicant.ErrCorruptFrame, "unknown response type %d", tag[0])
	}
}

// WriteLog, WriteCondCreate, ... are the child-side encoders for each
// response frame. The child writes exactly one tag byte followed by
// the frame's payload; ReadResponseFrame on the daemon side is its
// mirror.

func WriteLog(c *wire.Conn, text string) error {
	if err := c.WriteAll([]byte{byte(ResponseLog)}); err != nil {
		return err
	}
	return writeLenPrefixed(c, []byte(text))
}

func WriteCondCreate(c *wire.Conn, name string) error {
	if err := c.WriteAll([]byte{byte(ResponseCondCreate)}); err != nil {
		return err
	}
	return writeLenPrefixed(c, []byte(name))
}

func WriteCondDestroy(c *wire.Conn, name string) error {
	if err := c.WriteAll([]byte{byte(ResponseCondDestroy)}); err != nil {
		return err
	}
	return writeLenPrefixed(c, []byte(name))
}

// WriteCondBroadcast sends the request and blocks for the daemon's
// status byte, a replicant.ReturnCode (byte(replicant.SUCCESS) on
// success).
func WriteCondBroadcast(c *wire.Conn, name string) (byte, error) {
	if err := c.WriteAll([]byte{byte(ResponseCondBroadcast)}); err != nil {
		return 0, err
	}
	if err := writeLenPrefixed(c, []byte(name)); err != nil {
		return 0, err
	}
	status, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return status[0], nil
}

func WriteCondBroadcastData(c *wire.Conn, name string, data []byte) (byte, error) {
	if err := c.WriteAll([]byte{byte(ResponseCondBroadcastData)}); err != nil {
		return 0, err
	}
	if err := writeLenPrefixed(c, []byte(name)); err != nil {
		return 0, err
	}
	if err := writeLenPrefixed(c, data); err != nil {
		return 0, err
	}
	status, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return status[0], nil
}

// condSuccessByte is the status byte value the daemon writes for a
// successful CondCurrentValue lookup. It is replicant.SUCCESS's own
// numeric value, not a protocol-private 0 sentinel: unlike the
// original C implementation (which collapsed every status to a bare
// 0/-1 and discarded which error occurred), this port threads the
// full ReturnCode through the status byte so a caller can distinguish
// CondNotFound from CondDestroyed, at the cost of needing the actual
// success value here rather than a hardcoded 0.
var condSuccessByte = byte(replicant.SUCCESS)

// WriteCondCurrentValue sends the request and blocks for the daemon's
// reply: a status byte, then — only if that status reports success —
// the value.
func WriteCondCurrentValue(c *wire.Conn, name string) (byte, CondValue, error) {
	if err := c.WriteAll([]byte{byte(ResponseCondCurrentValue)}); err != nil {
		return 0, CondValue{}, err
	}
	if err := writeLenPrefixed(c, []byte(name)); err != nil {
		return 0, CondValue{}, err
	}
	status, err := c.ReadExact(1)
	if err != nil {
		return 0, CondValue{}, err
	}
	if status[0] != condSuccessByte {
		return status[0], CondValue{}, nil
	}
	stateBuf, err := c.ReadExact(8)
	if err != nil {
		return 0, CondValue{}, err
	}
	data, err := readLenPrefixed(c)
	if err != nil {
		return 0, CondValue{}, err
	}
	return status[0], CondValue{State: binary.BigEndian.Uint64(stateBuf), Data: data}, nil
}

func WriteTickInterval(c *wire.Conn, funcName string, seconds uint64) error {
	if err := c.WriteAll([]byte{byte(ResponseTickInterval)}); err != nil {
		return err
	}
	if err := writeLenPrefixed(c, []byte(funcName)); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seconds)
	return c.WriteAll(buf[:])
}

// WriteOutput closes a COMMAND action with the transition's result.
func WriteOutput(c *wire.Conn, status uint16, data []byte) error {
	if err := c.WriteAll([]byte{byte(ResponseOutput)}); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], status)
	if err := c.WriteAll(buf[:]); err != nil {
		return err
	}
	return writeLenPrefixed(c, data)
}

// WriteCondStatus is the daemon-side reply to a CondBroadcast or
// CondBroadcastData frame: a single status byte, no tag.
func WriteCondStatus(c *wire.Conn, status byte) error {
	return c.WriteAll([]byte{status})
}

// WriteCondCurrentValueReply is the daemon-side reply to a
// CondCurrentValue frame: a status byte, then — only if it reports
// success — the value.
func WriteCondCurrentValueReply(c *wire.Conn, status byte, value CondValue) error {
	if err := c.WriteAll([]byte{status}); err != nil {
		return err
	}
	if status != condSuccessByte {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value.State)
	if err := c.WriteAll(buf[:]); err != nil {
		return err
	}
	return writeLenPrefixed(c, value.Data)
}

// WriteSnapshot closes a SNAPSHOT action. Unlike COMMAND responses,
// this frame carries no tag byte: SNAPSHOT never interleaves with
// conditions or log lines, so the daemon reads a bare u32-BE length +
// data.
func WriteSnapshot(c *wire.Conn, data []byte) error {
	return writeLenPrefixed(c, data)
}

// ReadSnapshot is the daemon-side mirror of WriteSnapshot.
func ReadSnapshot(c *wire.Conn) ([]byte, error) {
	return readLenPrefixed(c)
}
