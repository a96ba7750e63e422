package hostproto

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// Command is the wire-parsed body of a COMMAND action: the func/input
// pair; the surrounding (object, nonce, client, flags, min_slot)
// header is attached by the RPC layer that decides which object's
// socket to send this on.
type Command struct {
	Func  string
	Input []byte
}

// WriteAction sends the single action byte that begins a daemon->child
// exchange.
func WriteAction(c *wire.Conn, a Action) error {
	return c.WriteAll([]byte{byte(a)})
}

// ReadAction reads the single action byte.
func ReadAction(c *wire.Conn) (Action, error) {
	buf, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return Action(buf[0]), nil
}

// WriteRtorPayload sends the RTOR action's snapshot bytes: u32-BE length
// + snapshot bytes.
func WriteRtorPayload(c *wire.Conn, snapshot []byte) error {
	return writeLenPrefixed(c, snapshot)
}

// ReadRtorPayload reads the RTOR action's snapshot bytes.
func ReadRtorPayload(c *wire.Conn) ([]byte, error) {
	return readLenPrefixed(c)
}

// WriteCommand sends a COMMAND action payload: u64-BE total size, then
// u32-BE func_len | func_bytes | u32-BE input_len | input_bytes. The
// declared size includes its own 8 bytes.
func WriteCommand(c *wire.Conn, cmd Command) error {
	funcBytes := append([]byte(cmd.Func), 0) // null-terminated
	body := make([]byte, 0, 8+len(funcBytes)+len(cmd.Input))

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(funcBytes)))
	body = append(body, tmp[:]...)
	body = append(body, funcBytes...)
	binary.BigEndian.PutUint32(tmp[:], uint32(len(cmd.Input)))
	body = append(body, tmp[:]...)
	body = append(body, cmd.Input...)

	total := uint64(8 + len(body))
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], total)

	if err := c.WriteAll(sz[:]); err != nil {
		return err
	}
	return c.WriteAll(body)
}

// ReadCommand reads and validates a COMMAND action payload. Corruption
// (declared size < 16, or inner lengths not summing to the declared
// size) yields replicant.ErrCorruptFrame, which the child driver
// treats as a permanent error.
func ReadCommand(c *wire.Conn) (Command, error) {
	szBuf, err := c.ReadExact(8)
	if err != nil {
		return Command{}, err
	}
	total := binary.BigEndian.Uint64(szBuf)

	if total < minCommandSize {
		return Command{}, errors.Wrapf(replicant.ErrCorruptFrame, "command size %d below minimum %d", total, minCommandSize)
	}

	body, err := c.ReadExact(int(total) - 8)
	if err != nil {
		return Command{}, err
	}

	if len(body) < 4 {
		return Command{}, errors.Wrap(replicant.ErrCorruptFrame, "command body truncated before func_len")
	}
	funcLen := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	if uint64(len(body)) < uint64(funcLen)+4 {
		return Command{}, errors.Wrap(replicant.ErrCorruptFrame, "command body truncated before input_len")
	}
	funcBytes := body[:funcLen]
	body = body[funcLen:]

	inputLen := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	if uint64(len(body)) != uint64(inputLen) {
		return Command{}, errors.Wrapf(replicant.ErrCorruptFrame, "command inner lengths (%d) do not sum to declared size", inputLen)
	}

	// trim the null terminator the writer appended, if present.
	name := string(funcBytes)
	if len(name) > 0 && name[len(name)-1] == 0 {
		name = name[:len(name)-1]
	}

	return Command{Func: name, Input: body}, nil
}

func writeLenPrefixed(c *wire.Conn, data []byte) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(data)))
	if err := c.WriteAll(tmp[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return c.WriteAll(data)
}

func readLenPrefixed(c *wire.Conn) ([]byte, error) {
	tmp, err := c.ReadExact(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(tmp)
	if n == 0 {
		return nil, nil
	}
	return c.ReadExact(int(n))
}
