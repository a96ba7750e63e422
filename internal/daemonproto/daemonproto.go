// Package daemonproto is the wire protocol between a replicant client
// (or the replicant-admin shell) and a server's client-facing
// listener. Unlike internal/hostproto, this protocol's byte layout
// isn't bit-specified anywhere — it is this implementation's own
// control channel — so it is encoded with encoding/gob the way the
// teacher's own internal daemon-control channel did, rather than a
// hand-rolled binary codec.
//
// One Request is sent per connection and answered with exactly one
// Response before the connection closes: a client retrying against a
// different server (internal/serverselector, internal/pendingrobust)
// dials fresh each attempt, so there is no per-connection state to
// keep alive between calls.
package daemonproto

import (
	"encoding/gob"
	"net"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Kind distinguishes the two request shapes a server's listener
// accepts: ordinary client calls against a live object, and the
// administrative operations replicant-admin issues (create/restore/
// snapshot/shutdown/status).
type Kind byte

const (
	KindCall Kind = iota
	KindAdmin
)

// AdminOp names one administrative operation.
type AdminOp int

const (
	AdminCreate AdminOp = iota
	AdminRestore
	AdminList
	AdminSnapshot
	AdminShutdown
	AdminStatus
	AdminLogs
)

// CallRequest is an ordinary client call against a live object:
// call(object, func, input, flags) -> (status, output).
type CallRequest struct {
	ClientID uint64
	Object   string `validate:"required"`
	Func     string `validate:"required"`
	Input    []byte
	Flags    replicant.Flags
	Nonce    uint64
	MinSlot  uint64
}

// AdminRequest carries one administrative operation.
type AdminRequest struct {
	Op          AdminOp
	Object      string
	LibraryPath string
	Snapshot    []byte
}

// Request is the single envelope sent per connection; exactly one of
// Call/Admin is meaningful, selected by Kind.
type Request struct {
	Kind  Kind
	Call  CallRequest
	Admin AdminRequest
}

// CallResponse answers a CallRequest.
type CallResponse struct {
	Status replicant.ReturnCode
	Output []byte
}

// ObjectHealth is the OS-level state of one object's child process, as
// sampled by internal/procwatch.
type ObjectHealth struct {
	Object string
	PID    int
	Comm   string
	State  string // one of R, S, D, Z, T, ... per proc(5)
}

// AdminResponse answers an AdminRequest.
type AdminResponse struct {
	Status   replicant.ReturnCode
	Message  string
	Objects  []string
	Snapshot []byte
	Clients  []uint64
	Suspects []uint64
	Health   []ObjectHealth
	Logs     []string
}

// Response is the single envelope returned per connection.
type Response struct {
	Kind  Kind
	Call  CallResponse
	Admin AdminResponse
}

// Send writes req to conn and waits for the matching Response.
func Send(conn net.Conn, req Request) (Response, error) {
	if err := gob.NewEncoder(conn).Encode(&req); err != nil {
		return Response{}, errors.Wrap(err, "encode request")
	}
	var resp Response
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, errors.Wrap(err, "decode response")
	}
	return resp, nil
}

// ReadRequest decodes one Request off a freshly accepted connection.
func ReadRequest(conn net.Conn) (Request, error) {
	var req Request
	if err := gob.NewDecoder(conn).Decode(&req); err != nil {
		return Request{}, errors.Wrap(err, "decode request")
	}
	return req, nil
}

// WriteResponse encodes resp back to the connection that sent a
// Request read by ReadRequest.
func WriteResponse(conn net.Conn, resp Response) error {
	return errors.Wrap(gob.NewEncoder(conn).Encode(&resp), "encode response")
}
