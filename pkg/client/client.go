// Package client is the public client-side library for calling into a
// replicant cluster (spec §6 "Client API surface"). It composes the
// two C7 pieces — internal/serverselector's jittered rotation and
// internal/pendingrobust's stable-nonce retry envelope — with a
// concrete transport (internal/daemonproto over TCP) so a caller only
// has to name a cluster and make calls.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/internal/daemonproto"
	"github.com/rescrv/replicant/internal/pendingrobust"
	"github.com/rescrv/replicant/internal/serverselector"
	"github.com/rescrv/replicant/pkg/replicant"
)

// Resolver maps a server id to a dialable address.
type Resolver func(replicant.ServerID) string

// Client issues calls against a fixed cluster membership.
type Client struct {
	servers  []replicant.ServerID
	resolve  Resolver
	timeout  time.Duration
	clientID uint64
}

// New returns a Client that rotates across servers, resolving each id
// to an address with resolve and bounding every dial+round-trip by
// timeout.
func New(servers []replicant.ServerID, resolve Resolver, timeout time.Duration, clientID uint64) *Client {
	return &Client{servers: servers, resolve: resolve, timeout: timeout, clientID: clientID}
}

// Call issues funcName(input) against object. Idempotent calls try
// each server once in rotation and return on the first success or
// definitive logical error; robust calls retry indefinitely (until ctx
// is done) across failover, replaying the same (nonce, min_slot) pair
// so server-side dedup (C5) makes repeated network failures safe.
func (c *Client) Call(ctx context.Context, object, funcName string, input []byte, flags replicant.Flags) (replicant.ReturnCode, []byte, error) {
	if flags.Has(replicant.Robust) {
		return c.callRobust(ctx, object, funcName, input, flags)
	}
	return c.callIdempotent(ctx, object, funcName, input, flags)
}

func (c *Client) callIdempotent(ctx context.Context, object, funcName string, input []byte, flags replicant.Flags) (replicant.ReturnCode, []byte, error) {
	seed := newNonce()
	sel := serverselector.New(c.servers, seed)

	for {
		id, ok := sel.Next()
		if !ok {
			return replicant.CommFailed, nil, errors.New("client: server rotation exhausted")
		}
		select {
		case <-ctx.Done():
			return replicant.Interrupted, nil, ctx.Err()
		default:
		}

		status, output, err := c.attempt(ctx, id, object, funcName, input, flags, seed, 0)
		if err != nil {
			continue // transient: rotate to the next server
		}
		return status, output, nil
	}
}

func (c *Client) callRobust(ctx context.Context, object, funcName string, input []byte, flags replicant.Flags) (replicant.ReturnCode, []byte, error) {
	nonce := newNonce()
	p := pendingrobust.New(object, funcName, input, nonce, 0, c.servers, time.Now())

	for {
		id, ok := p.NextServer()
		if !ok {
			// Every known server failed this round; rotate again with
			// the identical (nonce, min_slot) — the call is still
			// only "maybe executed" until a server answers.
			p = pendingrobust.New(object, funcName, input, nonce, 0, c.servers, time.Now())
			continue
		}
		select {
		case <-ctx.Done():
			return replicant.Interrupted, nil, ctx.Err()
		default:
		}

		status, output, err := c.attempt(ctx, id, object, funcName, input, flags, nonce, p.MinSlot)
		if err != nil {
			continue
		}
		switch status {
		case replicant.CommFailed, replicant.Timeout:
			continue
		default:
			return status, output, nil
		}
	}
}

func (c *Client) attempt(ctx context.Context, id replicant.ServerID, object, funcName string, input []byte, flags replicant.Flags, nonce, minSlot uint64) (replicant.ReturnCode, []byte, error) {
	addr := c.resolve(id)
	if addr == "" {
		return 0, nil, errors.Errorf("client: no address for server %d", id)
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	resp, err := daemonproto.Send(conn, daemonproto.Request{
		Kind: daemonproto.KindCall,
		Call: daemonproto.CallRequest{
			ClientID: c.clientID,
			Object:   object,
			Func:     funcName,
			Input:    input,
			Flags:    flags,
			Nonce:    nonce,
			MinSlot:  minSlot,
		},
	})
	if err != nil {
		return 0, nil, err
	}
	return resp.Call.Status, resp.Call.Output, nil
}

// Admin issues one administrative request directly against a single
// server address, bypassing rotation/retry: administrative operations
// (create/restore/snapshot/shutdown/status) target one specific
// replica by construction, not "whichever server answers first".
func Admin(addr string, req daemonproto.AdminRequest, timeout time.Duration) (daemonproto.AdminResponse, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return daemonproto.AdminResponse{}, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	resp, err := daemonproto.Send(conn, daemonproto.Request{Kind: daemonproto.KindAdmin, Admin: req})
	if err != nil {
		return daemonproto.AdminResponse{}, err
	}
	return resp.Admin, nil
}

// newNonce draws a fresh, valid command nonce from crypto/rand: nonce
// generation has no authentication role here (Non-goals exclude
// per-object authentication), so a CSPRNG is used purely for its
// collision resistance across concurrent clients, not for secrecy.
func newNonce() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic("client: crypto/rand unavailable: " + err.Error())
		}
		n := binary.BigEndian.Uint64(buf[:])
		if replicant.ValidNonce(n) {
			return n
		}
	}
}
