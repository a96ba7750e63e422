// Package rsm defines the ABI a state machine plugin implements and the
// Context object handed to every transition, mirroring include/rsm.h:
// a constructor/restore-constructor/snapshot triple plus a table of
// named transitions, each given a context through which it logs,
// produces output, and manipulates conditions.
package rsm

import (
	"fmt"
	"plugin"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Transition is one named entry point a command's func field selects
// by exact match; calling an unknown name is a permanent FuncNotFound,
// not a crash.
type Transition struct {
	Name string
	Func func(ctx *Context, obj interface{}, data []byte)
}

// StateMachine is the value a plugin exports. Ctor builds fresh state
// for a brand new object; Rtor rebuilds state from a previously taken
// snapshot (object creation always calls exactly one of the two, never
// both). Snap must be side-effect free and callable from any point
// between transitions.
type StateMachine struct {
	Ctor        func(ctx *Context) interface{}
	Rtor        func(ctx *Context, data []byte) interface{}
	Snap        func(ctx *Context, obj interface{}) []byte
	Transitions []Transition
}

// Lookup returns the transition with the given name, or false if the
// state machine declares none by that name.
func (sm *StateMachine) Lookup(name string) (Transition, bool) {
	for _, t := range sm.Transitions {
		if t.Name == name {
			return t, true
		}
	}
	return Transition{}, false
}

// Host is how a Context reaches the daemon that is driving it. The
// object child implementation satisfies this over the object host
// protocol; tests satisfy it with an in-memory fake.
type Host interface {
	Log(text string)
	CondCreate(name string)
	CondDestroy(name string)
	CondBroadcast(name string) (replicant.ReturnCode, error)
	CondBroadcastData(name string, data []byte) (replicant.ReturnCode, error)
	CondCurrentValue(name string) (replicant.ReturnCode, uint64, []byte, error)
	TickInterval(funcName string, seconds uint64)
}

// Context is passed to every Ctor/Rtor/transition call. It accumulates
// the status and output of the in-flight operation and forwards
// condition/log/tick requests to Host; nothing about it is safe for
// concurrent use, matching the single-dispatch-per-object execution
// model.
type Context struct {
	host   Host
	status replicant.ReturnCode
	output []byte
}

// NewContext constructs a Context bound to host. status defaults to
// Success; a transition that never calls SetOutput leaves output nil.
func NewContext(host Host) *Context {
	return &Context{host: host, status: replicant.SUCCESS}
}

// Log forwards a formatted diagnostic line to the daemon, which
// attributes it to this object.
func (c *Context) Log(format string, args ...interface{}) {
	c.host.Log(fmt.Sprintf(format, args...))
}

// SetOutput records the bytes returned to the caller when this
// transition's COMMAND completes. Calling it more than once replaces
// the previous value, matching rsm_set_output's realloc-in-place
// semantics.
func (c *Context) SetOutput(output []byte) {
	c.output = output
}

// SetStatus overrides the ReturnCode reported for this call. A
// transition that never calls it succeeds.
func (c *Context) SetStatus(rc replicant.ReturnCode) {
	c.status = rc
}

// Status returns the ReturnCode accumulated so far.
func (c *Context) Status() replicant.ReturnCode {
	return c.status
}

// Output returns the bytes accumulated so far.
func (c *Context) Output() []byte {
	return c.output
}

func (c *Context) CondCreate(name string)  { c.host.CondCreate(name) }
func (c *Context) CondDestroy(name string) { c.host.CondDestroy(name) }

func (c *Context) CondBroadcast(name string) error {
	rc, err := c.host.CondBroadcast(name)
	if err != nil {
		return err
	}
	if rc != replicant.SUCCESS {
		return errors.Errorf("cond_broadcast(%s): %s", name, rc)
	}
	return nil
}

func (c *Context) CondBroadcastData(name string, data []byte) error {
	rc, err := c.host.CondBroadcastData(name, data)
	if err != nil {
		return err
	}
	if rc != replicant.SUCCESS {
		return errors.Errorf("cond_broadcast_data(%s): %s", name, rc)
	}
	return nil
}

func (c *Context) CondCurrentValue(name string) (uint64, []byte, error) {
	rc, state, data, err := c.host.CondCurrentValue(name)
	if err != nil {
		return 0, nil, err
	}
	if rc != replicant.SUCCESS {
		return 0, nil, errors.Errorf("cond_current_value(%s): %s", name, rc)
	}
	return state, data, nil
}

func (c *Context) TickInterval(funcName string, seconds uint64) {
	c.host.TickInterval(funcName, seconds)
}

// pluginSymbol is the name every state machine plugin must export: a
// package-level var of type StateMachine, which plugin.Lookup returns
// as a *StateMachine.
const pluginSymbol = "Rsm"

// Load dlopen-equivalents path and resolves its exported StateMachine.
// Go's plugin package only supports ELF on Linux, matching the
// dlopen/dlsym("rsm") pairing this mirrors; a plugin missing the
// symbol or exporting the wrong type is a permanent load error, same
// as the legacy loader's NULL checks on ctor/rtor/snap.
func Load(path string) (*StateMachine, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(replicant.ErrPermanent, "open %s: %v", path, err)
	}
	sym, err := p.Lookup(pluginSymbol)
	if err != nil {
		return nil, errors.Wrapf(replicant.ErrPermanent, "lookup %s in %s: %v", pluginSymbol, path, err)
	}
	sm, ok := sym.(*StateMachine)
	if !ok {
		return nil, errors.Wrapf(replicant.ErrPermanent, "%s in %s is not *rsm.StateMachine", pluginSymbol, path)
	}
	if sm.Ctor == nil || sm.Rtor == nil || sm.Snap == nil {
		return nil, errors.Wrapf(replicant.ErrPermanent, "%s in %s missing ctor/rtor/snap", pluginSymbol, path)
	}
	return sm, nil
}
