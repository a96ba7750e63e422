// Package objectmanager implements the daemon-side lifecycle of
// object children — create, restore, apply, snapshot — each one
// dispatched synchronously over that object's own socket. A
// worker-thread-per-object model was considered and rejected: one
// goroutine per in-flight Apply call, serialized by the object's own
// mutex, gives the same single-dispatch guarantee with far less
// bookkeeping than a persistent per-object thread pulling off a work
// queue.
package objectmanager

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rescrv/replicant/internal/condition"
	"github.com/rescrv/replicant/internal/hostproto"
	"github.com/rescrv/replicant/internal/objectchild"
	"github.com/rescrv/replicant/internal/procwatch"
	"github.com/rescrv/replicant/internal/robusthistory"
	"github.com/rescrv/replicant/internal/wire"
	"github.com/rescrv/replicant/pkg/replicant"
)

// pathMax bounds an object's on-disk path the same way the legacy
// loader bounded library paths: three bytes of slack are reserved for
// the suffixes the daemon appends (a separator and a two-character
// extension) when it builds a concrete filesystem path from the name.
const pathMax = 4096

// ValidPath reports whether name is safe to use as a path component:
// restricted to `[A-Za-z0-9._-]` and short enough that appending a
// small suffix can never overflow a PATH_MAX buffer.
func ValidPath(name string) bool {
	if name == "" || len(name)+3 >= pathMax {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// LogSink receives a log line emitted by an object during an action.
type LogSink func(object, text string)

// object is the daemon's view of one live child process.
type object struct {
	mu         sync.Mutex
	proc       *objectchild.Process
	conditions *condition.Registry
	history    *robusthistory.History
	ticks      map[string]time.Duration
	tickTimers map[string]*time.Timer
}

// Manager tracks every currently live object on this server.
type Manager struct {
	mu      sync.Mutex
	objects map[string]*object
	selfExe string
	log     LogSink
}

// New returns an empty manager. selfExe is the path of the object host
// binary that object children are exec'd from (replicantd passes the
// resolved replicant-object-host path); log receives every ResponseLog frame an object emits, or may
// be nil to discard them.
func New(selfExe string, log LogSink) *Manager {
	if log == nil {
		log = func(string, string) {}
	}
	return &Manager{objects: make(map[string]*object), selfExe: selfExe, log: log}
}

// Exists reports whether name currently names a live object.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[name]
	return ok
}

// Create spawns a brand new object backed by the state machine plugin
// at libraryPath, running its constructor. It fails with ObjExist if
// name is already live.
func (m *Manager) Create(name, libraryPath, objectPath string) error {
	if !ValidPath(name) {
		return errors.Wrap(replicant.ErrInvariant, "invalid object path")
	}

	m.mu.Lock()
	if _, ok := m.objects[name]; ok {
		m.mu.Unlock()
		return errors.Errorf("object %q: %s", name, replicant.ObjExist)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(objectPath, 0755); err != nil {
		return errors.Wrapf(replicant.ErrPermanent, "mkdir %s: %v", objectPath, err)
	}

	proc, err := objectchild.Spawn(m.selfExe, objectchild.SpawnOptions{
		LibraryPath: libraryPath,
		ObjectPath:  objectPath,
	})
	if err != nil {
		return err
	}

	obj := &object{
		proc:       proc,
		conditions: condition.NewRegistry(),
		history:    robusthistory.New(robusthistory.DefaultMaxSize),
		ticks:      make(map[string]time.Duration),
		tickTimers: make(map[string]*time.Timer),
	}

	if err := hostproto.WriteAction(proc.Conn, hostproto.ActionCtor); err != nil {
		proc.Kill()
		return err
	}
	if _, err := m.drainUntilOutput(name, obj, proc.Conn); err != nil {
		proc.Kill()
		return err
	}

	m.mu.Lock()
	m.objects[name] = obj
	m.mu.Unlock()
	return nil
}

// Restore rebuilds an object from a previously taken snapshot, running
// its restore-constructor instead of its constructor. It is how a
// replica that falls behind catches up without replaying its entire
// command history from scratch. historyData, if non-empty, is a
// previously marshaled robust history and is loaded verbatim instead
// of starting the object with an empty dedup ledger — otherwise a
// client resubmission that raced the restore would see its
// already-applied command re-executed.
func (m *Manager) Restore(name, libraryPath, objectPath string, snapshot, historyData []byte) error {
	if !ValidPath(name) {
		return errors.Wrap(replicant.ErrInvariant, "invalid object path")
	}

	m.mu.Lock()
	if _, ok := m.objects[name]; ok {
		m.mu.Unlock()
		return errors.Errorf("object %q: %s", name, replicant.ObjExist)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(objectPath, 0755); err != nil {
		return errors.Wrapf(replicant.ErrPermanent, "mkdir %s: %v", objectPath, err)
	}

	proc, err := objectchild.Spawn(m.selfExe, objectchild.SpawnOptions{
		LibraryPath: libraryPath,
		ObjectPath:  objectPath,
	})
	if err != nil {
		return err
	}

	obj := &object{
		proc:       proc,
		conditions: condition.NewRegistry(),
		history:    robusthistory.New(robusthistory.DefaultMaxSize),
		ticks:      make(map[string]time.Duration),
		tickTimers: make(map[string]*time.Timer),
	}

	if err := hostproto.WriteAction(proc.Conn, hostproto.ActionRtor); err != nil {
		proc.Kill()
		return err
	}
	if err := hostproto.WriteRtorPayload(proc.Conn, snapshot); err != nil {
		proc.Kill()
		return err
	}
	if _, err := m.drainUntilOutput(name, obj, proc.Conn); err != nil {
		proc.Kill()
		return err
	}

	if len(historyData) > 0 {
		if err := obj.history.Unmarshal(historyData); err != nil {
			proc.Kill()
			return errors.Wrap(err, "restore history")
		}
	}

	m.mu.Lock()
	m.objects[name] = obj
	m.mu.Unlock()
	return nil
}

// ApplyResult is the outcome of dispatching a command to an object.
type ApplyResult struct {
	Status replicant.ReturnCode
	Output []byte
}

// Apply dispatches funcName(input) to the named object at the given
// log slot. Robust calls are deduplicated against that object's
// history by nonce: a replay of an already-executed nonce returns the
// original recorded result without re-running the transition, and a
// nonce old enough that history may have evicted it surfaces MAYBE
// instead of silently re-executing.
func (m *Manager) Apply(name string, slot uint64, flags replicant.Flags, nonce, minSlot uint64, funcName string, input []byte) (ApplyResult, error) {
	obj, ok := m.lookup(name)
	if !ok {
		return ApplyResult{Status: replicant.ObjNotFound}, nil
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()

	if flags.Has(replicant.Robust) {
		verdict, status, output := obj.history.HasOutput(nonce, minSlot)
		switch verdict {
		case robusthistory.Found:
			return ApplyResult{Status: status, Output: output}, nil
		case robusthistory.Maybe:
			return ApplyResult{Status: replicant.MAYBE}, nil
		}
	}

	if err := hostproto.WriteAction(obj.proc.Conn, hostproto.ActionCommand); err != nil {
		obj.proc.Kill()
		return ApplyResult{}, err
	}
	if err := hostproto.WriteCommand(obj.proc.Conn, hostproto.Command{Func: funcName, Input: input}); err != nil {
		obj.proc.Kill()
		return ApplyResult{}, err
	}

	out, err := m.drainUntilOutput(name, obj, obj.proc.Conn)
	if err != nil {
		obj.proc.Kill()
		return ApplyResult{}, err
	}

	result := ApplyResult{Status: replicant.ReturnCode(out.Status), Output: out.Data}

	if flags.Has(replicant.Robust) {
		obj.history.Executed(robusthistory.Entry{
			Slot:   slot,
			Nonce:  nonce,
			Status: result.Status,
			Output: result.Output,
		})
	}

	return result, nil
}

// SnapshotResult pairs an object's name with its serialized state.
type SnapshotResult struct {
	Name           string
	Snapshot       []byte
	History        []byte
	HistoryEntries int
	HistoryEvicted uint64
}

// TakeSnapshot snapshots every named object concurrently: each
// object's own socket is independent, so there is no reason to
// serialize these the way an Apply against a single object must be.
func (m *Manager) TakeSnapshot(ctx context.Context, names []string) ([]SnapshotResult, error) {
	results := make([]SnapshotResult, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			obj, ok := m.lookup(name)
			if !ok {
				return errors.Errorf("object %q: %s", name, replicant.ObjNotFound)
			}

			obj.mu.Lock()
			defer obj.mu.Unlock()

			if err := hostproto.WriteAction(obj.proc.Conn, hostproto.ActionSnapshot); err != nil {
				obj.proc.Kill()
				return err
			}
			data, err := hostproto.ReadSnapshot(obj.proc.Conn)
			if err != nil {
				obj.proc.Kill()
				return err
			}

			results[i] = SnapshotResult{
				Name:           name,
				Snapshot:       data,
				History:        obj.history.Marshal(),
				HistoryEntries: obj.history.Len(),
				HistoryEvicted: obj.history.EvictedTotal(),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Shutdown tells an object to exit cleanly and releases it from the
// manager regardless of whether the child acknowledges in time.
func (m *Manager) Shutdown(name string) error {
	obj, ok := m.lookup(name)
	if !ok {
		return nil
	}

	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()

	obj.mu.Lock()
	defer obj.mu.Unlock()

	for _, t := range obj.tickTimers {
		t.Stop()
	}

	err := hostproto.WriteAction(obj.proc.Conn, hostproto.ActionShutdown)
	obj.proc.Conn.Close()
	if err != nil {
		obj.proc.Kill()
		return err
	}
	return nil
}

func (m *Manager) lookup(name string) (*object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	return obj, ok
}

// Health reports the live OS-level state of name's child process,
// sampled straight from /proc rather than inferred from socket
// activity: a child can go quiet on its socket while still being
// perfectly healthy (mid long-running transition), and procwatch is
// how the daemon tells that apart from a wedged or zombied process.
func (m *Manager) Health(name string) (procwatch.State, error) {
	obj, ok := m.lookup(name)
	if !ok {
		return procwatch.State{}, errors.Errorf("object %q: %s", name, replicant.ObjNotFound)
	}
	return procwatch.Sample(obj.proc.Pid)
}

// Names returns every currently live object name, for the admin
// surface and for reconciling a persisted manifest on restart.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for name := range m.objects {
		out = append(out, name)
	}
	return out
}

// drainUntilOutput reads response frames for obj until the frame that
// closes the in-flight action, applying every interstitial frame's
// side effect (and replying where the protocol requires a reply)
// along the way.
func (m *Manager) drainUntilOutput(name string, obj *object, conn *wire.Conn) (hostproto.Output, error) {
	for {
		frame, err := hostproto.ReadResponseFrame(conn)
		if err != nil {
			return hostproto.Output{}, err
		}

		switch frame.Type {
		case hostproto.ResponseLog:
			m.log(name, strings.TrimRight(frame.Log.Text, "\n"))

		case hostproto.ResponseCondCreate:
			obj.conditions.Create(frame.CondCreate.Name)

		case hostproto.ResponseCondDestroy:
			obj.conditions.Destroy(frame.CondDestroy.Name)

		case hostproto.ResponseCondBroadcast:
			rc := obj.conditions.Broadcast(frame.CondBroadcast.Name)
			if err := hostproto.WriteCondStatus(conn, byte(rc)); err != nil {
				return hostproto.Output{}, err
			}

		case hostproto.ResponseCondBroadcastData:
			rc := obj.conditions.BroadcastData(frame.CondBroadcastData.Name, frame.CondBroadcastData.Data)
			if err := hostproto.WriteCondStatus(conn, byte(rc)); err != nil {
				return hostproto.Output{}, err
			}

		case hostproto.ResponseCondCurrentValue:
			state, data, rc := obj.conditions.CurrentValue(frame.CondCurrentValue.Name)
			reply := hostproto.CondValue{State: state, Data: data}
			if err := hostproto.WriteCondCurrentValueReply(conn, byte(rc), reply); err != nil {
				return hostproto.Output{}, err
			}

		case hostproto.ResponseTickInterval:
			m.scheduleTickLocked(name, obj, frame.TickInterval.Func, time.Duration(frame.TickInterval.Interval)*time.Second)

		case hostproto.ResponseOutput:
			return frame.Output, nil

		default:
			return hostproto.Output{}, errors.Wrapf(replicant.ErrCorruptFrame, "unexpected response type %v", frame.Type)
		}
	}
}

// scheduleTickLocked records funcName's desired tick interval and
// (re)arms its timer; an interval of zero cancels any outstanding
// schedule for funcName instead of arming one. Callers must hold
// obj.mu.
func (m *Manager) scheduleTickLocked(name string, obj *object, funcName string, interval time.Duration) {
	if interval <= 0 {
		if t, ok := obj.tickTimers[funcName]; ok {
			t.Stop()
			delete(obj.tickTimers, funcName)
		}
		delete(obj.ticks, funcName)
		return
	}
	obj.ticks[funcName] = interval
	m.armTickLocked(name, obj, funcName)
}

// armTickLocked (re)starts funcName's timer using its currently
// registered interval, replacing any timer already running for it.
// Callers must hold obj.mu.
func (m *Manager) armTickLocked(name string, obj *object, funcName string) {
	if t, ok := obj.tickTimers[funcName]; ok {
		t.Stop()
	}
	interval, ok := obj.ticks[funcName]
	if !ok {
		delete(obj.tickTimers, funcName)
		return
	}
	obj.tickTimers[funcName] = time.AfterFunc(interval, func() {
		m.fireTick(name, funcName)
	})
}

// fireTick re-issues funcName through the normal C2 COMMAND path when
// its schedule elapses, the way rsm_tick_interval intends: this is a
// daemon-local affordance, not a consensus-visible command, so the
// invocation carries no slot and is never recorded in robust history.
// A child that has since been killed or that errors on this command
// simply drops its schedule rather than retrying.
func (m *Manager) fireTick(name, funcName string) {
	obj, ok := m.lookup(name)
	if !ok {
		return
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()

	if _, scheduled := obj.ticks[funcName]; !scheduled {
		return
	}

	if err := hostproto.WriteAction(obj.proc.Conn, hostproto.ActionCommand); err != nil {
		obj.proc.Kill()
		return
	}
	if err := hostproto.WriteCommand(obj.proc.Conn, hostproto.Command{Func: funcName}); err != nil {
		obj.proc.Kill()
		return
	}
	if _, err := m.drainUntilOutput(name, obj, obj.proc.Conn); err != nil {
		obj.proc.Kill()
		return
	}

	m.armTickLocked(name, obj, funcName)
}
