package kcomm

import (
	"encoding/json"
	"expvar"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// A TargetHandler is invoked when the remote peer opens a comm for a
// target registered under its name. The comm is already registered when
// the handler runs, so the handler may send on it, add callbacks, or close
// it.
//
// If the handler reports an error or panics, the open is rejected: the
// comm is removed from the registries and a comm_close carrying the error
// is sent to the remote peer.
type TargetHandler func(c *Comm, data json.RawMessage) error

// A Manager drives the comm sub-protocol over a connection. It owns every
// open comm and the table of registered targets, consumes the three comm
// message kinds arriving on the shell socket, and emits protocol messages
// on the iopub socket.
//
// All methods of a Manager are safe for concurrent use by multiple
// goroutines, including concurrently with protocol dispatch.
type Manager struct {
	conn *Connection

	μ sync.Mutex

	targets   map[string]TargetHandler // target name → open handler
	comms     map[string]*Comm         // comm id → comm; source of truth for existence
	byTarget  map[string][]string      // target name → open comm ids, in open order
	installed []*MessageCallback       // the protocol callbacks, for Detach
}

// NewManager constructs a manager driving the comm protocol over conn. It
// installs callbacks for the comm_open, comm_msg, and comm_close message
// kinds on the shell socket; conn must therefore have a socket registered
// for RoleShell, and one for RoleIOPub for outbound traffic.
func NewManager(conn *Connection) *Manager {
	m := &Manager{
		conn:     conn,
		targets:  make(map[string]TargetHandler),
		comms:    make(map[string]*Comm),
		byTarget: make(map[string][]string),
	}
	m.installed = []*MessageCallback{
		conn.AddCallback(&MessageCallback{Role: RoleShell, Type: TypeCommOpen, Action: m.handleOpen}),
		conn.AddCallback(&MessageCallback{Role: RoleShell, Type: TypeCommMsg, Action: m.handleMsg}),
		conn.AddCallback(&MessageCallback{Role: RoleShell, Type: TypeCommClose, Action: m.handleClose}),
	}
	return m
}

// Metrics returns the metrics map shared by the comm layer.
func (m *Manager) Metrics() *expvar.Map { return commMetrics.emap }

// Detach removes the manager's protocol callbacks from the connection.
// Open comms are left as they are, but no further remote traffic will be
// delivered to them.
func (m *Manager) Detach() {
	for _, cb := range m.installed {
		m.conn.RemoveCallback(cb)
	}
}

// OpenComm opens a new comm for the named target with a fresh unique id,
// announces it to the remote peer with a comm_open, and returns it. The
// open is fire-and-forget: no acknowledgement is awaited. If the announce
// cannot be sent, the comm is rolled back and the transport error is
// returned.
func (m *Manager) OpenComm(target string, data json.RawMessage) (*Comm, error) {
	c := &Comm{id: uuid.NewString(), target: target, mgr: m}
	m.register(c)

	err := m.conn.Send(RoleIOPub, &Message{
		Type:    TypeCommOpen,
		Content: OpenPayload{CommID: c.id, TargetName: target, Data: data}.Encode(),
	})
	if err != nil {
		c.discard()
		return nil, err
	}
	return c, nil
}

// RegisterTarget registers handler to be consulted when the remote peer
// opens a comm for the named target. At most one handler is registered per
// target; registering again replaces the handler for future opens only,
// and comms already open for the target are unaffected. Passing a nil
// handler removes any registered handler for the target.
func (m *Manager) RegisterTarget(target string, handler TargetHandler) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if handler == nil {
		delete(m.targets, target)
	} else {
		m.targets[target] = handler
	}
}

// UnregisterTarget removes the handler registered for the named target, if
// any. Comms already open for the target are unaffected.
func (m *Manager) UnregisterTarget(target string) { m.RegisterTarget(target, nil) }

// CloseComm closes the comm with the given id, notifying the remote peer.
// Closing an unknown id is a no-op.
func (m *Manager) CloseComm(id string, data json.RawMessage) error {
	m.μ.Lock()
	c, ok := m.comms[id]
	m.μ.Unlock()
	if !ok {
		return nil
	}
	return c.Close(data, true)
}

// Comms returns a snapshot of the currently open comms for the named
// target, in the order they were opened. If target == "", it returns the
// union over all targets, ordered by target name and then open order, with
// no duplicates.
func (m *Manager) Comms(target string) []*Comm {
	m.μ.Lock()
	defer m.μ.Unlock()
	if target != "" {
		return m.commsLocked(target)
	}
	var out []*Comm
	for _, t := range slices.Sorted(maps.Keys(m.byTarget)) {
		out = append(out, m.commsLocked(t)...)
	}
	return out
}

func (m *Manager) commsLocked(target string) []*Comm {
	ids := m.byTarget[target]
	out := make([]*Comm, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.comms[id])
	}
	return out
}

// register adds c to the registries, and reports whether the id was fresh.
// The two maps are updated together: an id appears in exactly one target's
// id list iff it is present in the comm map.
func (m *Manager) register(c *Comm) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.comms[c.id]; ok {
		return false
	}
	m.comms[c.id] = c
	m.byTarget[c.target] = append(m.byTarget[c.target], c.id)
	commMetrics.commsActive.Add(1)
	return true
}

// remove deletes c from the registries. Removing a comm that is no longer
// registered is a no-op, so close and rollback paths may overlap safely.
func (m *Manager) remove(c *Comm) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.comms[c.id]; !ok {
		return
	}
	delete(m.comms, c.id)
	ids := slices.DeleteFunc(m.byTarget[c.target], func(id string) bool { return id == c.id })
	if len(ids) == 0 {
		delete(m.byTarget, c.target)
	} else {
		m.byTarget[c.target] = ids
	}
	commMetrics.commsActive.Add(-1)
}

// handleOpen processes a comm_open from the remote peer.
func (m *Manager) handleOpen(msg *Message) {
	var op OpenPayload
	if err := op.Decode(msg.Content); err != nil {
		commMetrics.messagesInvalid.Add(1)
		return
	}
	commMetrics.opensIn.Add(1)

	m.μ.Lock()
	handler, ok := m.targets[op.TargetName]
	m.μ.Unlock()
	if !ok {
		commMetrics.opensRejected.Add(1)
		m.sendCloseError(op.CommID, ErrorData{
			Error:      fmt.Sprintf("Target %s was not registered", op.TargetName),
			TargetName: op.TargetName,
		})
		return
	}

	c := &Comm{id: op.CommID, target: op.TargetName, mgr: m}
	if !m.register(c) {
		// Reject a duplicate comm id without disturbing the existing comm.
		commMetrics.opensRejected.Add(1)
		m.sendCloseError(op.CommID, ErrorData{
			Error:      fmt.Sprintf("Comm id %q is already in use", op.CommID),
			TargetName: op.TargetName,
			CommID:     op.CommID,
		})
		return
	}

	// The comm is registered before the handler runs so the handler can use
	// it, but a handler failure must leave the registries exactly as they
	// were before the open.
	if stack, err := runTargetHandler(handler, c, op.Data); err != nil {
		commMetrics.opensFailed.Add(1)
		m.sendCloseError(op.CommID, ErrorData{
			Error:      err.Error(),
			TargetName: op.TargetName,
			CommID:     op.CommID,
			Traceback:  stack,
		})
		c.discard()
	}
}

// handleMsg processes a comm_msg from the remote peer. A payload for an
// unknown comm id is dropped; the comm may have raced closed.
func (m *Manager) handleMsg(msg *Message) {
	var mp MsgPayload
	if err := mp.Decode(msg.Content); err != nil {
		commMetrics.messagesInvalid.Add(1)
		return
	}
	m.μ.Lock()
	c, ok := m.comms[mp.CommID]
	m.μ.Unlock()
	if !ok {
		commMetrics.commMsgsDropped.Add(1)
		return
	}
	commMetrics.commMsgsIn.Add(1)
	m.conn.RunScoped(msg, func() { c.deliver(mp.Data) })
}

// handleClose processes a comm_close from the remote peer. The remote side
// already knows the comm is gone, so the close does not notify back. An
// unknown comm id is a no-op.
func (m *Manager) handleClose(msg *Message) {
	var cp ClosePayload
	if err := cp.Decode(msg.Content); err != nil {
		commMetrics.messagesInvalid.Add(1)
		return
	}
	m.μ.Lock()
	c, ok := m.comms[cp.CommID]
	m.μ.Unlock()
	if !ok {
		return
	}
	commMetrics.closesIn.Add(1)
	if err := c.Close(cp.Data, false); err != nil {
		// Lost a race with a local close; the registries no longer know the
		// id, so there is nothing left to do.
		return
	}
}

// sendCloseError reports a protocol-level failure to the remote peer as
// data in a comm_close. A transport failure here has no caller to report
// to; it will surface through the connection's receive loop.
func (m *Manager) sendCloseError(id string, ed ErrorData) {
	_ = m.conn.Send(RoleIOPub, &Message{
		Type:    TypeCommClose,
		Content: ClosePayload{CommID: id, Data: ed.Encode()}.Encode(),
	})
}

// runTargetHandler invokes handler, converting a panic into an error and a
// rendered stack so the failure can travel to the remote peer as data.
func runTargetHandler(handler TargetHandler, c *Comm, data json.RawMessage) (stack string, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("target handler panicked (recovered): %v", x)
			stack = string(debug.Stack())
		}
	}()
	return "", handler(c, data)
}
