package kcomm

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrCommClosed is reported when operating on a comm that has already been
// closed. Acting on a closed comm is a programming error, not a condition
// to retry.
var ErrCommClosed = errors.New("comm is closed")

// A Comm is one open logical channel multiplexed over the shared
// connection. Comms are created by the Manager, either locally via
// OpenComm or on receipt of a comm_open from the remote peer.
//
// A comm has exactly two states, open and closed, and the transition is
// one-way: once Close has been called (or the remote peer closed the
// comm), every send and registration reports ErrCommClosed.
//
// The methods of a Comm are safe for concurrent use by multiple
// goroutines.
type Comm struct {
	id     string
	target string
	mgr    *Manager

	μ sync.Mutex

	closed  bool        // monotonic: never reset once set
	onMsg   []*Callback // message handlers, in registration order
	onClose []*Callback // close handlers, in registration order
}

// A Callback is the handle for a handler registered on a comm. Retain the
// handle returned by OnMessage or OnClose to remove the handler later;
// handler functions themselves have no usable identity.
type Callback struct {
	fn func(json.RawMessage)
}

// ID returns the unique identifier of the comm. The id is assigned by
// whichever side opened the comm.
func (c *Comm) ID() string { return c.id }

// Target returns the target name the comm was opened for.
func (c *Comm) Target() string { return c.target }

// Send delivers data to the remote peer as a comm_msg. It reports
// ErrCommClosed if the comm has been closed.
func (c *Comm) Send(data json.RawMessage) error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return fmt.Errorf("send on comm %q: %w", c.id, ErrCommClosed)
	}
	c.μ.Unlock()

	return c.mgr.conn.Send(RoleIOPub, &Message{
		Type:    TypeCommMsg,
		Content: MsgPayload{CommID: c.id, Data: data}.Encode(),
	})
}

// OnMessage registers fn to be invoked, in registration order with the
// other message handlers, for each comm_msg payload delivered while the
// comm is open. It returns a handle for RemoveMessageCallback, or
// ErrCommClosed if the comm has been closed.
func (c *Comm) OnMessage(fn func(data json.RawMessage)) (*Callback, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil, fmt.Errorf("comm %q: %w", c.id, ErrCommClosed)
	}
	cb := &Callback{fn: fn}
	c.onMsg = append(c.onMsg, cb)
	return cb, nil
}

// RemoveMessageCallback detaches a handler registered with OnMessage.
// Removing a handle that is not registered is a no-op.
func (c *Comm) RemoveMessageCallback(cb *Callback) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onMsg = deleteCallback(c.onMsg, cb)
}

// OnClose registers fn to be invoked with the close payload when the comm
// is closed, on either side. It returns a handle for RemoveCloseCallback,
// or ErrCommClosed if the comm has already been closed.
func (c *Comm) OnClose(fn func(data json.RawMessage)) (*Callback, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil, fmt.Errorf("comm %q: %w", c.id, ErrCommClosed)
	}
	cb := &Callback{fn: fn}
	c.onClose = append(c.onClose, cb)
	return cb, nil
}

// RemoveCloseCallback detaches a handler registered with OnClose. Removing
// a handle that is not registered is a no-op.
func (c *Comm) RemoveCloseCallback(cb *Callback) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onClose = deleteCallback(c.onClose, cb)
}

// Close transitions the comm to its terminal closed state: it clears the
// callback lists so no new delivery can begin, removes the comm from the
// manager's registries, invokes the close handlers in registration order
// with data, and, if notify is true, sends a comm_close to the remote
// peer.
//
// Closing an already-closed comm reports ErrCommClosed.
func (c *Comm) Close(data json.RawMessage, notify bool) error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return fmt.Errorf("close comm %q: %w", c.id, ErrCommClosed)
	}
	c.closed = true
	cbs := c.onClose
	c.onMsg, c.onClose = nil, nil
	c.μ.Unlock()

	c.mgr.remove(c)
	for _, cb := range cbs {
		cb.fn(data)
	}
	if notify {
		return c.mgr.conn.Send(RoleIOPub, &Message{
			Type:    TypeCommClose,
			Content: ClosePayload{CommID: c.id, Data: data}.Encode(),
		})
	}
	return nil
}

// deliver invokes the registered message handlers with data. A comm that
// has closed drops the payload. Handlers run outside the comm lock, on a
// snapshot of the list: a close racing with delivery cannot start new
// invocations, but an iteration already in flight completes.
func (c *Comm) deliver(data json.RawMessage) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return
	}
	cbs := slices.Clone(c.onMsg)
	c.μ.Unlock()

	for _, cb := range cbs {
		cb.fn(data)
	}
}

// discard force-closes c without firing close handlers or notifying the
// remote peer, and removes it from the manager's registries. It is used to
// roll back a comm whose open handler failed, and tolerates the handler
// having already closed the comm itself.
func (c *Comm) discard() {
	c.μ.Lock()
	c.closed = true
	c.onMsg, c.onClose = nil, nil
	c.μ.Unlock()
	c.mgr.remove(c)
}

func deleteCallback(cbs []*Callback, cb *Callback) []*Callback {
	return slices.DeleteFunc(cbs, func(c *Callback) bool { return c == cb })
}
