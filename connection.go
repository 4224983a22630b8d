package kcomm

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A SocketRole identifies one of the logical sockets multiplexed over a
// kernel connection.
type SocketRole byte

const (
	RoleShell   SocketRole = iota + 1 // request traffic from the client
	RoleControl                       // high-priority control traffic
	RoleIOPub                         // broadcast traffic to the client
	RoleStdin                         // input requests to the client
)

func (r SocketRole) String() string {
	switch r {
	case RoleShell:
		return "shell"
	case RoleControl:
		return "control"
	case RoleIOPub:
		return "iopub"
	case RoleStdin:
		return "stdin"
	default:
		return fmt.Sprintf("role:%d", byte(r))
	}
}

// A Socket is a reliable ordered stream of raw messages shared with the
// remote peer.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Socket interface {
	// Send the message to the receiver.
	Send(*Message) error

	// Receive the next available message from the socket.
	Recv() (*Message, error)

	// Close the socket, causing any pending send or receive operations to
	// terminate and report an error. After a socket is closed, all further
	// operations on it must report an error.
	Close() error
}

// A MessageCallback pairs a socket role with an action to invoke for each
// message received on that role's socket. If Type is non-empty, only
// messages of that type are delivered to the action.
//
// The identity of the callback value is its registration handle: pass the
// same pointer given to AddCallback back to RemoveCallback to detach the
// installed listener.
type MessageCallback struct {
	Role   SocketRole     // which socket to listen on
	Type   string         // optional message type filter; empty matches all
	Action func(*Message) // the action to invoke
}

// A StatusTracker observes the execution state of the kernel around the
// handling of an incoming message. Busy is called before the associated
// callbacks run and Idle after they finish, regardless of their outcome.
type StatusTracker interface {
	Busy(parent *Message)
	Idle(parent *Message)
}

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(msg MessageInfo)

// A MessageInfo combines a message with the socket role it was exchanged
// on and a flag indicating whether the message was sent or received.
type MessageInfo struct {
	*Message            // the message being logged
	Role     SocketRole // the socket the message was exchanged on
	Sent     bool       // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v %v", m.dir(), m.Role, m.Message)
}

// A Connection is a uniform façade over the role-keyed sockets shared with
// one remote peer. It owns a registry of filtered message callbacks per
// socket and a receive loop that dispatches each incoming message to the
// callbacks registered for its socket.
//
// Call Start to start the receive loops. Once started, a connection runs
// until Stop is called, a socket closes, or a receive fails. Use Wait to
// wait for the connection to exit and report its status.
//
// AddCallback, RemoveCallback, and Send are safe for concurrent use by
// multiple goroutines.
type Connection struct {
	sockets map[SocketRole]Socket
	tasks   *taskgroup.Group

	out sync.Mutex // serializes sends across all roles

	μ sync.Mutex

	err       error                                // receive failure, if any
	installed map[*MessageCallback]*listener       // callback handle → installed listener
	registry  map[SocketRole][]*listener           // socket role → listeners, in registration order
	status    StatusTracker                        // brackets callback execution
	mlog      MessageLogger                        // what it says on the tin
}

// A listener is the filtered wrapper installed for a registered callback.
// Its run method reports whether the message matched the filter.
type listener struct {
	role SocketRole
	run  func(*Message) bool
}

// NewConnection constructs a new unstarted connection over the given
// sockets. A socket may be registered under more than one role.
func NewConnection(sockets map[SocketRole]Socket) *Connection {
	c := &Connection{
		sockets:   make(map[SocketRole]Socket, len(sockets)),
		installed: make(map[*MessageCallback]*listener),
		registry:  make(map[SocketRole][]*listener),
	}
	for role, s := range sockets {
		c.sockets[role] = s
	}
	return c
}

// allRoles is the dispatch order for sockets serving multiple roles.
var allRoles = []SocketRole{RoleShell, RoleControl, RoleIOPub, RoleStdin}

// Start starts the receive loops of the connection. Each distinct socket
// gets one loop; a socket registered under several roles delivers its
// messages to the callbacks of every role it serves, in role order. Start
// does not block; call Wait to wait for the connection to exit.
func (c *Connection) Start() *Connection {
	if c.tasks != nil {
		panic("connection is already started")
	}

	g := taskgroup.New(nil)
	c.tasks = g

	seen := make(map[Socket][]SocketRole)
	for _, role := range allRoles {
		if s, ok := c.sockets[role]; ok {
			seen[s] = append(seen[s], role)
		}
	}
	for s, roles := range seen {
		g.Go(func() error {
			for {
				msg, err := s.Recv()
				if err != nil {
					c.fail(err)
					return nil
				}
				commMetrics.messagesRecv.Add(1)
				c.dispatch(roles, msg)
			}
		})
	}
	return c
}

// Metrics returns a metrics map for the connection. It is safe for the
// caller to add additional metrics to the map while the connection is
// active. By default, metrics are shared globally among all connections.
func (c *Connection) Metrics() *expvar.Map { return commMetrics.emap }

// Stop closes the sockets and terminates the connection. It blocks until
// the receive loops have exited and returns the connection status.
func (c *Connection) Stop() error { c.closeAll(); return c.Wait() }

// Wait blocks until the connection terminates and reports the error that
// caused it to stop.
//
// If the connection is not running, or stopped because a socket was
// closed, Wait returns nil; otherwise it returns the error that caused the
// receive loops to fail.
func (c *Connection) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil // the connection is not running
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	c.tasks = nil
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Send forwards msg on the socket registered for the given role. Transport
// failures propagate to the caller; there are no retries. Sending on a
// role with no socket is a caller error.
func (c *Connection) Send(role SocketRole, msg *Message) error {
	s, ok := c.sockets[role]
	if !ok {
		return fmt.Errorf("no socket for role %v", role)
	}
	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()

	c.out.Lock()
	defer c.out.Unlock()
	commMetrics.messagesSent.Add(1)
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Role: role, Sent: true})
	}
	return s.Send(msg)
}

// AddCallback installs a listener for cb on the socket for cb.Role,
// filtered to cb.Type when that is non-empty. It returns cb unchanged, so
// the caller can later remove the listener by the same reference. Adding a
// callback that is already installed has no further effect.
//
// AddCallback panics if no socket is registered for cb.Role.
func (c *Connection) AddCallback(cb *MessageCallback) *MessageCallback {
	if _, ok := c.sockets[cb.Role]; !ok {
		panic(fmt.Sprintf("no socket for role %v", cb.Role))
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.installed[cb]; ok {
		return cb
	}
	lst := &listener{role: cb.Role, run: func(msg *Message) bool {
		if cb.Type != "" && cb.Type != msg.Type {
			return false
		}
		cb.Action(msg)
		return true
	}}
	c.installed[cb] = lst
	c.registry[cb.Role] = append(c.registry[cb.Role], lst)
	return cb
}

// RemoveCallback detaches the listener installed for cb. Removing a
// callback that is not installed is a no-op.
func (c *Connection) RemoveCallback(cb *MessageCallback) {
	c.μ.Lock()
	defer c.μ.Unlock()
	lst, ok := c.installed[cb]
	if !ok {
		return
	}
	delete(c.installed, cb)
	c.registry[lst.role] = slices.DeleteFunc(c.registry[lst.role], func(l *listener) bool {
		return l == lst
	})
}

// SetStatusTracker registers a tracker that brackets the execution of
// message callbacks run through RunScoped. Passing nil removes the
// tracker. It returns c to permit chaining.
func (c *Connection) SetStatusTracker(st StatusTracker) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.status = st
	return c
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer, regardless of type, including messages
// to be discarded.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or running any callbacks.
func (c *Connection) LogMessages(log MessageLogger) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// RunScoped runs fn bracketed by the connection's status tracker: the
// kernel is marked busy before fn runs and idle after it finishes, even if
// fn panics. With no tracker installed, fn runs bare.
func (c *Connection) RunScoped(parent *Message, fn func()) {
	c.μ.Lock()
	st := c.status
	c.μ.Unlock()
	if st == nil {
		fn()
		return
	}
	st.Busy(parent)
	defer st.Idle(parent)
	fn()
}

// dispatch routes an inbound message to the listeners of the given roles.
// A message matching no listener is discarded; that is the correct
// steady-state behavior for traffic this layer does not consume.
func (c *Connection) dispatch(roles []SocketRole, msg *Message) {
	c.μ.Lock()
	var run []*listener
	for _, role := range roles {
		run = append(run, c.registry[role]...)
	}
	mlog := c.mlog
	c.μ.Unlock()

	if mlog != nil {
		mlog(MessageInfo{Message: msg, Role: roles[0], Sent: false})
	}

	matched := false
	for _, lst := range run {
		if lst.run(msg) {
			matched = true
		}
	}
	if !matched {
		commMetrics.messagesDropped.Add(1)
	}
}

// fail records the receive failure and closes the remaining sockets.
func (c *Connection) fail(err error) {
	c.closeAll()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Connection) closeAll() {
	c.out.Lock()
	defer c.out.Unlock()
	closed := make(map[Socket]bool)
	for _, s := range c.sockets {
		if !closed[s] {
			closed[s] = true
			s.Close()
		}
	}
}
