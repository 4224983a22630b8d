// Package kcomm implements the comm sub-protocol of a kernel messaging
// connection: a mechanism by which a kernel and its client negotiate,
// open, exchange arbitrary payloads over, and tear down named logical
// channels ("comms") multiplexed on a single underlying socket set.
//
// # Connections
//
// A [Connection] is a uniform façade over the role-keyed sockets shared
// with one remote peer. Each logical socket is identified by a
// [SocketRole] (shell, control, iopub, stdin) and implemented by a
// [Socket], a reliable ordered stream of raw messages. The socket package
// provides basic implementations of this interface.
//
// To build and start a connection:
//
//	conn := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
//	   kcomm.RoleShell: sh,
//	   kcomm.RoleIOPub: pub,
//	}).Start()
//
// The connection runs until [Connection.Stop] is called or a socket
// closes. Call [Connection.Wait] to wait for the connection to exit and
// return its status.
//
// Raw message listeners are registered with [Connection.AddCallback],
// which installs a listener filtered to the callback's socket role and
// optional message type. The callback value itself is the registration
// handle: pass the same pointer to [Connection.RemoveCallback] to detach
// the installed listener. Messages matching no listener are silently
// discarded.
//
// # Comms
//
// The core type defined by this package is the [Manager], which drives the
// comm protocol over a connection:
//
//	mgr := kcomm.NewManager(conn)
//
// To open a channel to the remote peer, use [Manager.OpenComm]:
//
//	c, err := mgr.OpenComm("echo", data)
//
// Opening is fire-and-forget: a comm_open is announced to the peer and the
// [Comm] is usable immediately. Payloads are exchanged with [Comm.Send]
// and handlers registered with [Comm.OnMessage] and [Comm.OnClose];
// handlers of a given kind fire in registration order.
//
// A comm has exactly two states, open and closed, and the transition is
// one-way. Sending on a closed comm, registering a handler on it, or
// closing it a second time reports [ErrCommClosed]. Traffic for a comm id
// this side no longer knows is dropped without error; that is the expected
// outcome of the distributed open/close handshake racing.
//
// # Targets
//
// The remote peer opens comms by target name. Use [Manager.RegisterTarget]
// to install the handler consulted when a comm_open arrives:
//
//	mgr.RegisterTarget("echo", func(c *kcomm.Comm, data json.RawMessage) error {
//	   _, err := c.OnMessage(func(data json.RawMessage) { c.Send(data) })
//	   return err
//	})
//
// The comm is registered before the handler runs, so the handler may use
// it freely. If the handler reports an error or panics, the open is rolled
// back: the comm is removed from the registries and a comm_close carrying
// the error is sent to the peer. A comm_open for a target with no
// registered handler is likewise answered with a comm_close whose data
// describe the rejection; neither failure raises a local error.
//
// # Execution status
//
// Delivery of comm_msg payloads to message handlers is bracketed by the
// connection's [StatusTracker], when one is installed with
// [Connection.SetStatusTracker]: the kernel is marked busy before the
// handlers run and idle after they finish, regardless of their outcome.
//
// # Metrics
//
// Connections and managers maintain a collection of metrics while
// running. Use the Metrics method of either to obtain an [expvar.Map]
// containing the metrics exported by the comm layer. By default, metrics
// are shared globally.
//
// The metrics currently exported include:
//
//   - messages_received: counter of raw messages received
//   - messages_sent: counter of raw messages sent
//   - messages_dropped: counter of messages received and discarded
//   - messages_invalid: counter of comm messages with undecodable payloads
//   - opens_in: counter of comm_open messages received
//   - opens_rejected: counter of opens rejected before the handler ran
//   - opens_failed: counter of opens rolled back after a handler failure
//   - comm_msgs_in: counter of comm_msg payloads delivered
//   - comm_msgs_dropped: counter of comm_msg payloads for unknown ids
//   - closes_in: counter of comm_close messages applied
//   - comms_active: gauge of currently open comms
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package kcomm
