// Package loopback provides support code for managing and testing
// connected kernel/client manager pairs.
package loopback

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/creachadair/taskgroup"
	"github.com/neurallayer/kcomm"
	"github.com/neurallayer/kcomm/socket"
)

// A Pair is two in-memory connected comm managers, suitable for testing.
// Each side's iopub traffic is delivered to the other side's shell socket,
// so protocol messages announced by one manager are consumed by the other.
type Pair struct {
	A *kcomm.Manager
	B *kcomm.Manager

	ConnA *kcomm.Connection
	ConnB *kcomm.Connection
}

// Stop shuts down both sides and blocks until both have exited.
func (p *Pair) Stop() error {
	aerr := p.ConnA.Stop()
	berr := p.ConnB.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewPair creates a pair of in-memory connected managers that communicate
// via direct sockets without encoding.
func NewPair() *Pair {
	apub, bshell := socket.Direct()
	bpub, ashell := socket.Direct()

	connA := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
		kcomm.RoleShell: ashell,
		kcomm.RoleIOPub: apub,
	}).Start()
	connB := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
		kcomm.RoleShell: bshell,
		kcomm.RoleIOPub: bpub,
	}).Start()

	return &Pair{
		A: kcomm.NewManager(connA), B: kcomm.NewManager(connB),
		ConnA: connA, ConnB: connB,
	}
}

// An Accepter accepts inbound sockets from clients.
type Accepter interface {
	Accept(context.Context) (kcomm.Socket, error)
}

// Loop accepts sockets from acc and runs a connection and manager for each
// one in a goroutine, calling bind to let the caller register targets and
// callbacks before traffic flows. Loop continues until acc closes or ctx
// ends.
//
// When ctx terminates, all running connections are stopped. When acc
// closes, the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, bind func(*kcomm.Manager)) error {
	g := taskgroup.New(nil)
	for {
		s, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// A single stream serves both roles here: inbound traffic is
			// dispatched as shell, outbound announcements go out as iopub.
			// Targets are bound before the receive loops start so an eager
			// client's comm_open cannot beat the registration.
			conn := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
				kcomm.RoleShell: s,
				kcomm.RoleIOPub: s,
			})
			bind(kcomm.NewManager(conn))
			conn.Start()

			go func() { <-sctx.Done(); conn.Stop() }()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (kcomm.Socket, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return socket.IO(conn, conn), nil
}

// Dial connects to the given address and returns a JSON-framed socket over
// the resulting stream. The network is guessed with SplitAddress.
func Dial(addr string) (kcomm.Socket, error) {
	network, address := SplitAddress(addr)
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return socket.IO(conn, conn), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as
// "unix". The network "unix" is also assigned if port == "", port contains
// characters other than ASCII letters, digits, and "-", or if host
// contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function
// does not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for
// our purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
