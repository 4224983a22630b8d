// Program kcomm is a command-line utility for exercising comm managers.
//
// The serve subcommand runs a kernel-side manager with an echo target on a
// listening address; the open subcommand connects to such a server, opens
// a comm, and bridges it to stdin/stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/neurallayer/kcomm"
	"github.com/neurallayer/kcomm/loopback"
	"github.com/neurallayer/kcomm/stream"
)

var serveFlags struct {
	Target string `flag:"target,Name of the echo target to register"`
}

var openFlags struct {
	Data string `flag:"data,JSON payload to send with the comm_open"`
}

func main() {
	serveFlags.Target = "echo"
	openFlags.Data = "{}"

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for exercising comm managers.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "<address>",
				Help:     "Run a kernel-side manager with an echo target on the given address.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "open",
				Usage: "<address> <target>",
				Help: `Open a comm to a served target and bridge it to the terminal.

Each line read from stdin is sent over the comm as a JSON string payload;
each payload received on the comm is printed to stdout. The comm is closed
when stdin ends.`,
				SetFlags: command.Flags(flax.MustBind, &openFlags),
				Run:      runOpen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing listen address")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	network, address := loopback.SplitAddress(env.Args[0])
	lst, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("listening", "address", lst.Addr().String(), "target", serveFlags.Target)

	return loopback.Loop(ctx, loopback.NetAccepter(lst), func(m *kcomm.Manager) {
		m.RegisterTarget(serveFlags.Target, func(c *kcomm.Comm, data json.RawMessage) error {
			logger.Info("comm opened", "id", c.ID(), "target", c.Target())
			if _, err := c.OnMessage(func(data json.RawMessage) {
				if err := c.Send(data); err != nil {
					logger.Warn("echo send failed", "id", c.ID(), "err", err)
				}
			}); err != nil {
				return err
			}
			_, err := c.OnClose(func(json.RawMessage) {
				logger.Info("comm closed", "id", c.ID())
			})
			return err
		})
	})
}

func runOpen(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required: <address> <target>")
	}
	addr, target := env.Args[0], env.Args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s, err := loopback.Dial(addr)
	if err != nil {
		return err
	}
	conn := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
		kcomm.RoleShell: s,
		kcomm.RoleIOPub: s,
	}).Start()
	defer conn.Stop()

	m := kcomm.NewManager(conn)
	c, err := m.OpenComm(target, json.RawMessage(openFlags.Data))
	if err != nil {
		return fmt.Errorf("open comm: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data, err := range stream.Recv(ctx, c) {
			if err != nil {
				fmt.Fprintln(os.Stderr, "stream:", err)
				return
			}
			var line string
			if json.Unmarshal(data, &line) == nil {
				fmt.Println(line)
			} else {
				fmt.Println(string(data))
			}
		}
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		payload, err := json.Marshal(sc.Text())
		if err != nil {
			return err
		}
		if err := c.Send(payload); err != nil {
			return err
		}
	}
	if err := c.Close(nil, true); err != nil {
		return err
	}
	<-done
	return sc.Err()
}
