package kcomm_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/neurallayer/kcomm"
	"github.com/neurallayer/kcomm/loopback"
	"github.com/neurallayer/kcomm/socket"
)

func registerEcho(m *kcomm.Manager) {
	m.RegisterTarget("echo", func(c *kcomm.Comm, data json.RawMessage) error {
		_, err := c.OnMessage(func(data json.RawMessage) { c.Send(data) })
		return err
	})
}

func BenchmarkRoundTrip(b *testing.B) {
	payload := json.RawMessage(`{"text":"fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair"}`)

	b.Run("Direct", func(b *testing.B) {
		p := loopback.NewPair()
		defer p.Stop()

		registerEcho(p.B)
		runBench(b, p.A, payload)
	})
	b.Run("IO", func(b *testing.B) {
		ma, mb := pipeManagers(b)
		registerEcho(mb)
		runBench(b, ma, payload)
	})
}

func BenchmarkOpenClose(b *testing.B) {
	p := loopback.NewPair()
	defer p.Stop()

	p.B.RegisterTarget("noop", func(*kcomm.Comm, json.RawMessage) error { return nil })

	for b.Loop() {
		c, err := p.A.OpenComm("noop", nil)
		if err != nil {
			b.Fatal(err)
		}
		if err := c.Close(nil, true); err != nil {
			b.Fatal(err)
		}
	}
}

func runBench(b *testing.B, m *kcomm.Manager, payload json.RawMessage) {
	b.Helper()

	c, err := m.OpenComm("echo", nil)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close(nil, true)

	echoed := make(chan json.RawMessage, 1)
	if _, err := c.OnMessage(func(data json.RawMessage) {
		echoed <- data
	}); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(payload)))
	for b.Loop() {
		if err := c.Send(payload); err != nil {
			b.Fatal(err)
		}
		<-echoed
	}
}

func pipeManagers(tb testing.TB) (ma, mb *kcomm.Manager) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	sa := socket.IO(ar, aw)
	sb := socket.IO(br, bw)

	ca := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
		kcomm.RoleShell: sa, kcomm.RoleIOPub: sa,
	}).Start()
	cb := kcomm.NewConnection(map[kcomm.SocketRole]kcomm.Socket{
		kcomm.RoleShell: sb, kcomm.RoleIOPub: sb,
	}).Start()
	tb.Cleanup(func() {
		if err := ca.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := cb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return kcomm.NewManager(ca), kcomm.NewManager(cb)
}
