// Package stream provides helpers for consuming a comm as an iterator,
// where the payloads delivered by the remote peer form a stream that ends
// when the comm closes.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/neurallayer/kcomm"
)

// Open opens a comm for the named target and yields each payload the
// remote peer delivers on it. The stream ends when the comm closes, on
// either side, or when ctx ends.
//
// The returned iterator yields zero or more (data, nil) values. If the
// open fails or ctx ends first, the iterator ends the stream with a final
// (nil, err) tuple. Breaking out of the iteration closes the comm and
// notifies the peer.
func Open(ctx context.Context, m *kcomm.Manager, target string, data json.RawMessage) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		c, err := m.OpenComm(target, data)
		if err != nil {
			yield(nil, err)
			return
		}
		if recvLoop(ctx, c, yield) {
			// The consumer stopped early; the comm is still ours to tear
			// down. A close that raced in from elsewhere makes this a no-op.
			if err := c.Close(nil, true); err != nil {
				return
			}
		}
	}
}

// Recv yields each payload delivered on c until c closes or ctx ends. It
// does not own the comm's lifecycle: breaking out of the iteration detaches
// the listener but leaves the comm open.
func Recv(ctx context.Context, c *kcomm.Comm) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		recvLoop(ctx, c, yield)
	}
}

// recvLoop feeds payloads from c to yield and reports whether the consumer
// stopped the iteration early.
func recvLoop(ctx context.Context, c *kcomm.Comm, yield func(json.RawMessage, error) bool) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The comm's callbacks run on the dispatch goroutine. We're in an
	// iterator func and can't yield from another goroutine, so smuggle the
	// payloads over a channel back to the iteration. The select keeps the
	// dispatcher from wedging if the consumer has already gone away.
	vals := make(chan json.RawMessage)
	closed := make(chan struct{})

	mcb, err := c.OnMessage(func(data json.RawMessage) {
		select {
		case vals <- data:
		case <-closed:
		case <-ctx.Done():
		}
	})
	if errors.Is(err, kcomm.ErrCommClosed) {
		return false // already closed: the stream is empty, not failed
	} else if err != nil {
		yield(nil, err)
		return false
	}
	defer c.RemoveMessageCallback(mcb)

	ccb, err := c.OnClose(func(json.RawMessage) { close(closed) })
	if errors.Is(err, kcomm.ErrCommClosed) {
		return false
	} else if err != nil {
		yield(nil, err)
		return false
	}
	defer c.RemoveCloseCallback(ccb)

	for {
		select {
		case <-closed:
			return false
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return false
		case data := <-vals:
			if !yield(data, nil) {
				return true
			}
		}
	}
}
