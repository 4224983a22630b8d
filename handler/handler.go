// Package handler provides adapters to the kcomm callback types for
// functions that take typed payloads.
//
// Comm payloads are opaque JSON objects on the wire. The adapters in this
// package unmarshal the payload into a concrete Go type before invoking
// the wrapped function, so application code does not deal in raw JSON.
package handler

import (
	"encoding/json"

	"github.com/neurallayer/kcomm"
)

// Target adapts a function f that accepts an open payload of type P to a
// kcomm.TargetHandler. A payload that cannot be unmarshaled into P is
// reported as an error, which rejects the open.
func Target[P any](f func(c *kcomm.Comm, data P) error) kcomm.TargetHandler {
	return func(c *kcomm.Comm, data json.RawMessage) error {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return err
		}
		return f(c, p)
	}
}

// Message adapts a function f that accepts a payload of type P to a
// message callback for [kcomm.Comm.OnMessage]. A payload that cannot be
// unmarshaled into P is dropped.
func Message[P any](f func(data P)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return
		}
		f(p)
	}
}

// Close adapts a function f that accepts a payload of type P to a close
// callback for [kcomm.Comm.OnClose]. A payload that cannot be unmarshaled
// into P is delivered as the zero value of P, so the close notification is
// not lost.
func Close[P any](f func(data P)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			var zero P
			f(zero)
			return
		}
		f(p)
	}
}

// unmarshal decodes data into v. An empty payload decodes as the zero
// value.
func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
