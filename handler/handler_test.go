package handler_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neurallayer/kcomm"
	"github.com/neurallayer/kcomm/handler"
)

type probe struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

func TestTarget(t *testing.T) {
	var got probe
	h := handler.Target(func(c *kcomm.Comm, data probe) error {
		got = data
		return nil
	})

	if err := h(nil, json.RawMessage(`{"label":"x","count":3}`)); err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if diff := cmp.Diff(probe{Label: "x", Count: 3}, got); diff != "" {
		t.Errorf("Payload (-want, +got):\n%s", diff)
	}

	// An empty payload decodes as the zero value.
	got = probe{Label: "stale"}
	if err := h(nil, nil); err != nil {
		t.Fatalf("Handler on empty: %v", err)
	}
	if diff := cmp.Diff(probe{}, got); diff != "" {
		t.Errorf("Empty payload (-want, +got):\n%s", diff)
	}

	// A malformed payload rejects the open.
	if err := h(nil, json.RawMessage(`{"count":"nope"}`)); err == nil {
		t.Error("Handler on a bad payload unexpectedly succeeded")
	}
}

func TestMessage(t *testing.T) {
	var calls []probe
	cb := handler.Message(func(data probe) { calls = append(calls, data) })

	cb(json.RawMessage(`{"label":"a"}`))
	cb(json.RawMessage(`"not an object"`)) // dropped
	cb(json.RawMessage(`{"count":2}`))

	want := []probe{{Label: "a"}, {Count: 2}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("Calls (-want, +got):\n%s", diff)
	}
}

func TestClose(t *testing.T) {
	var calls []probe
	cb := handler.Close(func(data probe) { calls = append(calls, data) })

	cb(json.RawMessage(`{"label":"bye"}`))
	cb(json.RawMessage(`[5]`)) // malformed, delivered as zero
	cb(nil)

	want := []probe{{Label: "bye"}, {}, {}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("Calls (-want, +got):\n%s", diff)
	}
}
