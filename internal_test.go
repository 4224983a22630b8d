package kcomm

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFmtData(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "null"},
		{"{}", "{}"},
		{`{"short":true}`, `{"short":true}`},
		{strings.Repeat("x", 32), strings.Repeat("x", 32)},
		{strings.Repeat("x", 33), strings.Repeat("x", 32) + " ..."},
	}
	for _, tc := range tests {
		if got := fmtData(json.RawMessage(tc.input)); got != tc.want {
			t.Errorf("fmtData(%q): got %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestRunTargetHandler(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		stack, err := runTargetHandler(func(*Comm, json.RawMessage) error {
			return nil
		}, nil, nil)
		if err != nil || stack != "" {
			t.Errorf("Got (%q, %v), want no stack and no error", stack, err)
		}
	})
	t.Run("Error", func(t *testing.T) {
		want := errors.New("handler says no")
		stack, err := runTargetHandler(func(*Comm, json.RawMessage) error {
			return want
		}, nil, nil)
		if err != want {
			t.Errorf("Got error %v, want %v", err, want)
		}
		if stack != "" {
			t.Errorf("Got stack %q, want empty", stack)
		}
	})
	t.Run("Panic", func(t *testing.T) {
		stack, err := runTargetHandler(func(*Comm, json.RawMessage) error {
			panic("ouch")
		}, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "ouch") {
			t.Errorf("Got error %v, want panic value in message", err)
		}
		if stack == "" {
			t.Error("Got empty stack, want a traceback")
		}
	})
}
