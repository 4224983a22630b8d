package kcomm_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neurallayer/kcomm"
)

func TestPayloadDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		etext string
	}{
		{"NotJSON", `{"comm_id":`, "invalid comm_open payload"},
		{"MissingID", `{"target_name":"t"}`, "missing comm_id"},
		{"MissingTarget", `{"comm_id":"c1"}`, "missing target_name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var op kcomm.OpenPayload
			err := op.Decode(json.RawMessage(tc.input))
			if err == nil {
				t.Fatalf("Decode %q unexpectedly succeeded", tc.input)
			}
			if !strings.Contains(err.Error(), tc.etext) {
				t.Errorf("Decode error %v, want %q", err, tc.etext)
			}
		})
	}

	var mp kcomm.MsgPayload
	if err := mp.Decode(json.RawMessage(`{"data":{}}`)); err == nil {
		t.Error("MsgPayload.Decode without comm_id unexpectedly succeeded")
	}
	var cp kcomm.ClosePayload
	if err := cp.Decode(json.RawMessage(`{"data":{}}`)); err == nil {
		t.Error("ClosePayload.Decode without comm_id unexpectedly succeeded")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := kcomm.OpenPayload{
		CommID: "c1", TargetName: "probe", Data: json.RawMessage(`{"n":3}`),
	}
	var out kcomm.OpenPayload
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("Payload (-want, +got):\n%s", diff)
	}
}

func TestErrorDataDecode(t *testing.T) {
	var ed kcomm.ErrorData
	if err := ed.Decode(nil); err != nil {
		t.Errorf("Decode empty: unexpected error: %v", err)
	}
	if diff := cmp.Diff(kcomm.ErrorData{}, ed); diff != "" {
		t.Errorf("Empty decode (-want, +got):\n%s", diff)
	}

	in := kcomm.ErrorData{Error: "bad day", TargetName: "t", CommID: "c1", Traceback: "stack"}
	if err := ed.Decode(in.Encode()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, ed); diff != "" {
		t.Errorf("Decode (-want, +got):\n%s", diff)
	}

	if err := ed.Decode(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("Decode of non-object unexpectedly succeeded")
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		name string
		msg  *kcomm.Message
		want string
	}{
		{"Open", &kcomm.Message{
			Type:    kcomm.TypeCommOpen,
			Content: kcomm.OpenPayload{CommID: "c1", TargetName: "t"}.Encode(),
		}, `Message(comm_open, CommOpen(ID="c1", Target="t", Data=null))`},
		{"Msg", &kcomm.Message{
			Type:    kcomm.TypeCommMsg,
			Content: kcomm.MsgPayload{CommID: "c1", Data: json.RawMessage(`{"x":1}`)}.Encode(),
		}, `Message(comm_msg, CommMsg(ID="c1", Data={"x":1}))`},
		{"Close", &kcomm.Message{
			Type:    kcomm.TypeCommClose,
			Content: kcomm.ClosePayload{CommID: "c1"}.Encode(),
		}, `Message(comm_close, CommClose(ID="c1", Data=null))`},
		{"Other", &kcomm.Message{
			Type: "status", Content: json.RawMessage(`{"state":"busy"}`),
		}, `Message(status, {"state":"busy"})`},
		{"Empty", &kcomm.Message{Type: "status"}, `Message(status, null)`},
		{"Truncated", &kcomm.Message{
			Type:    "blob",
			Content: json.RawMessage(`{"k":"` + strings.Repeat("v", 64) + `"}`),
		}, `Message(blob, {"k":"` + strings.Repeat("v", 26) + ` ...)`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.String(); got != tc.want {
				t.Errorf("String: got %q, want %q", got, tc.want)
			}
		})
	}
}
