package kcomm

import (
	"encoding/json"
	"fmt"

	"github.com/creachadair/mds/value"
)

// A Message is a single raw message exchanged with the remote peer on one
// of the connection's sockets. The Type identifies the payload schema; the
// Content is the encoded payload. Framing of messages on the wire is the
// responsibility of the Socket implementation.
type Message struct {
	Type    string          `json:"msg_type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var pay string
	switch m.Type {
	case TypeCommOpen:
		var op OpenPayload
		if err := op.Decode(m.Content); err == nil {
			pay = op.String()
		}
	case TypeCommMsg:
		var mp MsgPayload
		if err := mp.Decode(m.Content); err == nil {
			pay = mp.String()
		}
	case TypeCommClose:
		var cp ClosePayload
		if err := cp.Decode(m.Content); err == nil {
			pay = cp.String()
		}
	}
	if pay == "" {
		pay = fmtData(m.Content)
	}
	return fmt.Sprintf("Message(%s, %s)", m.Type, pay)
}

// The message types comprising the comm sub-protocol. Messages of any
// other type pass through the connection untouched by the comm layer.
const (
	TypeCommOpen  = "comm_open"  // open a new comm for a named target
	TypeCommMsg   = "comm_msg"   // deliver a payload on an open comm
	TypeCommClose = "comm_close" // tear down a comm
)

// OpenPayload is the content of a comm_open message.
type OpenPayload struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Encode encodes the payload for use as message content.
func (o OpenPayload) Encode() json.RawMessage { return mustEncode("comm_open", o) }

// Decode decodes data into a comm_open payload.
func (o *OpenPayload) Decode(data json.RawMessage) error {
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("invalid comm_open payload: %w", err)
	}
	if o.CommID == "" {
		return fmt.Errorf("comm_open payload: missing comm_id")
	} else if o.TargetName == "" {
		return fmt.Errorf("comm_open payload: missing target_name")
	}
	return nil
}

// String returns a human-friendly rendering of the payload.
func (o OpenPayload) String() string {
	return fmt.Sprintf("CommOpen(ID=%q, Target=%q, Data=%s)", o.CommID, o.TargetName, fmtData(o.Data))
}

// MsgPayload is the content of a comm_msg message.
type MsgPayload struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode encodes the payload for use as message content.
func (m MsgPayload) Encode() json.RawMessage { return mustEncode("comm_msg", m) }

// Decode decodes data into a comm_msg payload.
func (m *MsgPayload) Decode(data json.RawMessage) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("invalid comm_msg payload: %w", err)
	}
	if m.CommID == "" {
		return fmt.Errorf("comm_msg payload: missing comm_id")
	}
	return nil
}

// String returns a human-friendly rendering of the payload.
func (m MsgPayload) String() string {
	return fmt.Sprintf("CommMsg(ID=%q, Data=%s)", m.CommID, fmtData(m.Data))
}

// ClosePayload is the content of a comm_close message. When a comm is torn
// down because of a protocol-level failure, the Data carry an encoded
// ErrorData value.
type ClosePayload struct {
	CommID string          `json:"comm_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode encodes the payload for use as message content.
func (c ClosePayload) Encode() json.RawMessage { return mustEncode("comm_close", c) }

// Decode decodes data into a comm_close payload.
func (c *ClosePayload) Decode(data json.RawMessage) error {
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid comm_close payload: %w", err)
	}
	if c.CommID == "" {
		return fmt.Errorf("comm_close payload: missing comm_id")
	}
	return nil
}

// String returns a human-friendly rendering of the payload.
func (c ClosePayload) String() string {
	return fmt.Sprintf("CommClose(ID=%q, Data=%s)", c.CommID, fmtData(c.Data))
}

// ErrorData is the close data sent to the remote peer when an open request
// is rejected or a target handler fails.
type ErrorData struct {
	Error      string `json:"error"`
	TargetName string `json:"target_name,omitempty"`
	CommID     string `json:"comm_id,omitempty"`
	Traceback  string `json:"traceback,omitempty"`
}

// Encode encodes the error data for use as comm_close data.
func (e ErrorData) Encode() json.RawMessage { return mustEncode("error data", e) }

// Decode decodes data into an ErrorData value. An empty payload is
// accepted as encoding empty details.
func (e *ErrorData) Decode(data json.RawMessage) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	return nil
}

// mustEncode marshals v, which must be one of the payload types above.
// Marshaling can only fail if the caller supplied raw data that is not
// valid JSON, which is a programming error.
func mustEncode(kind string, v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("encoding %s payload: %w", kind, err))
	}
	return data
}

// fmtData renders an opaque data payload for display, eliding long values.
func fmtData(data json.RawMessage) string {
	const limit = 32
	if len(data) == 0 {
		return "null"
	}
	s := string(data[:min(len(data), limit)])
	return s + value.Cond(len(data) > limit, " ...", "")
}
