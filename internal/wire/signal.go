package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kuuji/discard/internal/model"
)

// SignalMessage is the interface implemented by all presence-signaler
// payloads (§4.C). Each corresponds to a JSON object with a "type"
// discriminator field, the same convention the sdp-exchange protocol's
// sibling transport used for its own message types.
type SignalMessage interface {
	SignalType() string
}

// OnlineMessage is an unsolicited status broadcast to a specific peer.
type OnlineMessage struct {
	NodeId model.NodeId      `json:"-"`
	Status model.UserStatus  `json:"status"`
}

func (OnlineMessage) SignalType() string { return "online" }

// MarshalJSON carries NodeId as a hex string on the wire.
func (m OnlineMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		NodeId string           `json:"node_id"`
		Status model.UserStatus `json:"status"`
	}
	return json.Marshal(wire{NodeId: m.NodeId.String(), Status: m.Status})
}

func (m *OnlineMessage) UnmarshalJSON(data []byte) error {
	type wire struct {
		NodeId string           `json:"node_id"`
		Status model.UserStatus `json:"status"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := model.ParseNodeId(w.NodeId)
	if err != nil {
		return err
	}
	m.NodeId = id
	m.Status = w.Status
	return nil
}

// RequestConnectionMessage asks the remote to accept an incoming connection
// of the given kind.
type RequestConnectionMessage struct {
	SessionKind model.SessionKind `json:"session_kind"`
}

func (RequestConnectionMessage) SignalType() string { return "request_connection" }

var signalTypes = map[string]func() SignalMessage{
	"online":             func() SignalMessage { return &OnlineMessage{} },
	"request_connection": func() SignalMessage { return &RequestConnectionMessage{} },
}

// MarshalSignal serializes a SignalMessage to JSON, injecting the "type"
// discriminator field.
func MarshalSignal(msg SignalMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling signal payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding signal payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.SignalType())
	if err != nil {
		return nil, fmt.Errorf("marshaling signal type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// UnmarshalSignal deserializes a JSON signal message using the "type"
// discriminator to pick the concrete type.
func UnmarshalSignal(data []byte) (SignalMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding signal envelope: %w", err)
	}

	factory, ok := signalTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown signal type %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q signal: %w", env.Type, err)
	}
	return msg, nil
}

// WriteSignal writes one framed SignalMessage to w.
func WriteSignal(w io.Writer, msg SignalMessage) error {
	payload, err := MarshalSignal(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// ReadSignal reads one framed SignalMessage from r.
func ReadSignal(r io.Reader) (SignalMessage, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalSignal(payload)
}
