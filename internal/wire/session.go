package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// SessionDescription mirrors the fields of a WebRTC SDP that the wire
// protocol carries; Type is "offer" or "answer".
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate carries one trickled ICE candidate string.
type IceCandidate struct {
	Candidate string `json:"candidate"`
}

// Session is the payload exchanged over the sdp-exchange ALPN (§3, §4.B).
// At least one of SDP or ICECandidate is populated; both may be set at
// once (the Driver always sends a candidate alongside a local-description
// snapshot, per §4.D.3).
type Session struct {
	SDP          *SessionDescription `json:"sdp,omitempty"`
	ICECandidate *IceCandidate       `json:"ice_candidate,omitempty"`
}

// EncodeSession serializes a Session to its JSON payload, without the
// length-prefix frame that WriteSession adds.
func EncodeSession(s Session) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	return payload, nil
}

// WriteSession writes one framed Session to w.
func WriteSession(w io.Writer, s Session) error {
	payload, err := EncodeSession(s)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// ReadSession reads one framed Session from r.
func ReadSession(r io.Reader) (Session, error) {
	var s Session
	payload, err := readFrame(r)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("unmarshaling session: %w", err)
	}
	return s, nil
}
