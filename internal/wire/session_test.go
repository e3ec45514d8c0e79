package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	cases := []Session{
		{SDP: &SessionDescription{Type: "offer", SDP: "v=0..."}},
		{ICECandidate: &IceCandidate{Candidate: "candidate:1 1 UDP ..."}},
		{
			SDP:          &SessionDescription{Type: "answer", SDP: "v=0..."},
			ICECandidate: &IceCandidate{Candidate: "candidate:2 1 UDP ..."},
		},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteSession(&buf, want); err != nil {
			t.Fatalf("WriteSession: %v", err)
		}
		got, err := ReadSession(&buf)
		if err != nil {
			t.Fatalf("ReadSession: %v", err)
		}
		if (got.SDP == nil) != (want.SDP == nil) {
			t.Fatalf("sdp presence mismatch: got %+v want %+v", got, want)
		}
		if got.SDP != nil && *got.SDP != *want.SDP {
			t.Errorf("sdp mismatch: got %+v want %+v", got.SDP, want.SDP)
		}
		if (got.ICECandidate == nil) != (want.ICECandidate == nil) {
			t.Fatalf("candidate presence mismatch: got %+v want %+v", got, want)
		}
		if got.ICECandidate != nil && *got.ICECandidate != *want.ICECandidate {
			t.Errorf("candidate mismatch: got %+v want %+v", got.ICECandidate, want.ICECandidate)
		}
	}
}

func TestSessionBoundarySize(t *testing.T) {
	// Build a Session whose JSON payload is exactly MaxPayloadSize bytes,
	// then one byte over, and check the framing boundary from §8.
	pad := strings.Repeat("a", MaxPayloadSize)
	s := Session{SDP: &SessionDescription{Type: "offer", SDP: pad}}
	payload, err := EncodeSession(s)
	if err != nil {
		t.Fatalf("EncodeSession: %v", err)
	}

	// Trim/pad the SDP field until the encoded payload is exactly at the
	// boundary, then one over, exercising writeFrame's accept/reject edge.
	for len(payload) > MaxPayloadSize {
		pad = pad[:len(pad)-1]
		s.SDP.SDP = pad
		payload, err = EncodeSession(s)
		if err != nil {
			t.Fatalf("EncodeSession: %v", err)
		}
	}
	for len(payload) < MaxPayloadSize {
		pad += "a"
		s.SDP.SDP = pad
		payload, err = EncodeSession(s)
		if err != nil {
			t.Fatalf("EncodeSession: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame at exactly %d bytes should be accepted: %v", MaxPayloadSize, err)
	}

	over := append(payload, 'a')
	if err := writeFrame(&buf, over); err == nil {
		t.Fatalf("writeFrame at %d bytes should be rejected as BadPayload", len(over))
	}
}
