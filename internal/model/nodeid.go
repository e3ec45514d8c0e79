// Package model defines the core data types shared across Discard's
// signaling, driver, supervisor, and store layers: NodeId, User, Message,
// and the status/session-kind enums.
package model

import (
	"encoding/hex"
	"fmt"
)

// NodeIdSize is the length in bytes of a NodeId's raw public key.
const NodeIdSize = 32

// NodeId is a node's long-lived public-key identity. Its canonical wire
// form is the raw bytes; its canonical display form is hex encoding.
type NodeId [NodeIdSize]byte

// String returns the full hex encoding of the NodeId.
func (n NodeId) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 10 hex characters of the NodeId, for logs only.
func (n NodeId) Short() string {
	s := n.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// IsZero reports whether the NodeId is the zero value (unset).
func (n NodeId) IsZero() bool {
	return n == NodeId{}
}

// ParseNodeId decodes a hex-encoded NodeId, as received over the command
// transport or read back from the store.
func ParseNodeId(s string) (NodeId, error) {
	var n NodeId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("decoding node id %q: %w", s, err)
	}
	if len(raw) != NodeIdSize {
		return n, fmt.Errorf("node id %q has %d bytes, want %d", s, len(raw), NodeIdSize)
	}
	copy(n[:], raw)
	return n, nil
}

// NodeIdFromBytes copies raw into a NodeId, failing if the length is wrong.
func NodeIdFromBytes(raw []byte) (NodeId, error) {
	var n NodeId
	if len(raw) != NodeIdSize {
		return n, fmt.Errorf("node id has %d bytes, want %d", len(raw), NodeIdSize)
	}
	copy(n[:], raw)
	return n, nil
}
