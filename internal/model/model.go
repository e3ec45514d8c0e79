package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserStatus is a user's best-effort presence state.
type UserStatus string

const (
	StatusOnline  UserStatus = "Online"
	StatusAway    UserStatus = "Away"
	StatusOffline UserStatus = "Offline"
)

// String implements fmt.Stringer.
func (s UserStatus) String() string {
	return string(s)
}

// ParseUserStatus parses a status string case-insensitively, matching the
// three wire-grammar values ("Online", "Away", "Offline").
func ParseUserStatus(s string) (UserStatus, error) {
	switch strings.ToLower(s) {
	case "online":
		return StatusOnline, nil
	case "away":
		return StatusAway, nil
	case "offline":
		return StatusOffline, nil
	default:
		return "", fmt.Errorf("invalid user status %q", s)
	}
}

// SessionKind identifies the kind of connection a peer is requesting.
// Only Chat is fully implemented; Call, Video, and Idle are reserved.
type SessionKind string

const (
	SessionChat  SessionKind = "Chat"
	SessionCall  SessionKind = "Call"
	SessionVideo SessionKind = "Video"
	SessionIdle  SessionKind = "Idle"
)

// ParseSessionKind parses a session kind string case-insensitively.
func ParseSessionKind(s string) (SessionKind, error) {
	switch strings.ToLower(s) {
	case "chat":
		return SessionChat, nil
	case "call":
		return SessionCall, nil
	case "video":
		return SessionVideo, nil
	case "idle":
		return SessionIdle, nil
	default:
		return "", fmt.Errorf("invalid session kind %q", s)
	}
}

// User is a row in the store's users table. UserID is store-assigned;
// by convention the local user is row 1. DisplayName is unique per store,
// as is NodeId.
type User struct {
	UserID      int64      `json:"user_id"`
	DisplayName string     `json:"display_name"`
	NodeId      NodeId     `json:"-"`
	Status      UserStatus `json:"status"`
}

// MarshalJSON implements the command-transport User wire grammar, which
// carries NodeId as its hex string under "node_id".
func (u User) MarshalJSON() ([]byte, error) {
	type wire struct {
		UserID      int64      `json:"user_id"`
		DisplayName string     `json:"display_name"`
		NodeId      string     `json:"node_id"`
		Status      UserStatus `json:"status"`
	}
	return json.Marshal(wire{
		UserID:      u.UserID,
		DisplayName: u.DisplayName,
		NodeId:      u.NodeId.String(),
		Status:      u.Status,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (u *User) UnmarshalJSON(data []byte) error {
	type wire struct {
		UserID      int64      `json:"user_id"`
		DisplayName string     `json:"display_name"`
		NodeId      string     `json:"node_id"`
		Status      UserStatus `json:"status"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := ParseNodeId(w.NodeId)
	if err != nil {
		return err
	}
	u.UserID = w.UserID
	u.DisplayName = w.DisplayName
	u.NodeId = id
	u.Status = w.Status
	return nil
}

// Message is a single chat message. SentTs is set when locally authored;
// ReceivedTs when arriving from the wire; ReadTs when the user acknowledges
// it. Once any timestamp is populated a Message is immutable — later writes
// only add further timestamps, never alter content.
type Message struct {
	MessageID    int64
	Content      string
	SenderNodeId NodeId
	SentTs       *time.Time
	ReceivedTs   *time.Time
	ReadTs       *time.Time
}
