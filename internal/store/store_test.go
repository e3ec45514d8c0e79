package store

import (
	"errors"
	"testing"
	"time"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNodeId(b byte) model.NodeId {
	var n model.NodeId
	n[0] = b
	return n
}

func TestWriteUserAndLookup(t *testing.T) {
	s := openTestStore(t)
	nodeID := testNodeId(0x01)

	u := model.User{DisplayName: "alice", NodeId: nodeID, Status: model.StatusOnline}
	if err := s.WriteUser(u); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}

	gotID, err := s.GetUserNodeId("alice")
	if err != nil {
		t.Fatalf("GetUserNodeId: %v", err)
	}
	if gotID != nodeID {
		t.Errorf("node id = %v, want %v", gotID, nodeID)
	}

	gotName, err := s.GetDisplayName(nodeID)
	if err != nil {
		t.Fatalf("GetDisplayName: %v", err)
	}
	if gotName != "alice" {
		t.Errorf("display name = %q, want %q", gotName, "alice")
	}
}

func TestWriteUserIdempotent(t *testing.T) {
	s := openTestStore(t)
	u := model.User{DisplayName: "bob", NodeId: testNodeId(0x02), Status: model.StatusOffline}

	if err := s.WriteUser(u); err != nil {
		t.Fatalf("first WriteUser: %v", err)
	}
	if err := s.WriteUser(u); err != nil {
		t.Fatalf("duplicate WriteUser should be idempotent, got: %v", err)
	}

	users, err := s.GetUsers()
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
}

func TestGetUserNodeIdNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetUserNodeId("nobody"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	nodeID := testNodeId(0x03)
	if err := s.WriteUser(model.User{DisplayName: "carol", NodeId: nodeID, Status: model.StatusOffline}); err != nil {
		t.Fatalf("WriteUser: %v", err)
	}

	if err := s.UpdateStatus(nodeID, model.StatusAway); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	users, err := s.GetUsers()
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 1 || users[0].Status != model.StatusAway {
		t.Fatalf("users = %+v, want status away", users)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateStatus(testNodeId(0xFF), model.StatusOnline); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWriteAndReadMessages(t *testing.T) {
	s := openTestStore(t)
	local := testNodeId(0x10)
	peer := testNodeId(0x20)
	now := time.Now().UTC().Truncate(time.Second)

	outbound := model.Message{Content: "hi there", SenderNodeId: local, SentTs: &now}
	if err := s.WriteMessage(outbound, peer); err != nil {
		t.Fatalf("WriteMessage(outbound): %v", err)
	}

	inbound := model.Message{Content: "hello back", SenderNodeId: peer, ReceivedTs: &now}
	if err := s.WriteMessage(inbound, peer); err != nil {
		t.Fatalf("WriteMessage(inbound): %v", err)
	}

	messages, err := s.ReadMessages(peer)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Content != "hi there" || messages[1].Content != "hello back" {
		t.Errorf("messages out of order or wrong content: %+v", messages)
	}
	if messages[0].SentTs == nil || !messages[0].SentTs.Equal(now) {
		t.Errorf("sent_ts not preserved: %+v", messages[0])
	}

	otherPeer := testNodeId(0x30)
	none, err := s.ReadMessages(otherPeer)
	if err != nil {
		t.Fatalf("ReadMessages(otherPeer): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d messages for unrelated peer, want 0", len(none))
	}
}
