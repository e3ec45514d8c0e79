package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
	"github.com/kuuji/discard/internal/presence"
	"github.com/kuuji/discard/internal/rendezvous"
	"github.com/kuuji/discard/internal/rtcdriver"
	"github.com/kuuji/discard/internal/sessionx"
	"github.com/kuuji/discard/internal/store"
)

type node struct {
	ep   *rendezvous.Endpoint
	st   *store.Store
	sup  *Supervisor
	stop context.CancelFunc
}

func newNode(t *testing.T) *node {
	t.Helper()
	dir := t.TempDir()

	ep, err := rendezvous.NewEndpoint(context.Background(), rendezvous.Config{
		KeyFile:    filepath.Join(dir, "identity.key"),
		ListenPort: 0,
	})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ex := sessionx.New(ep, nil)
	pres := presence.New(ep, nil)
	sup := New(st, ex, pres, rtcdriver.Config{}, ep.NodeId(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	t.Cleanup(cancel)

	return &node{ep: ep, st: st, sup: sup, stop: cancel}
}

func TestAddUserAndGetUsers(t *testing.T) {
	n := newNode(t)
	var peer model.NodeId
	peer[0] = 0xAB

	if err := n.sup.AddUser(peer, "carol"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	users, err := n.sup.GetUsers()
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 1 || users[0].DisplayName != "carol" || users[0].Status != model.StatusOnline {
		t.Fatalf("users = %+v, want one online carol", users)
	}
}

func TestUpdateStatus(t *testing.T) {
	n := newNode(t)
	var peer model.NodeId
	peer[0] = 0xCD

	if err := n.sup.AddUser(peer, "dave"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := n.sup.UpdateStatus(peer, model.StatusAway); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	users, err := n.sup.GetUsers()
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if users[0].Status != model.StatusAway {
		t.Fatalf("status = %v, want away", users[0].Status)
	}
}

func TestInitConnectionUnknownDisplayName(t *testing.T) {
	n := newNode(t)
	if err := n.sup.InitConnection(model.SessionChat, "nobody"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSendMessageOfflinePeerPersistsLocally(t *testing.T) {
	n := newNode(t)
	var peer model.NodeId
	peer[0] = 0xEF

	if err := n.sup.AddUser(peer, "erin"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := n.sup.SendMessage("erin", "are you there"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	messages, err := n.st.ReadMessages(peer)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "are you there" || messages[0].SentTs == nil {
		t.Fatalf("messages = %+v, want one persisted outbound message", messages)
	}
}

// TestChatHandshakeAndMessageRoundTrip drives the S1/S2 scenarios from the
// testable properties: two Supervisors connect, p1 sends a text message to
// p2, and p2 persists it as received while p1 persists it as sent.
func TestChatHandshakeAndMessageRoundTrip(t *testing.T) {
	p1 := newNode(t)
	p2 := newNode(t)

	for _, addr := range p2.ep.Addrs() {
		if err := p1.ep.AddPeerAddr(p2.ep.NodeId(), addr); err != nil {
			t.Fatalf("AddPeerAddr p1->p2: %v", err)
		}
	}
	for _, addr := range p1.ep.Addrs() {
		if err := p2.ep.AddPeerAddr(p1.ep.NodeId(), addr); err != nil {
			t.Fatalf("AddPeerAddr p2->p1: %v", err)
		}
	}

	if err := p1.sup.AddUser(p2.ep.NodeId(), "bob"); err != nil {
		t.Fatalf("p1 AddUser(bob): %v", err)
	}
	if err := p2.sup.AddUser(p1.ep.NodeId(), "alice"); err != nil {
		t.Fatalf("p2 AddUser(alice): %v", err)
	}

	if err := p2.sup.ReceiveConnection(model.SessionChat); err != nil {
		t.Fatalf("ReceiveConnection: %v", err)
	}
	if err := p1.sup.InitConnection(model.SessionChat, "bob"); err != nil {
		t.Fatalf("InitConnection: %v", err)
	}

	waitForRecord(t, p1, "bob", 30*time.Second)
	waitForRecord(t, p2, "alice", 30*time.Second)

	if err := p1.sup.SendMessage("bob", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		msgs, err := p2.st.ReadMessages(p1.ep.NodeId())
		if err != nil {
			t.Fatalf("p2 ReadMessages: %v", err)
		}
		if len(msgs) > 0 {
			if msgs[0].Content != "hello" || msgs[0].ReceivedTs == nil {
				t.Fatalf("p2 received message = %+v, want content=hello with received_ts", msgs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for p2 to receive message")
		}
		time.Sleep(100 * time.Millisecond)
	}

	p1Msgs, err := p1.st.ReadMessages(p2.ep.NodeId())
	if err != nil {
		t.Fatalf("p1 ReadMessages: %v", err)
	}
	if len(p1Msgs) != 1 || p1Msgs[0].Content != "hello" || p1Msgs[0].SentTs == nil {
		t.Fatalf("p1 sent message = %+v, want content=hello with sent_ts", p1Msgs)
	}
}

func waitForRecord(t *testing.T, n *node, displayName string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		n.sup.mu.Lock()
		rec, ok := n.sup.records[displayName]
		var state rtcdriver.State
		if ok {
			state = rec.state
		}
		n.sup.mu.Unlock()
		if ok && state == rtcdriver.StateConnected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q to reach Connected", displayName)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
