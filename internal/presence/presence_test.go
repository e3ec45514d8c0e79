package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuuji/discard/internal/model"
	"github.com/kuuji/discard/internal/rendezvous"
	"github.com/kuuji/discard/internal/wire"
)

func newTestEndpoint(t *testing.T) *rendezvous.Endpoint {
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
	return ep
}

func TestOnlineRoundTrip(t *testing.T) {
	epA := newTestEndpoint(t)
	epB := newTestEndpoint(t)
	for _, addr := range epB.Addrs() {
		if err := epA.AddPeerAddr(epB.NodeId(), addr); err != nil {
			t.Fatalf("AddPeerAddr: %v", err)
		}
	}

	b := New(epB, nil)
	got := make(chan wire.SignalMessage, 1)
	b.OnInbound(func(remote model.NodeId, msg wire.SignalMessage) {
		got <- msg
	})

	a := New(epA, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Online(ctx, epB.NodeId(), epA.NodeId(), model.StatusOnline); err != nil {
		t.Fatalf("Online: %v", err)
	}

	select {
	case msg := <-got:
		online, ok := msg.(*wire.OnlineMessage)
		if !ok {
			t.Fatalf("got %T, want *wire.OnlineMessage", msg)
		}
		if online.NodeId != epA.NodeId() {
			t.Errorf("node id = %v, want %v", online.NodeId, epA.NodeId())
		}
		if online.Status != model.StatusOnline {
			t.Errorf("status = %v, want %v", online.Status, model.StatusOnline)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for online signal")
	}
}

func TestRequestConnectionRoundTrip(t *testing.T) {
	epA := newTestEndpoint(t)
	epB := newTestEndpoint(t)
	for _, addr := range epB.Addrs() {
		if err := epA.AddPeerAddr(epB.NodeId(), addr); err != nil {
			t.Fatalf("AddPeerAddr: %v", err)
		}
	}

	b := New(epB, nil)
	got := make(chan wire.SignalMessage, 1)
	b.OnInbound(func(remote model.NodeId, msg wire.SignalMessage) {
		got <- msg
	})

	a := New(epA, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.RequestConnection(ctx, epB.NodeId(), model.SessionChat); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}

	select {
	case msg := <-got:
		req, ok := msg.(*wire.RequestConnectionMessage)
		if !ok {
			t.Fatalf("got %T, want *wire.RequestConnectionMessage", msg)
		}
		if req.SessionKind != model.SessionChat {
			t.Errorf("session kind = %v, want %v", req.SessionKind, model.SessionChat)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request_connection signal")
	}
}
