package rendezvous

import (
	"bufio"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/kuuji/discard/internal/model"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	ep, err := NewEndpoint(ctx, Config{
		KeyFile:    filepath.Join(dir, "identity.key"),
		ListenPort: 0,
	})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestEndpointNodeIdStable(t *testing.T) {
	ep := newTestEndpoint(t)
	first := ep.NodeId()
	second := ep.NodeId()
	if first != second {
		t.Fatalf("NodeId changed between calls: %v vs %v", first, second)
	}
	if first.IsZero() {
		t.Fatal("NodeId should not be zero for a live endpoint")
	}
}

func TestConnectAndAccept(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	const alpn = "discard/test"

	received := make(chan string, 1)
	b.RegisterAcceptor(alpn, func(s network.Stream) {
		defer s.Close()
		line, _ := bufio.NewReader(s).ReadString('\n')
		received <- line
	})

	// Out-of-band address exchange: a learns how to dial b directly.
	for _, addr := range b.Addrs() {
		if err := a.AddPeerAddr(b.NodeId(), addr); err != nil {
			t.Fatalf("AddPeerAddr: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := a.Connect(ctx, b.NodeId(), alpn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	select {
	case line := <-received:
		if line != "hello\n" {
			t.Errorf("got %q, want %q", line, "hello\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acceptor")
	}
}

func TestConnectUnreachable(t *testing.T) {
	a := newTestEndpoint(t)
	var unknown model.NodeId
	unknown[0] = 0x01

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.Connect(ctx, unknown, "discard/test"); err == nil {
		t.Fatal("expected Connect to an unknown node id to fail")
	}
}
