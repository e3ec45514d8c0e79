// Package presence is the Presence Signaler (§4.C): it carries unsolicited
// Online broadcasts and RequestConnection invitations between peers over
// the rendezvous overlay, dispatching each inbound signal to the
// Connection Supervisor.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/kuuji/discard/internal/model"
	"github.com/kuuji/discard/internal/rendezvous"
	"github.com/kuuji/discard/internal/wire"
)

// InboundHandler is invoked once per inbound SignalMessage, with the
// authenticated NodeId of the peer that sent it.
type InboundHandler func(remote model.NodeId, msg wire.SignalMessage)

// Signaler ships SignalMessages over rendezvous.ALPNSignal.
type Signaler struct {
	ep  *rendezvous.Endpoint
	log *slog.Logger

	mu      sync.RWMutex
	handler InboundHandler
}

// New registers the signal acceptor on ep and returns a Signaler ready to
// send and receive presence signals.
func New(ep *rendezvous.Endpoint, logger *slog.Logger) *Signaler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Signaler{ep: ep, log: logger.With("component", "presence")}
	ep.RegisterAcceptor(rendezvous.ALPNSignal, s.accept)
	return s
}

// OnInbound installs the handler invoked for every inbound signal. Only one
// handler is active at once; the Connection Supervisor installs its own
// command-dispatch handler at startup.
func (s *Signaler) OnInbound(handler InboundHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Online broadcasts this node's current status to peer (§4.C.1).
func (s *Signaler) Online(ctx context.Context, peer model.NodeId, self model.NodeId, status model.UserStatus) error {
	return s.send(ctx, peer, &wire.OnlineMessage{NodeId: self, Status: status})
}

// RequestConnection asks peer to accept an incoming connection of kind
// (§4.C.2).
func (s *Signaler) RequestConnection(ctx context.Context, peer model.NodeId, kind model.SessionKind) error {
	return s.send(ctx, peer, &wire.RequestConnectionMessage{SessionKind: kind})
}

func (s *Signaler) send(ctx context.Context, peer model.NodeId, msg wire.SignalMessage) error {
	stream, err := s.ep.Connect(ctx, peer, rendezvous.ALPNSignal)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := wire.WriteSignal(stream, msg); err != nil {
		return fmt.Errorf("writing signal to %s: %w", peer.Short(), err)
	}
	return stream.CloseWrite()
}

func (s *Signaler) accept(stream network.Stream) {
	defer stream.Close()

	remote, err := rendezvous.RemoteNodeId(stream)
	if err != nil {
		s.log.Warn("dropping inbound signal: no remote identity", "error", err)
		return
	}

	msg, err := wire.ReadSignal(stream)
	if err != nil {
		s.log.Warn("dropping inbound signal: decode failed", "remote", remote.Short(), "error", err)
		return
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		s.log.Debug("dropping inbound signal: no handler registered", "remote", remote.Short())
		return
	}
	handler(remote, msg)
}
