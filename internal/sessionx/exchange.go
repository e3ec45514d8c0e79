// Package sessionx is the Session Exchange (§4.B): a thin one-shot
// request/response-free courier that ships a single framed Session (an SDP
// offer/answer or a trickled ICE candidate) to a peer over the rendezvous
// overlay, and routes inbound Sessions to the Driver that owns that peer.
//
// One Exchange is shared by every Driver on an Endpoint, so routing is by
// remote NodeId: a Driver that already knows its peer's NodeId (the
// initiator) registers directly; a Driver still waiting to learn its peer's
// identity (the responder) registers as pending and is matched to the next
// session from an unrecognized peer, first-come first-served.
package sessionx

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

// InboundHandler is invoked once per inbound Session, with the
// authenticated NodeId of the peer that sent it.
type InboundHandler func(remote model.NodeId, session wire.Session)

// Exchange ships Session payloads over rendezvous.ALPNSessionExchange.
type Exchange struct {
	ep  *rendezvous.Endpoint
	log *slog.Logger

	mu      sync.Mutex
	byPeer  map[model.NodeId]InboundHandler
	pending []InboundHandler
}

// New registers the session-exchange acceptor on ep and returns an Exchange
// ready to send and receive Sessions.
func New(ep *rendezvous.Endpoint, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	x := &Exchange{
		ep:     ep,
		log:    logger.With("component", "sessionx"),
		byPeer: make(map[model.NodeId]InboundHandler),
	}
	ep.RegisterAcceptor(rendezvous.ALPNSessionExchange, x.accept)
	return x
}

// Register routes every future inbound Session from peer to handler. Used
// by the initiator, which already knows its peer's NodeId before any
// Session has been exchanged.
func (x *Exchange) Register(peer model.NodeId, handler InboundHandler) {
	x.mu.Lock()
	x.byPeer[peer] = handler
	x.mu.Unlock()
}

// RegisterPending queues handler to receive the next Session from a peer
// with no registered handler. Used by the responder, which learns its
// peer's NodeId implicitly from the first inbound Session.
func (x *Exchange) RegisterPending(handler InboundHandler) {
	x.mu.Lock()
	x.pending = append(x.pending, handler)
	x.mu.Unlock()
}

// Unregister removes peer's handler, e.g. once its Driver closes.
func (x *Exchange) Unregister(peer model.NodeId) {
	x.mu.Lock()
	delete(x.byPeer, peer)
	x.mu.Unlock()
}

// Send opens a stream to peer, writes one framed Session, and half-closes
// the send side. The Peer-Connection Driver calls this once per offer,
// answer, or trickled candidate (§4.D.3, §4.D.4).
func (x *Exchange) Send(ctx context.Context, peer model.NodeId, session wire.Session) error {
	s, err := x.ep.Connect(ctx, peer, rendezvous.ALPNSessionExchange)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := wire.WriteSession(s, session); err != nil {
		return fmt.Errorf("writing session to %s: %w", peer.Short(), err)
	}
	return s.CloseWrite()
}

func (x *Exchange) accept(s network.Stream) {
	defer s.Close()

	remote, err := rendezvous.RemoteNodeId(s)
	if err != nil {
		x.log.Warn("dropping inbound session: no remote identity", "error", err)
		return
	}

	session, err := wire.ReadSession(s)
	if err != nil {
		x.log.Warn("dropping inbound session: decode failed", "remote", remote.Short(), "error", err)
		return
	}

	x.mu.Lock()
	handler, ok := x.byPeer[remote]
	if !ok && len(x.pending) > 0 {
		handler = x.pending[0]
		x.pending = x.pending[1:]
		ok = true
	}
	x.mu.Unlock()

	if !ok {
		x.log.Debug("dropping inbound session: no handler registered", "remote", remote.Short())
		return
	}
	handler(remote, session)
}
