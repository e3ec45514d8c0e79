// Package rendezvous wraps a libp2p host as the identity-addressed,
// ALPN-dispatched overlay the rest of Discard's core is built on (§4.A).
// It gives every node a stable public-key NodeId, lets a caller open a
// reliable bidirectional Stream to another NodeId on a given ALPN tag, and
// lets a caller register an acceptor callback for inbound streams on an
// ALPN it hosts.
package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
)

// quietenLibp2pLoggers raises the libp2p-internal loggers (which use the
// ipfs go-log system, independent of our own slog output) above their
// chatty defaults so a Discard node's logs stay readable.
var quietenLibp2pLoggers = sync.OnceFunc(func() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "warn")
	logging.SetLogLevel("autorelay", "warn")
	logging.SetLogLevel("autonat", "error")
})

// ALPN tags used by the core (§4.A).
const (
	ALPNSessionExchange = "discard/sdp-exchange"
	ALPNSignal          = "discard/signal"
)

// DiscoveryWindow bounds how long Connect waits for the overlay to find a
// path to an addressed peer before returning Unreachable.
const DiscoveryWindow = 15 * time.Second

// mdnsTag is the service tag used for LAN peer discovery.
const mdnsTag = "discard-mdns"

// Config configures a new Endpoint.
type Config struct {
	// KeyFile is where the node's persistent Ed25519 identity key is
	// stored; a new key is generated and saved on first run.
	KeyFile string

	// ListenPort is the TCP port the overlay listens on. Zero picks a
	// random free port.
	ListenPort int

	// RelayAddr, if set, is the multiaddr of a relay peer used for circuit
	// relay and hole-punch assistance when direct connectivity fails.
	RelayAddr string

	Logger *slog.Logger
}

// Endpoint is the rendezvous overlay handle (§4.A).
type Endpoint struct {
	host host.Host
	log  *slog.Logger
}

// NewEndpoint loads or creates a persistent identity and starts the
// libp2p host, with mDNS LAN discovery and, if a relay is configured,
// circuit relay and hole punching for NAT traversal.
func NewEndpoint(ctx context.Context, cfg Config) (*Endpoint, error) {
	quietenLibp2pLoggers()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rendezvous")

	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading identity key: %w", err)
	}
	if isNew {
		log.Info("generated new node identity", "key_file", cfg.KeyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	}

	if cfg.RelayAddr != "" {
		relayInfo, err := peer.AddrInfoFromString(cfg.RelayAddr)
		if err != nil {
			log.Warn("invalid relay address, continuing without relay", "error", err)
		} else {
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*relayInfo},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
			)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("starting overlay host: %w", err)
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h, log: log})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("starting mDNS discovery: %w", err)
	}

	e := &Endpoint{host: h, log: log}
	log.Info("rendezvous endpoint started", "node_id", e.NodeId().Short())
	return e, nil
}

// NodeId returns this endpoint's stable public-key identity, derived from
// the host's libp2p peer identity.
func (e *Endpoint) NodeId() model.NodeId {
	pub := e.host.Peerstore().PubKey(e.host.ID())
	raw, err := pub.Raw()
	if err != nil || len(raw) != model.NodeIdSize {
		// Ed25519 public keys are exactly 32 bytes; this only fires if a
		// non-Ed25519 key type was ever configured.
		var n model.NodeId
		return n
	}
	n, _ := model.NodeIdFromBytes(raw)
	return n
}

// Connect opens a reliable bidirectional stream to peer on the given ALPN,
// authenticated on both sides by the overlay's static keys. It fails with
// ErrUnreachable if no path is found within DiscoveryWindow.
func (e *Endpoint) Connect(ctx context.Context, peerID model.NodeId, alpn string) (network.Stream, error) {
	pid, err := peerIDFromNodeId(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolving peer id: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DiscoveryWindow)
	defer cancel()

	s, err := e.host.NewStream(dialCtx, pid, protocol.ID(alpn))
	if err != nil {
		return nil, fmt.Errorf("opening stream to %s on %s: %w", peerID.Short(), alpn, errs.ErrUnreachable)
	}
	return s, nil
}

// Acceptor is invoked once per inbound stream on a registered ALPN. The
// remote peer's authenticated NodeId is available via RemoteNodeId before
// the handler reads or writes anything.
type Acceptor func(s network.Stream)

// RegisterAcceptor installs handler for all inbound streams on alpn.
func (e *Endpoint) RegisterAcceptor(alpn string, handler Acceptor) {
	e.host.SetStreamHandler(protocol.ID(alpn), func(s network.Stream) {
		handler(s)
	})
}

// RemoteNodeId extracts the authenticated remote peer identity from an
// accepted or dialed stream.
func RemoteNodeId(s network.Stream) (model.NodeId, error) {
	pub, err := s.Conn().RemotePublicKey().Raw()
	if err != nil {
		return model.NodeId{}, fmt.Errorf("reading remote public key: %w", err)
	}
	return model.NodeIdFromBytes(pub)
}

// Addrs returns this endpoint's dialable multiaddrs, each including the
// /p2p/<peer-id> suffix so it can be passed directly to AddPeerAddr. Used
// for out-of-band address exchange (identity exchange itself is assumed
// external, per spec's non-goals).
func (e *Endpoint) Addrs() []string {
	info := peer.AddrInfo{ID: e.host.ID(), Addrs: e.host.Addrs()}
	full, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

// AddPeerAddr registers a peer's known multiaddr so Connect can dial it
// without relying on discovery. Identities are exchanged out-of-band per
// spec's non-goals; this is how that out-of-band address is plumbed in.
func (e *Endpoint) AddPeerAddr(nodeID model.NodeId, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parsing peer address: %w", err)
	}
	e.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	return nil
}

// Close shuts down the overlay host.
func (e *Endpoint) Close() error {
	return e.host.Close()
}

type mdnsNotifee struct {
	h   host.Host
	log *slog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debug("mDNS peer connect failed", "peer", pi.ID, "error", err)
	}
}

// peerIDFromNodeId derives a libp2p peer.ID from a NodeId's raw Ed25519
// public key bytes.
func peerIDFromNodeId(n model.NodeId) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(n[:])
	if err != nil {
		return "", fmt.Errorf("unmarshaling node id as ed25519 key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves a new one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("saving identity key: %w", err)
	}

	return priv, true, nil
}
