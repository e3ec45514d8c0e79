// Package rtcdriver is the Peer-Connection Driver (§4.D): a per-connection
// state machine driving one pion RTCPeerConnection through SDP offer/answer,
// trickle ICE, and an ordered reliable text data channel. It does not know
// how to traverse NAT, construct SDPs, or generate ICE — it orchestrates
// callbacks from the embedded WebRTC peer connection and relays Sessions
// through the Session Exchange.
package rtcdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
	"github.com/kuuji/discard/internal/sessionx"
	"github.com/kuuji/discard/internal/turn"
	"github.com/kuuji/discard/internal/wire"
)

// Retry & timeout policy for offer/answer transmission (§4.D.4).
const (
	SendSessionDelay   = 2 * time.Second
	SendSessionTimeout = 60 * time.Second
)

// DataChannelLabel is the label used for the text chat data channel.
const DataChannelLabel = "discard-chat"

// Role distinguishes which side of the offer/answer exchange a Driver plays.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// State is a point in the Driver's lifecycle (§4.D.1).
type State int

const (
	StateFresh State = iota
	StateRemoteIdKnown
	StateLocalDescSet
	StateRemoteDescSet
	StateIceGathering
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRemoteIdKnown:
		return "remote_id_known"
	case StateLocalDescSet:
		return "local_desc_set"
	case StateRemoteDescSet:
		return "remote_desc_set"
	case StateIceGathering:
		return "ice_gathering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a new Driver.
type Config struct {
	// ICE is the STUN/TURN server list and credential secret the embedded
	// peer connection uses for gathering.
	ICE turn.ServerConfig

	// ForceRelay, if set, restricts the ICE transport policy to relay-only.
	ForceRelay bool

	// API is an optional custom pion webrtc.API (e.g. with a tuned
	// SettingEngine). If nil, the default pion API is used.
	API *webrtc.API

	Logger *slog.Logger
}

const stateBuf = 16
const msgBuf = 64

// Driver drives one peer connection through its full lifecycle.
type Driver struct {
	cfg      Config
	log      *slog.Logger
	role     Role
	localID  model.NodeId
	exchange *sessionx.Exchange
	pc       *webrtc.PeerConnection

	mu            sync.Mutex
	state         State
	remoteNodeId  model.NodeId
	remoteSet     bool
	remoteDescSet bool
	localDescSet  bool
	dcOpenFlag    bool
	pcConnected   bool
	dc            *webrtc.DataChannel
	candidates    []string

	stateCh chan State
	msgCh   chan string

	remoteDescReady chan struct{}
	remoteDescOnce  sync.Once
	connectedCh     chan struct{}
	connectedOnce   sync.Once
	dcOpenCh        chan struct{}
	dcOpenOnce      sync.Once
	done            chan struct{}
	doneOnce        sync.Once
}

// New creates a new RTCPeerConnection in Fresh state. It does not create an
// SDP offer or data channel — call Offer (Offerer) or Answer (Answerer)
// after the signaling setup calls below.
func New(cfg Config, role Role, exchange *sessionx.Exchange, localID model.NodeId) (*Driver, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rtcdriver", "role", role.String(), "local_id", localID.Short())

	rtcConfig := webrtc.Configuration{
		ICEServers: turn.ICEServers(cfg.ICE, localID.String()),
	}
	if cfg.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(rtcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(rtcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	d := &Driver{
		cfg:             cfg,
		log:             log,
		role:            role,
		localID:         localID,
		exchange:        exchange,
		pc:              pc,
		state:           StateFresh,
		stateCh:         make(chan State, stateBuf),
		msgCh:           make(chan string, msgBuf),
		remoteDescReady: make(chan struct{}),
		connectedCh:     make(chan struct{}),
		dcOpenCh:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	pc.OnConnectionStateChange(d.onConnectionStateChange)

	return d, nil
}

func (d *Driver) onConnectionStateChange(s webrtc.PeerConnectionState) {
	d.log.Info("peer connection state changed", "pc_state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		d.mu.Lock()
		d.pcConnected = true
		d.mu.Unlock()
		d.maybeTransitionConnected()
	case webrtc.PeerConnectionStateFailed:
		d.setState(StateFailed)
		d.closeDone()
	case webrtc.PeerConnectionStateClosed:
		d.setState(StateClosed)
		d.closeDone()
	}
}

// SetRemoteNodeId records the peer's identity. Must be called at most once.
func (d *Driver) SetRemoteNodeId(id model.NodeId) error {
	d.mu.Lock()
	if d.remoteSet {
		d.mu.Unlock()
		return errs.ErrAlreadySet
	}
	d.remoteNodeId = id
	d.remoteSet = true
	d.mu.Unlock()

	d.setState(StateRemoteIdKnown)
	return nil
}

// RemoteNodeId returns the peer's identity and whether it has been set yet.
func (d *Driver) RemoteNodeId() (model.NodeId, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteNodeId, d.remoteSet
}

// CreateDataChannel creates the data channel locally (Offerer side) and
// returns the bounded stream of inbound text messages.
func (d *Driver) CreateDataChannel() (<-chan string, error) {
	ordered := true
	dc, err := d.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	d.setupDataChannel(dc)
	return d.msgCh, nil
}

// RegisterDataChannel installs the on_data_channel callback for the
// Answerer side and returns the bounded stream of inbound text messages.
func (d *Driver) RegisterDataChannel() <-chan string {
	d.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		d.log.Info("remote data channel received", "label", dc.Label())
		d.setupDataChannel(dc)
	})
	return d.msgCh
}

func (d *Driver) setupDataChannel(dc *webrtc.DataChannel) {
	d.mu.Lock()
	d.dc = dc
	d.mu.Unlock()

	dc.OnOpen(func() {
		d.log.Info("data channel open", "label", dc.Label())
		d.mu.Lock()
		d.dcOpenFlag = true
		d.mu.Unlock()
		d.dcOpenOnce.Do(func() { close(d.dcOpenCh) })
		d.maybeTransitionConnected()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		select {
		case d.msgCh <- string(msg.Data):
		default:
			d.log.Warn("dropping inbound message: receiver not keeping up")
		}
	})

	dc.OnClose(func() {
		d.log.Info("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		d.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}

// InitICEHandler installs the ICE candidate callback: each non-terminal
// candidate is appended to a diagnostics list, then sent to the peer as a
// Session carrying the current local description snapshot alongside the
// candidate (§4.D.3).
func (d *Driver) InitICEHandler() {
	d.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			d.log.Debug("ICE gathering complete")
			return
		}

		d.mu.Lock()
		d.candidates = append(d.candidates, c.String())
		remote, remoteKnown := d.remoteNodeId, d.remoteSet
		d.mu.Unlock()

		if !remoteKnown {
			d.log.Debug("dropping local candidate: remote id not yet known")
			return
		}

		local := d.pc.LocalDescription()
		if local == nil {
			return
		}

		session := wire.Session{
			SDP:          &wire.SessionDescription{Type: local.Type.String(), SDP: local.SDP},
			ICECandidate: &wire.IceCandidate{Candidate: c.ToJSON().Candidate},
		}

		ctx, cancel := context.WithTimeout(context.Background(), SendSessionDelay)
		defer cancel()
		if err := d.exchange.Send(ctx, remote, session); err != nil {
			// ICE candidate sends do not retry: they are frequent and
			// individually non-critical (§4.D.4).
			d.log.Debug("ICE candidate send failed", "error", err)
		}
	})
}

// InitRemoteHandler subscribes to inbound Sessions from the Session
// Exchange. For the Offerer, the peer is already known and is registered
// directly. For the Answerer, the peer's identity is learned implicitly
// from the first inbound Session.
func (d *Driver) InitRemoteHandler() {
	d.mu.Lock()
	remote, remoteKnown := d.remoteNodeId, d.remoteSet
	d.mu.Unlock()

	if remoteKnown {
		d.exchange.Register(remote, d.handleInboundSession)
		return
	}
	d.exchange.RegisterPending(d.handleInboundSession)
}

func (d *Driver) handleInboundSession(remote model.NodeId, session wire.Session) {
	d.mu.Lock()
	if !d.remoteSet {
		d.remoteNodeId = remote
		d.remoteSet = true
		d.mu.Unlock()
		d.setState(StateRemoteIdKnown)
		d.exchange.Register(remote, d.handleInboundSession)
	} else {
		d.mu.Unlock()
	}

	if session.SDP != nil {
		if err := d.applyRemoteSDP(*session.SDP); err != nil {
			d.log.Warn("dropping malformed remote sdp", "error", err)
			return
		}
	}
	if session.ICECandidate != nil {
		if err := d.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: session.ICECandidate.Candidate}); err != nil {
			d.log.Warn("dropping malformed remote ice candidate", "error", err)
		}
	}
}

func (d *Driver) applyRemoteSDP(desc wire.SessionDescription) error {
	d.mu.Lock()
	if d.remoteDescSet {
		// Idempotent: the snapshot accompanying every trickled candidate
		// repeats the same remote description after the first apply.
		d.mu.Unlock()
		return nil
	}
	d.remoteDescSet = true
	d.mu.Unlock()

	sdpType := webrtc.SDPTypeOffer
	if d.role == RoleOfferer {
		sdpType = webrtc.SDPTypeAnswer
	}

	if err := d.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		d.mu.Lock()
		d.remoteDescSet = false
		d.mu.Unlock()
		return err
	}

	d.setState(StateRemoteDescSet)
	d.maybeTransitionConnected()
	d.remoteDescOnce.Do(func() { close(d.remoteDescReady) })
	return nil
}

// Offer creates an SDP offer, sets it as the local description, and
// transmits it to the peer, retrying per §4.D.4.
func (d *Driver) Offer(ctx context.Context) error {
	d.mu.Lock()
	remote, remoteKnown := d.remoteNodeId, d.remoteSet
	d.mu.Unlock()
	if !remoteKnown {
		return fmt.Errorf("offer: remote node id not set: %w", errs.ErrNotFound)
	}

	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating sdp offer: %w", err)
	}
	if err := d.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	d.mu.Lock()
	d.localDescSet = true
	d.mu.Unlock()
	d.setState(StateLocalDescSet)
	d.maybeTransitionConnected()

	session := wire.Session{SDP: &wire.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}}
	return d.transmitWithRetry(ctx, remote, session)
}

// Answer blocks until the remote SDP offer has been applied, then creates
// an SDP answer, sets it as the local description, and transmits it.
func (d *Driver) Answer(ctx context.Context) error {
	select {
	case <-d.remoteDescReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	remote, remoteKnown := d.remoteNodeId, d.remoteSet
	d.mu.Unlock()
	if !remoteKnown {
		return fmt.Errorf("answer: remote node id not set: %w", errs.ErrNotFound)
	}

	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating sdp answer: %w", err)
	}
	if err := d.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	d.mu.Lock()
	d.localDescSet = true
	d.mu.Unlock()
	d.setState(StateLocalDescSet)
	d.maybeTransitionConnected()

	session := wire.Session{SDP: &wire.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}}
	return d.transmitWithRetry(ctx, remote, session)
}

func (d *Driver) transmitWithRetry(ctx context.Context, remote model.NodeId, session wire.Session) error {
	deadline := time.Now().Add(SendSessionTimeout)
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, SendSessionDelay)
		err := d.exchange.Send(attemptCtx, remote, session)
		cancel()
		if err == nil {
			return nil
		}
		d.log.Debug("session transmit failed, retrying", "error", err)

		if !time.Now().Before(deadline) {
			return fmt.Errorf("transmitting session: %w", errs.ErrTimeout)
		}
		select {
		case <-time.After(SendSessionDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MonitorConnection blocks until the first Connected transition, then
// returns the bounded stream of state transitions. The stream still holds
// the transitions buffered before Connected (up to stateBuf of them), so a
// reader sees those first.
func (d *Driver) MonitorConnection(ctx context.Context) (<-chan State, error) {
	select {
	case <-d.connectedCh:
		return d.stateCh, nil
	case <-d.done:
		return nil, fmt.Errorf("monitor connection: %w", errs.ErrFatal)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForDataChannel blocks until the data channel is open.
func (d *Driver) WaitForDataChannel(ctx context.Context) error {
	select {
	case <-d.dcOpenCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDCMessage transmits one text frame over the data channel.
func (d *Driver) SendDCMessage(text string) error {
	d.mu.Lock()
	dc := d.dc
	d.mu.Unlock()
	if dc == nil {
		return errs.ErrNoChannel
	}
	if err := dc.SendText(text); err != nil {
		return fmt.Errorf("sending data channel message: %w: %w", errs.ErrSendError, err)
	}
	return nil
}

// Done returns a channel closed when the peer connection fails or closes.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Close gracefully closes the peer connection and data channel, and
// unregisters this Driver from the Session Exchange.
func (d *Driver) Close() error {
	d.closeDone()

	d.mu.Lock()
	dc := d.dc
	remote, remoteKnown := d.remoteNodeId, d.remoteSet
	d.mu.Unlock()

	if remoteKnown {
		d.exchange.Unregister(remote)
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			d.log.Warn("closing data channel", "error", err)
		}
	}
	if err := d.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	d.log.Info("peer connection closed")
	return nil
}

func (d *Driver) closeDone() {
	d.doneOnce.Do(func() { close(d.done) })
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	select {
	case d.stateCh <- s:
	default:
		d.log.Warn("dropping state transition: receiver not keeping up", "state", s.String())
	}
}

func (d *Driver) maybeTransitionConnected() {
	d.mu.Lock()
	ready := d.localDescSet && d.remoteDescSet && d.dcOpenFlag && d.pcConnected
	already := d.state == StateConnected
	d.mu.Unlock()

	if ready && !already {
		d.setState(StateConnected)
		d.connectedOnce.Do(func() { close(d.connectedCh) })
	}
}
