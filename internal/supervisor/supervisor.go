// Package supervisor is the Connection Supervisor (§4.E): it owns the set
// of Drivers and is the single concurrency boundary between the command
// transport (§6), the Presence Signaler, and the per-connection machinery.
// A single command loop serializes every mutation of the connection map;
// long-running work (dialing, offer/answer, message retry) is offloaded to
// background tasks that report back into the map under its mutex.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
	"github.com/kuuji/discard/internal/presence"
	"github.com/kuuji/discard/internal/rtcdriver"
	"github.com/kuuji/discard/internal/sessionx"
	"github.com/kuuji/discard/internal/store"
	"github.com/kuuji/discard/internal/wire"
)

// connectTimeout bounds how long an initiator or responder task waits for
// a connection to reach Connected before giving up.
const connectTimeout = 90 * time.Second

// Retry policy for SendMessage's best-effort delivery attempt.
const (
	SendTextMessageDelay   = 1 * time.Second
	SendTextMessageTimeout = 10 * time.Second
)

const cmdBuf = 32

// connectionRecord is the Supervisor's bookkeeping for one live or
// in-flight connection, keyed by display_name.
type connectionRecord struct {
	driver       *rtcdriver.Driver
	remoteNodeId model.NodeId
	state        rtcdriver.State
	createdAt    time.Time
}

// Supervisor processes commands from the command transport and presence
// signals, driving Drivers through their lifecycle.
type Supervisor struct {
	store       *store.Store
	exchange    *sessionx.Exchange
	presence    *presence.Signaler
	driverCfg   rtcdriver.Config
	log         *slog.Logger
	localNodeId model.NodeId

	mu      sync.Mutex
	records map[string]*connectionRecord

	cmdCh chan any
}

// New creates a Supervisor. Call Run to start processing commands.
func New(st *store.Store, exchange *sessionx.Exchange, pres *presence.Signaler, driverCfg rtcdriver.Config, localNodeId model.NodeId, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:       st,
		exchange:    exchange,
		presence:    pres,
		driverCfg:   driverCfg,
		log:         logger.With("component", "supervisor"),
		localNodeId: localNodeId,
		records:     make(map[string]*connectionRecord),
		cmdCh:       make(chan any, cmdBuf),
	}
	pres.OnInbound(s.handlePresence)
	return s
}

// Run processes commands until Shutdown is called or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.cmdCh:
			if !s.dispatch(m) {
				return
			}
		}
	}
}

func (s *Supervisor) dispatch(m any) bool {
	switch msg := m.(type) {
	case addUserMsg:
		err := s.store.WriteUser(model.User{DisplayName: msg.displayName, NodeId: msg.nodeId, Status: model.StatusOnline})
		msg.reply <- err
	case updateStatusMsg:
		msg.reply <- s.store.UpdateStatus(msg.nodeId, msg.status)
	case getUsersMsg:
		users, err := s.store.GetUsers()
		msg.reply <- getUsersResult{users: users, err: err}
	case initConnectionMsg:
		s.handleInitConnection(msg)
	case receiveConnectionMsg:
		if msg.kind != model.SessionChat {
			msg.reply <- fmt.Errorf("session kind %s: %w", msg.kind, errs.ErrNotImplemented)
			break
		}
		go s.runResponder(msg.kind)
		msg.reply <- nil
	case sendMessageMsg:
		go func() {
			msg.reply <- s.handleSendMessage(msg.target, msg.content)
		}()
	case shutdownMsg:
		s.shutdownAll()
		close(msg.reply)
		return false
	}
	return true
}

func (s *Supervisor) handleInitConnection(msg initConnectionMsg) {
	if msg.kind != model.SessionChat {
		msg.reply <- fmt.Errorf("session kind %s: %w", msg.kind, errs.ErrNotImplemented)
		return
	}

	nodeID, err := s.store.GetUserNodeId(msg.displayName)
	if err != nil {
		msg.reply <- err
		return
	}

	s.mu.Lock()
	if _, exists := s.records[msg.displayName]; exists {
		s.mu.Unlock()
		msg.reply <- errs.ErrAlreadySet
		return
	}
	s.records[msg.displayName] = &connectionRecord{remoteNodeId: nodeID, state: rtcdriver.StateFresh, createdAt: time.Now()}
	s.mu.Unlock()

	go s.runInitiator(msg.displayName, nodeID, msg.kind)
	msg.reply <- nil
}

// AddUser upserts a User row (§4.E command set).
func (s *Supervisor) AddUser(nodeID model.NodeId, displayName string) error {
	reply := make(chan error, 1)
	s.cmdCh <- addUserMsg{nodeId: nodeID, displayName: displayName, reply: reply}
	return <-reply
}

// UpdateStatus updates a known user's status.
func (s *Supervisor) UpdateStatus(nodeID model.NodeId, status model.UserStatus) error {
	reply := make(chan error, 1)
	s.cmdCh <- updateStatusMsg{nodeId: nodeID, status: status, reply: reply}
	return <-reply
}

// GetUsers returns every known user.
func (s *Supervisor) GetUsers() ([]model.User, error) {
	reply := make(chan getUsersResult, 1)
	s.cmdCh <- getUsersMsg{reply: reply}
	r := <-reply
	return r.users, r.err
}

// InitConnection resolves display_name to a NodeId and spawns an initiator
// task (§4.E.1). Returns immediately once the task is accepted; AlreadySet
// if a connection to display_name is already live.
func (s *Supervisor) InitConnection(kind model.SessionKind, displayName string) error {
	reply := make(chan error, 1)
	s.cmdCh <- initConnectionMsg{kind: kind, displayName: displayName, reply: reply}
	return <-reply
}

// ReceiveConnection spawns a responder task (§4.E.2) awaiting one inbound
// connection.
func (s *Supervisor) ReceiveConnection(kind model.SessionKind) error {
	reply := make(chan error, 1)
	s.cmdCh <- receiveConnectionMsg{kind: kind, reply: reply}
	return <-reply
}

// SendMessage transmits text to the peer named by target (display_name),
// persisting it regardless of transport outcome (§7).
func (s *Supervisor) SendMessage(target string, content string) error {
	reply := make(chan error, 1)
	s.cmdCh <- sendMessageMsg{target: target, content: content, reply: reply}
	return <-reply
}

// Shutdown stops accepting new commands, tears down all connections, and
// exits the command loop.
func (s *Supervisor) Shutdown() {
	reply := make(chan struct{})
	s.cmdCh <- shutdownMsg{reply: reply}
	<-reply
}

func (s *Supervisor) shutdownAll() {
	s.mu.Lock()
	var drivers []*rtcdriver.Driver
	for name, rec := range s.records {
		if rec.driver != nil {
			drivers = append(drivers, rec.driver)
		}
		delete(s.records, name)
	}
	s.mu.Unlock()

	for _, d := range drivers {
		_ = d.Close()
	}
}

func (s *Supervisor) removeRecord(displayName string) {
	s.mu.Lock()
	delete(s.records, displayName)
	s.mu.Unlock()
}

func (s *Supervisor) handleSendMessage(target, content string) error {
	nodeID, err := s.store.GetUserNodeId(target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.records[target]
	s.mu.Unlock()

	if ok && rec.driver != nil {
		if err := s.sendWithRetry(rec.driver, content); err != nil {
			s.log.Warn("send_dc_message failed, persisting message anyway", "peer", target, "error", err)
		}
	} else {
		s.log.Debug("no live connection, persisting offline message", "peer", target)
	}

	now := time.Now().UTC()
	msg := model.Message{Content: content, SenderNodeId: s.localNodeId, SentTs: &now}
	return s.store.WriteMessage(msg, nodeID)
}

func (s *Supervisor) sendWithRetry(d *rtcdriver.Driver, content string) error {
	deadline := time.Now().Add(SendTextMessageTimeout)
	for {
		err := d.SendDCMessage(content)
		if err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("send message: %w", errs.ErrTimeout)
		}
		time.Sleep(SendTextMessageDelay)
	}
}

// runInitiator is the initiator task (§4.E.1).
func (s *Supervisor) runInitiator(displayName string, remote model.NodeId, kind model.SessionKind) {
	if kind != model.SessionChat {
		s.log.Warn("unimplemented session kind requested", "kind", kind, "peer", displayName)
		s.removeRecord(displayName)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	d, err := rtcdriver.New(s.driverCfg, rtcdriver.RoleOfferer, s.exchange, s.localNodeId)
	if err != nil {
		s.log.Error("creating driver", "peer", displayName, "error", err)
		s.removeRecord(displayName)
		return
	}
	if err := d.SetRemoteNodeId(remote); err != nil {
		s.log.Error("set_remote_node_id", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}
	msgCh, err := d.CreateDataChannel()
	if err != nil {
		s.log.Error("create_data_channel", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}
	d.InitICEHandler()
	d.InitRemoteHandler()

	if err := d.Offer(ctx); err != nil {
		s.log.Error("offer", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}

	stateCh, err := d.MonitorConnection(ctx)
	if err != nil {
		s.log.Error("monitor_connection", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}
	if err := d.WaitForDataChannel(ctx); err != nil {
		s.log.Error("wait_for_data_channel", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}

	s.mu.Lock()
	s.records[displayName].driver = d
	s.records[displayName].state = rtcdriver.StateConnected
	s.mu.Unlock()

	s.log.Info("connection established", "peer", displayName, "role", "offerer")
	s.fanIn(displayName, remote, msgCh, stateCh)
}

// runResponder is the responder task (§4.E.2).
func (s *Supervisor) runResponder(kind model.SessionKind) {
	if kind != model.SessionChat {
		s.log.Warn("unimplemented session kind requested for receive", "kind", kind)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	d, err := rtcdriver.New(s.driverCfg, rtcdriver.RoleAnswerer, s.exchange, s.localNodeId)
	if err != nil {
		s.log.Error("creating driver", "error", err)
		return
	}

	msgCh := d.RegisterDataChannel()
	d.InitICEHandler()
	d.InitRemoteHandler()

	if err := d.Answer(ctx); err != nil {
		s.log.Error("answer", "error", err)
		d.Close()
		return
	}

	remote, ok := d.RemoteNodeId()
	if !ok {
		s.log.Error("responder completed answer without a known remote id")
		d.Close()
		return
	}

	displayName, err := s.store.GetDisplayName(remote)
	if err != nil {
		s.log.Warn("inbound connection from unrecognized peer", "remote", remote.Short(), "error", err)
		d.Close()
		return
	}

	s.mu.Lock()
	if _, exists := s.records[displayName]; exists {
		s.mu.Unlock()
		s.log.Warn("duplicate inbound connection rejected", "peer", displayName)
		d.Close()
		return
	}
	s.records[displayName] = &connectionRecord{driver: d, remoteNodeId: remote, state: rtcdriver.StateFresh, createdAt: time.Now()}
	s.mu.Unlock()

	stateCh, err := d.MonitorConnection(ctx)
	if err != nil {
		s.log.Error("monitor_connection", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}
	if err := d.WaitForDataChannel(ctx); err != nil {
		s.log.Error("wait_for_data_channel", "peer", displayName, "error", err)
		d.Close()
		s.removeRecord(displayName)
		return
	}

	s.mu.Lock()
	s.records[displayName].state = rtcdriver.StateConnected
	s.mu.Unlock()

	s.log.Info("connection established", "peer", displayName, "role", "answerer")
	s.fanIn(displayName, remote, msgCh, stateCh)
}

// fanIn merges the inbound-message and state streams of one connection
// (§4.E.3). Inbound text is persisted via the store and logged; terminal
// state transitions remove the record and exit the loop.
func (s *Supervisor) fanIn(displayName string, remote model.NodeId, msgCh <-chan string, stateCh <-chan rtcdriver.State) {
	for msgCh != nil || stateCh != nil {
		select {
		case text, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			now := time.Now().UTC()
			msg := model.Message{Content: text, SenderNodeId: remote, ReceivedTs: &now}
			if err := s.store.WriteMessage(msg, remote); err != nil {
				s.log.Error("persisting inbound message", "peer", displayName, "error", err)
			} else {
				s.log.Info("inbound message persisted", "peer", displayName)
			}
		case st, ok := <-stateCh:
			if !ok {
				stateCh = nil
				continue
			}
			s.log.Info("connection state transition", "peer", displayName, "state", st.String())
			s.mu.Lock()
			if rec, exists := s.records[displayName]; exists {
				rec.state = st
			}
			s.mu.Unlock()
			if st == rtcdriver.StateFailed || st == rtcdriver.StateClosed {
				s.removeRecord(displayName)
				return
			}
		}
	}
	s.removeRecord(displayName)
}

// handlePresence dispatches inbound presence signals (§4.C) into Supervisor
// state: an Online broadcast updates the sender's status, and a
// RequestConnection invitation spawns a responder task without requiring an
// explicit ReceiveConnection command from the operator.
func (s *Supervisor) handlePresence(remote model.NodeId, msg wire.SignalMessage) {
	switch m := msg.(type) {
	case *wire.OnlineMessage:
		if err := s.store.UpdateStatus(remote, m.Status); err != nil {
			s.log.Debug("ignoring online signal from unknown peer", "remote", remote.Short(), "error", err)
		}
	case *wire.RequestConnectionMessage:
		go s.runResponder(m.SessionKind)
	}
}

type addUserMsg struct {
	nodeId      model.NodeId
	displayName string
	reply       chan error
}

type updateStatusMsg struct {
	nodeId model.NodeId
	status model.UserStatus
	reply  chan error
}

type getUsersMsg struct {
	reply chan getUsersResult
}

type getUsersResult struct {
	users []model.User
	err   error
}

type initConnectionMsg struct {
	kind        model.SessionKind
	displayName string
	reply       chan error
}

type receiveConnectionMsg struct {
	kind  model.SessionKind
	reply chan error
}

type sendMessageMsg struct {
	target  string
	content string
	reply   chan error
}

type shutdownMsg struct {
	reply chan struct{}
}
