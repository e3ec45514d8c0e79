// Package command is the command transport (§6.1): a TCP listener on
// 127.0.0.1 that accepts one connection per client and exchanges
// externally-tagged JSON requests and responses with the Connection
// Supervisor. Framing is a single Read into a fixed buffer per message,
// grounded in the original Rust ipc.rs listener loop — the wire grammar
// has no length prefix or delimiter by design.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
)

// DefaultPort is the default command transport port.
const DefaultPort = 7878

// readBufSize is the size of the per-message Read buffer. The command
// grammar's largest request (SendMessage) comfortably fits well within it.
const readBufSize = 1024

// request is the externally-tagged {"type":"...","data":{...}} envelope.
type request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type addUserData struct {
	NodeId      string `json:"nodeId"`
	DisplayName string `json:"displayName"`
}

type updateStatusData struct {
	NodeId     string `json:"nodeId"`
	UserStatus string `json:"userStatus"`
}

type sendMessageData struct {
	NodeId  string `json:"nodeId"` // display name, per §9 Open Question 1
	Content string `json:"content"`
}

type sendUsersData struct {
	Users []model.User `json:"users"`
}

type errorData struct {
	ErrorMessage string `json:"errorMessage"`
}

// Backend is the subset of Supervisor the command transport depends on.
type Backend interface {
	AddUser(nodeID model.NodeId, displayName string) error
	UpdateStatus(nodeID model.NodeId, status model.UserStatus) error
	GetUsers() ([]model.User, error)
	SendMessage(target, content string) error
	Shutdown()
}

// Server is the command transport listener.
type Server struct {
	backend  Backend
	log      *slog.Logger
	localID  model.NodeId
	listener net.Listener
}

// New creates a command transport Server. localID answers GetNodeId.
func New(backend Backend, localID model.NodeId, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, log: logger.With("component", "command"), localID: localID}
}

// ListenAndServe binds 127.0.0.1:port (0 picks an ephemeral port for tests)
// and serves connections until the listener is closed.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%w: binding command transport: %v", errs.ErrFatal, err)
	}
	s.listener = ln
	s.log.Info("command transport listening", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting command connection: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound address. Valid only after ListenAndServe has
// started listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()
	log := s.log.With("conn", connID, "remote", conn.RemoteAddr())
	log.Debug("command connection opened")
	defer log.Debug("command connection closed")

	buf := make([]byte, readBufSize)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		resp, shutdown := s.dispatch(buf[:n])
		if resp != nil {
			out, err := json.Marshal(resp)
			if err != nil {
				s.log.Error("marshaling response", "error", err)
				return
			}
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
		if shutdown {
			return
		}
	}
}

func (s *Server) dispatch(raw []byte) (resp any, shutdown bool) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
	}

	switch req.Type {
	case "AddUser":
		var d addUserData
		if err := json.Unmarshal(req.Data, &d); err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		nodeID, err := model.ParseNodeId(d.NodeId)
		if err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		if err := s.backend.AddUser(nodeID, d.DisplayName); err != nil {
			return errorResponse(err), false
		}
		return nil, false

	case "UpdateStatus":
		var d updateStatusData
		if err := json.Unmarshal(req.Data, &d); err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		nodeID, err := model.ParseNodeId(d.NodeId)
		if err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		status, err := model.ParseUserStatus(d.UserStatus)
		if err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		if err := s.backend.UpdateStatus(nodeID, status); err != nil {
			return errorResponse(err), false
		}
		return nil, false

	case "SendMessage":
		var d sendMessageData
		if err := json.Unmarshal(req.Data, &d); err != nil {
			return errorResponse(fmt.Errorf("%w: %v", errs.ErrBadPayload, err)), false
		}
		if err := s.backend.SendMessage(d.NodeId, d.Content); err != nil {
			return errorResponse(err), false
		}
		return nil, false

	case "GetUsers":
		users, err := s.backend.GetUsers()
		if err != nil {
			return errorResponse(err), false
		}
		return request{Type: "SendUsers", Data: mustMarshal(sendUsersData{Users: users})}, false

	case "GetNodeId":
		return request{Type: "SendUser", Data: mustMarshal(model.User{
			DisplayName: "",
			NodeId:      s.localID,
		})}, false

	case "Shutdown":
		s.backend.Shutdown()
		return nil, true

	default:
		return errorResponse(fmt.Errorf("%w: unknown command type %q", errs.ErrBadPayload, req.Type)), false
	}
}

func errorResponse(err error) request {
	return request{Type: "Error", Data: mustMarshal(errorData{ErrorMessage: err.Error()})}
}

func mustMarshal(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("command: marshaling response payload: %v", err))
	}
	return out
}
