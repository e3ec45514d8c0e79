package command

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
)

type fakeBackend struct {
	users      []model.User
	addErr     error
	statusErr  error
	sendErr    error
	lastAdd    model.NodeId
	lastStatus model.UserStatus
	lastTarget string
	lastText   string
	shutdown   bool
}

func (f *fakeBackend) AddUser(nodeID model.NodeId, displayName string) error {
	f.lastAdd = nodeID
	return f.addErr
}

func (f *fakeBackend) UpdateStatus(nodeID model.NodeId, status model.UserStatus) error {
	f.lastStatus = status
	return f.statusErr
}

func (f *fakeBackend) GetUsers() ([]model.User, error) { return f.users, nil }

func (f *fakeBackend) SendMessage(target, content string) error {
	f.lastTarget, f.lastText = target, content
	return f.sendErr
}

func (f *fakeBackend) Shutdown() { f.shutdown = true }

func startTestServer(t *testing.T, backend Backend) (net.Addr, *Server) {
	t.Helper()
	srv := New(backend, model.NodeId{0xAA}, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(0) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for server to bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr(), srv
}

func roundTrip(t *testing.T, addr net.Addr, req string) map[string]json.RawMessage {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, readBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", buf[:n], err)
	}
	return resp
}

func TestAddUserRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	addr, _ := startTestServer(t, backend)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf(`{"type":"AddUser","data":{"nodeId":"%s","displayName":"carol"}}`, model.NodeId{0x01}.String())
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if backend.addErr == nil {
		// No response is sent on success; give the handler time to run and
		// confirm no error payload arrives.
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, readBufSize)
		if _, err := conn.Read(buf); err == nil {
			t.Fatalf("expected no response on success, got one")
		}
	}
}

func TestGetUsersRoundTrip(t *testing.T) {
	backend := &fakeBackend{users: []model.User{{DisplayName: "dave", NodeId: model.NodeId{0x02}, Status: model.StatusOnline}}}
	addr, _ := startTestServer(t, backend)

	resp := roundTrip(t, addr, `{"type":"GetUsers"}`)
	var typ string
	if err := json.Unmarshal(resp["type"], &typ); err != nil {
		t.Fatalf("unmarshal type: %v", err)
	}
	if typ != "SendUsers" {
		t.Fatalf("type = %q, want SendUsers", typ)
	}

	var payload sendUsersData
	if err := json.Unmarshal(resp["data"], &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(payload.Users) != 1 || payload.Users[0].DisplayName != "dave" {
		t.Fatalf("users = %+v, want one dave", payload.Users)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	addr, _ := startTestServer(t, &fakeBackend{})
	resp := roundTrip(t, addr, `{"type":"DoSomethingElse"}`)
	var typ string
	if err := json.Unmarshal(resp["type"], &typ); err != nil || typ != "Error" {
		t.Fatalf("type = %q, err = %v, want Error", typ, err)
	}
}

func TestSendMessageBackendErrorSurfaces(t *testing.T) {
	backend := &fakeBackend{sendErr: errs.ErrNotFound}
	addr, _ := startTestServer(t, backend)

	resp := roundTrip(t, addr, `{"type":"SendMessage","data":{"nodeId":"bob","content":"hi"}}`)
	var typ string
	json.Unmarshal(resp["type"], &typ)
	if typ != "Error" {
		t.Fatalf("type = %q, want Error", typ)
	}
	if backend.lastTarget != "bob" || backend.lastText != "hi" {
		t.Fatalf("backend got target=%q text=%q, want bob/hi", backend.lastTarget, backend.lastText)
	}
}

func TestGetNodeIdRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t, &fakeBackend{})
	resp := roundTrip(t, addr, `{"type":"GetNodeId"}`)
	var typ string
	json.Unmarshal(resp["type"], &typ)
	if typ != "SendUser" {
		t.Fatalf("type = %q, want SendUser", typ)
	}
}

func TestShutdownReachesBackend(t *testing.T) {
	backend := &fakeBackend{}
	addr, _ := startTestServer(t, backend)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(`{"type":"Shutdown"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !backend.shutdown {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Shutdown to reach backend")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
