package midend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getturnip/turnip/internal/activity"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// fakeTranslator scripts the authorization outcome per logical path.
type fakeTranslator struct {
	calls        atomic.Int32
	translations map[string]*virtinfo.Translation
	err          error

	lastOp     virtinfo.Operation
	lastParams virtinfo.AuthParams
}

func (f *fakeTranslator) TranslatePath(ctx context.Context, pathname string, op virtinfo.Operation, authParams virtinfo.AuthParams) (*virtinfo.Translation, error) {
	f.calls.Add(1)
	f.lastOp = op
	f.lastParams = authParams
	if f.err != nil {
		return nil, f.err
	}
	if tr, ok := f.translations[pathname]; ok {
		return tr, nil
	}
	return nil, &virtinfo.Fault{Code: virtinfo.FaultNotFound, Message: "no such repository"}
}

// fakeBackend accepts pack connections and records the request each one
// opens with.
type fakeBackend struct {
	l        net.Listener
	accepted atomic.Int32
	reqs     chan *protocol.Request
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	b := &fakeBackend{l: l, reqs: make(chan *protocol.Request, 8)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			b.accepted.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := protocol.ReadRequest(pktline.NewReader(conn))
				if err != nil {
					return
				}
				b.reqs <- req
				pktline.NewWriter(conn).WritePacket([]byte("0000000000000000000000000000000000000000 capabilities^{}\x00\n"))
			}(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return b
}

func startMidend(t *testing.T, client Translator, backendAddr string) (addr string, registry *hookrpc.Registry) {
	t.Helper()
	registry = hookrpc.NewRegistry()
	srv := New(Config{
		BackendAddr: backendAddr,
		AuthTimeout: 2 * time.Second,
		DialTimeout: 2 * time.Second,
	}, client, registry, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("midend listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String(), registry
}

func sendRequest(t *testing.T, addr string, req *protocol.Request) ([]byte, net.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial midend: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := protocol.WriteRequest(pktline.NewWriter(conn), req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	first, err := pktline.NewReader(conn).ReadPacket()
	if err != nil {
		t.Fatalf("read first packet: %v", err)
	}
	return first, conn
}

func TestProxyAuthorizedRead(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{translations: map[string]*virtinfo.Translation{
		"/example/project": {Path: "/store/0000/1234.git", Writable: false},
	}}
	addr, _ := startMidend(t, client, backend.l.Addr().String())

	first, _ := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/example/project",
	})
	if strings.HasPrefix(string(first), protocol.ErrorPrefix) {
		t.Fatalf("authorized read got error line %q", first)
	}

	backendReq := <-backend.reqs
	if backendReq.Pathname != "/store/0000/1234.git" {
		t.Errorf("backend saw pathname %q, want the physical path", backendReq.Pathname)
	}
	if client.lastOp != virtinfo.OpRead {
		t.Errorf("upload-pack authorized as %q, want read", client.lastOp)
	}
}

func TestDeniedWriteNeverReachesBackend(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{translations: map[string]*virtinfo.Translation{
		"/example/readonly": {Path: "/store/1.git", Writable: false},
	}}
	addr, _ := startMidend(t, client, backend.l.Addr().String())

	first, _ := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdReceivePack,
		Pathname: "/example/readonly",
	})
	line := string(first)
	if !strings.HasPrefix(line, protocol.ErrorPrefix+protocol.VirtErrorPrefix) {
		t.Fatalf("denied write got %q, want a virt error line", line)
	}
	if !strings.Contains(line, string(virtinfo.FaultForbidden)) {
		t.Errorf("virt error %q should carry FORBIDDEN", line)
	}

	time.Sleep(50 * time.Millisecond)
	if n := backend.accepted.Load(); n != 0 {
		t.Errorf("backend accepted %d connections for a denied request", n)
	}
}

func TestUnknownRepositoryDenied(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{}
	addr, _ := startMidend(t, client, backend.l.Addr().String())

	first, _ := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/no/such",
	})
	if !strings.Contains(string(first), string(virtinfo.FaultNotFound)) {
		t.Errorf("got %q, want NOT_FOUND virt error", first)
	}
}

func TestAuthorizationOutageIsTimeoutNotDenial(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{err: virtinfo.ErrUnavailable}
	addr, _ := startMidend(t, client, backend.l.Addr().String())

	first, _ := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/example/project",
	})
	if !strings.Contains(string(first), string(virtinfo.FaultTimeout)) {
		t.Errorf("got %q, want GATEWAY_TIMEOUT virt error", first)
	}
}

func TestReceivePackRegistersHookSession(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{translations: map[string]*virtinfo.Translation{
		"/example/project": {Path: "/store/1.git", Writable: true},
	}}
	addr, registry := startMidend(t, client, backend.l.Addr().String())

	first, conn := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdReceivePack,
		Pathname: "/example/project",
		Params: []protocol.Param{
			{Name: AuthParamPrefix + "user", Value: "alice"},
		},
	})
	if strings.HasPrefix(string(first), protocol.ErrorPrefix) {
		t.Fatalf("authorized write got error line %q", first)
	}

	backendReq := <-backend.reqs
	key, ok := backendReq.Param(protocol.ParamHookRPCKey)
	if !ok || key == "" {
		t.Fatal("backend request is missing the hook RPC key")
	}
	if backendReq.HasParam(AuthParamPrefix + "user") {
		t.Error("frontend identity params must be stripped before the backend")
	}

	sess, ok := registry.Lookup(key)
	if !ok {
		t.Fatal("hook session not registered while connection lives")
	}
	if sess.Path != "/store/1.git" {
		t.Errorf("session path = %q", sess.Path)
	}
	if sess.AuthParams["user"] != "alice" {
		t.Errorf("session auth params = %v", sess.AuthParams)
	}

	raw, ok := backendReq.Param(protocol.ParamAuthParams)
	if !ok {
		t.Fatal("backend request is missing forwarded auth params")
	}
	var forwarded virtinfo.AuthParams
	if err := json.Unmarshal([]byte(raw), &forwarded); err != nil {
		t.Fatalf("forwarded auth params undecodable: %v", err)
	}
	if forwarded["user"] != "alice" {
		t.Errorf("forwarded auth params = %v", forwarded)
	}

	// Closing the connection must invalidate the key.
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := registry.Lookup(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hook session still registered after connection closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivityRecorded(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{}
	sessions := activity.NewLog(10)

	registry := hookrpc.NewRegistry()
	srv := New(Config{
		BackendAddr: backend.l.Addr().String(),
		Activity:    sessions,
		AuthTimeout: time.Second,
		DialTimeout: time.Second,
	}, client, registry, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	defer srv.Close()

	sendRequest(t, l.Addr().String(), &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/no/such",
	})

	entries := sessions.Recent(1)
	if len(entries) != 1 {
		t.Fatalf("got %d activity entries, want 1", len(entries))
	}
	if entries[0].Outcome != activity.OutcomeDenied {
		t.Errorf("outcome = %q, want denied", entries[0].Outcome)
	}
	if entries[0].Pathname != "/no/such" {
		t.Errorf("pathname = %q", entries[0].Pathname)
	}
}

func TestCreateRepoWithoutCoordinatorDenied(t *testing.T) {
	backend := startFakeBackend(t)
	client := &fakeTranslator{translations: map[string]*virtinfo.Translation{
		"/example/new": {Path: "/store/new.git", Writable: true},
	}}
	addr, _ := startMidend(t, client, backend.l.Addr().String())

	first, _ := sendRequest(t, addr, &protocol.Request{
		Command:  protocol.CmdCreateRepo,
		Pathname: "/example/new",
	})
	if !strings.Contains(string(first), string(virtinfo.FaultForbidden)) {
		t.Errorf("got %q, want FORBIDDEN virt error", first)
	}
	if n := client.calls.Load(); n != 0 {
		t.Errorf("create-repo without a coordinator still called virtinfo %d times", n)
	}
}

func TestExtractAuthParams(t *testing.T) {
	req := &protocol.Request{
		Command:  protocol.CmdReceivePack,
		Pathname: "/p",
		Params: []protocol.Param{
			{Name: AuthParamPrefix + "user", Value: "alice"},
			{Name: AuthParamPrefix + "user", Value: "mallory"},
			{Name: AuthParamPrefix + "uid", Value: "42"},
			{Name: ParamCanAuthenticate, Value: "yes"},
			{Name: protocol.ParamRequestID, Value: "req-1"},
			{Name: "host", Value: "example.com"},
		},
	}
	params := extractAuthParams(req)

	if params["user"] != "alice" {
		t.Errorf("user = %v, want first occurrence", params["user"])
	}
	if params["uid"] != 42 {
		t.Errorf("uid = %v (%T), want int 42", params["uid"], params["uid"])
	}
	if params["can-authenticate"] != true {
		t.Errorf("can-authenticate = %v", params["can-authenticate"])
	}
	if params["request-id"] != "req-1" {
		t.Errorf("request-id = %v", params["request-id"])
	}
	if _, ok := params["host"]; ok {
		t.Error("non-identity params must not leak into auth params")
	}
}

func TestVirtErrorLine(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"fault",
			&virtinfo.Fault{Code: virtinfo.FaultNotFound, Message: "no such repo"},
			"turnip virt error: NOT_FOUND no such repo",
		},
		{
			"unavailable",
			virtinfo.ErrUnavailable,
			"turnip virt error: GATEWAY_TIMEOUT authorization backend unavailable",
		},
		{
			"wrapped unavailable",
			errors.Join(virtinfo.ErrUnavailable, errors.New("dial refused")),
			"turnip virt error: GATEWAY_TIMEOUT authorization backend unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := virtErrorLine(tt.err); got != tt.want {
				t.Errorf("virtErrorLine() = %q, want %q", got, tt.want)
			}
		})
	}
}
