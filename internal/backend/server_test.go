package backend

import (
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/getturnip/turnip/internal/createrepo"
	"github.com/getturnip/turnip/internal/gitutil"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func startBackend(t *testing.T, root string, coordinator *createrepo.Coordinator) (string, *hookrpc.Registry) {
	t.Helper()
	registry := hookrpc.NewRegistry()
	srv := New(root, "", filepath.Join(t.TempDir(), "hookrpc.sock"), registry, coordinator, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String(), registry
}

func roundTrip(t *testing.T, addr string, req *protocol.Request, extra ...[]byte) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pw := pktline.NewWriter(conn)
	if err := protocol.WriteRequest(pw, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	for _, payload := range extra {
		if err := pw.WritePacket(payload); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	first, err := pktline.NewReader(conn).ReadPacket()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return first
}

func TestUnsupportedCommand(t *testing.T) {
	addr, _ := startBackend(t, t.TempDir(), nil)
	reply := roundTrip(t, addr, &protocol.Request{Command: "git-evil-pack", Pathname: "/p"})
	if !strings.HasPrefix(string(reply), protocol.ErrorPrefix) {
		t.Errorf("reply = %q, want error line", reply)
	}
}

func TestMissingRepository(t *testing.T) {
	addr, _ := startBackend(t, t.TempDir(), nil)
	reply := roundTrip(t, addr, &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/no/such.git",
	})
	if !strings.Contains(string(reply), "does not exist") {
		t.Errorf("reply = %q, want missing-repository error", reply)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	addr, _ := startBackend(t, t.TempDir(), nil)
	reply := roundTrip(t, addr, &protocol.Request{
		Command:  protocol.CmdUploadPack,
		Pathname: "/../outside.git",
	})
	if !strings.HasPrefix(string(reply), protocol.ErrorPrefix) {
		t.Errorf("reply = %q, want error line", reply)
	}
}

func TestSetSymbolicRef(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	repoPath := filepath.Join(root, "project.git")
	if err := gitutil.InitBare(repoPath); err != nil {
		t.Fatalf("InitBare: %v", err)
	}
	addr, _ := startBackend(t, root, nil)

	reply := roundTrip(t, addr,
		&protocol.Request{Command: protocol.CmdSetSymbolicRef, Pathname: "/project.git"},
		[]byte("HEAD refs/heads/trunk\n"))

	resp, err := protocol.ParseResponse(reply)
	if err != nil {
		t.Fatalf("ParseResponse(%q): %v", reply, err)
	}
	if resp.Refname != "HEAD" {
		t.Errorf("response = %+v, want ACK HEAD", resp)
	}

	out, err := exec.Command("git", "-C", repoPath, "symbolic-ref", "HEAD").Output()
	if err != nil {
		t.Fatalf("reading HEAD back: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "refs/heads/trunk" {
		t.Errorf("HEAD = %q, want refs/heads/trunk", got)
	}
}

func TestSetSymbolicRefValidation(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	if err := gitutil.InitBare(filepath.Join(root, "project.git")); err != nil {
		t.Fatalf("InitBare: %v", err)
	}
	addr, _ := startBackend(t, root, nil)

	tests := []struct {
		name string
		line string
	}{
		{"not HEAD", "refs/heads/x refs/heads/y"},
		{"option injection", "HEAD --option"},
		{"space in target", "HEAD refs/heads/a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, addr,
				&protocol.Request{Command: protocol.CmdSetSymbolicRef, Pathname: "/project.git"},
				[]byte(tt.line))
			if !strings.HasPrefix(string(reply), protocol.ErrorPrefix) {
				t.Errorf("reply = %q, want error line", reply)
			}
		})
	}
}

func TestCreateRepo(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	store, err := createrepo.NewStore(filepath.Join(t.TempDir(), "turnip.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	coordinator := createrepo.New(store, root, "", time.Hour)

	addr, _ := startBackend(t, root, coordinator)
	reply := roundTrip(t, addr, &protocol.Request{
		Command:  protocol.CmdCreateRepo,
		Pathname: "/example/fresh",
	})

	resp, err := protocol.ParseResponse(reply)
	if err != nil {
		t.Fatalf("ParseResponse(%q): %v", reply, err)
	}
	if resp.Refname == "" {
		t.Fatalf("response = %+v, want ACK with ticket id", resp)
	}
	if !gitutil.IsRepository(filepath.Join(root, "example/fresh")) {
		t.Error("repository should exist after create")
	}
	if _, err := store.Get(resp.Refname); err != nil {
		t.Errorf("acknowledged ticket %q not in store: %v", resp.Refname, err)
	}
}

func TestCreateRepoDisabled(t *testing.T) {
	addr, _ := startBackend(t, t.TempDir(), nil)
	reply := roundTrip(t, addr, &protocol.Request{
		Command:  protocol.CmdCreateRepo,
		Pathname: "/example/fresh",
	})
	if !strings.HasPrefix(string(reply), protocol.ErrorPrefix) {
		t.Errorf("reply = %q, want error line", reply)
	}
}

func TestHookKeyPrefersProxySupplied(t *testing.T) {
	registry := hookrpc.NewRegistry()
	srv := New(t.TempDir(), "", "", registry, nil, nil)

	req := &protocol.Request{Command: protocol.CmdReceivePack, Pathname: "/p"}
	req.SetParam(protocol.ParamHookRPCKey, "proxy-key")
	key, minted, err := srv.hookKey(req)
	if err != nil {
		t.Fatalf("hookKey: %v", err)
	}
	if key != "proxy-key" || minted {
		t.Errorf("hookKey = %q minted=%v, want proxy-supplied key", key, minted)
	}
	if registry.Len() != 0 {
		t.Error("proxy-supplied key must not be re-registered")
	}
}

func TestHookKeyMintedForDirectConnections(t *testing.T) {
	registry := hookrpc.NewRegistry()
	srv := New(t.TempDir(), "", "", registry, nil, nil)

	req := &protocol.Request{Command: protocol.CmdReceivePack, Pathname: "/p"}
	req.SetParam(protocol.ParamAuthParams, `{"user":"alice"}`)
	key, minted, err := srv.hookKey(req)
	if err != nil {
		t.Fatalf("hookKey: %v", err)
	}
	if key == "" || !minted {
		t.Errorf("hookKey = %q minted=%v, want freshly minted key", key, minted)
	}
	sess, ok := registry.Lookup(key)
	if !ok {
		t.Fatal("minted key not registered")
	}
	if sess.AuthParams["user"] != "alice" {
		t.Errorf("session auth params = %v", sess.AuthParams)
	}
}
