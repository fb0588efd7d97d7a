// Package backend runs Git services against physical repository storage.
// It only ever sees already-authorized requests: the virtualization proxy
// substitutes the physical path and injects the hook RPC key before
// anything reaches this listener.
package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/getturnip/turnip/internal/createrepo"
	"github.com/getturnip/turnip/internal/gitutil"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/process"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// Environment passed to git so hooks can reach the RPC bridge.
const (
	EnvHookRPCSock = "TURNIP_HOOK_RPC_SOCK"
	EnvHookRPCKey  = "TURNIP_HOOK_RPC_KEY"
)

// Server serves pack protocol requests from a repository store root.
type Server struct {
	root        string
	hookBin     string
	hookrpcSock string
	registry    *hookrpc.Registry
	coordinator *createrepo.Coordinator
	procs       *process.Manager

	mu       sync.Mutex
	listener net.Listener
}

// New returns a backend rooted at root. registry and hookrpcSock link
// receive-pack subprocesses to the hook RPC bridge; coordinator handles
// turnip-create-repo and may be nil on listeners that never see it.
func New(root, hookBin, hookrpcSock string, registry *hookrpc.Registry, coordinator *createrepo.Coordinator, procs *process.Manager) *Server {
	if procs == nil {
		procs = process.NewManager(0)
	}
	return &Server{
		root:        root,
		hookBin:     hookBin,
		hookrpcSock: hookrpcSock,
		registry:    registry,
		coordinator: coordinator,
		procs:       procs,
	}
}

// Serve accepts pack connections until the listener closes.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	pr := pktline.NewReader(br)
	pw := pktline.NewWriter(conn)

	req, err := protocol.ReadRequest(pr)
	if err != nil {
		protocol.WriteError(pw, err.Error())
		return
	}

	switch req.Command {
	case protocol.CmdUploadPack, protocol.CmdReceivePack:
		err = s.runGit(conn, br, pw, req)
	case protocol.CmdSetSymbolicRef:
		err = s.setSymbolicRef(pr, pw, req)
	case protocol.CmdCreateRepo:
		err = s.createRepo(pw, req)
	default:
		err = fmt.Errorf("unsupported command in request")
	}
	if err != nil {
		protocol.WriteError(pw, err.Error())
	}
}

// runGit spawns the requested Git service with stdin/stdout wired to the
// connection. The subprocess lives no longer than the connection: client
// EOF closes its stdin, and a write failure back to the client kills the
// whole process group.
func (s *Server) runGit(conn net.Conn, br *bufio.Reader, pw *pktline.Writer, req *protocol.Request) error {
	path, err := gitutil.ComposePath(s.root, req.Pathname)
	if err != nil {
		return err
	}
	if !gitutil.IsRepository(path) {
		return fmt.Errorf("repository %s does not exist", req.Pathname)
	}

	var subcmd string
	switch req.Command {
	case protocol.CmdUploadPack:
		subcmd = "upload-pack"
	case protocol.CmdReceivePack:
		subcmd = "receive-pack"
	}

	args := []string{subcmd}
	if req.HasParam(protocol.ParamStatelessRPC) {
		args = append(args, "--stateless-rpc")
	}
	if req.HasParam(protocol.ParamAdvertiseRefs) {
		args = append(args, "--advertise-refs")
	}
	args = append(args, path)

	env := os.Environ()
	if subcmd == "receive-pack" && s.registry != nil {
		key, minted, err := s.hookKey(req)
		if err != nil {
			return err
		}
		if minted {
			defer s.registry.Unregister(key)
		}
		if s.hookBin != "" {
			if err := gitutil.EnsureHooks(path, s.hookBin); err != nil {
				return fmt.Errorf("installing hooks: %v", err)
			}
		}
		env = append(env, EnvHookRPCSock+"="+s.hookrpcSock, EnvHookRPCKey+"="+key)
	}

	cmd := exec.Command("git", args...)
	cmd.Env = env
	cmd.Stdin = br

	out := &connWriter{conn: conn}
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("backend: spawning git %v", args)
	handle, err := s.procs.Start(cmd, subcmd, req.Pathname)
	if err != nil {
		return err
	}
	out.onError = handle.Terminate

	err = s.procs.Wait(handle)
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		// Forward stderr to the client only if the subprocess never
		// produced any output, otherwise it corrupts the stream that
		// a real git client is mid-way through parsing.
		if !out.started() {
			protocol.WriteError(pw, string(msg))
		} else {
			log.Printf("backend: git %s wrote to stderr: %q", subcmd, msg)
		}
	}
	if err != nil {
		log.Printf("backend: git %s for %s exited: %v", subcmd, req.Pathname, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	return nil
}

// hookKey returns the session key hooks will authenticate with. Proxied
// requests already carry one; direct backend connections mint their own,
// registered for the subprocess lifetime.
func (s *Server) hookKey(req *protocol.Request) (key string, minted bool, err error) {
	if key, ok := req.Param(protocol.ParamHookRPCKey); ok && key != "" {
		return key, false, nil
	}
	var authParams virtinfo.AuthParams
	if raw, ok := req.Param(protocol.ParamAuthParams); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &authParams); err != nil {
			return "", false, fmt.Errorf("undecodable auth params: %v", err)
		}
	}
	key = uuid.NewString()
	s.registry.Register(key, &hookrpc.Session{
		Path:       req.Pathname,
		AuthParams: authParams,
	})
	return key, true, nil
}

func (s *Server) setSymbolicRef(pr *pktline.Reader, pw *pktline.Writer, req *protocol.Request) error {
	path, err := gitutil.ComposePath(s.root, req.Pathname)
	if err != nil {
		return err
	}
	name, target, err := protocol.ReadSymbolicRefLine(pr)
	if err != nil {
		return err
	}
	if err := gitutil.SetSymbolicRef(path, name, target); err != nil {
		return err
	}
	if err := pw.WritePacket(protocol.EncodeACK(name)); err != nil {
		return err
	}
	return pw.WriteFlush()
}

func (s *Server) createRepo(pw *pktline.Writer, req *protocol.Request) error {
	if s.coordinator == nil {
		return fmt.Errorf("repository creation not enabled on this listener")
	}
	var authParams virtinfo.AuthParams
	if raw, ok := req.Param(protocol.ParamAuthParams); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &authParams); err != nil {
			return fmt.Errorf("undecodable auth params: %v", err)
		}
	}
	ticket, err := s.coordinator.Create(req.Pathname, authParams)
	if err != nil {
		return err
	}
	if err := pw.WritePacket(protocol.EncodeACK(ticket.ID)); err != nil {
		return err
	}
	return pw.WriteFlush()
}

// connWriter forwards subprocess output to the client, remembers whether
// anything was written, and fires onError once if the client went away.
type connWriter struct {
	conn    net.Conn
	onError func()

	mu     sync.Mutex
	wrote  bool
	failed bool
}

func (w *connWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.wrote = true
	w.mu.Unlock()
	n, err := w.conn.Write(p)
	if err != nil {
		w.mu.Lock()
		fire := !w.failed && w.onError != nil
		w.failed = true
		w.mu.Unlock()
		if fire {
			w.onError()
		}
	}
	return n, err
}

func (w *connWriter) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrote
}
