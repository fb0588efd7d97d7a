// Package midend is the virtualization proxy between client-facing
// frontends and physical repository storage. Every connection authorizes
// exactly once: the logical path is translated to a physical location by
// the virtinfo service, and only then does any byte reach a backend. The
// proxy is byte-transparent except for the request line it synthesizes
// and the few extension commands it answers locally.
package midend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getturnip/turnip/internal/activity"
	"github.com/getturnip/turnip/internal/createrepo"
	"github.com/getturnip/turnip/internal/gitutil"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/proxy"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// AuthParamPrefix marks request params carrying authenticated identity
// from a frontend; the prefix is stripped and the remainder forwarded to
// the authorization service.
const AuthParamPrefix = "turnip-authenticated-"

// ParamCanAuthenticate is set by frontends able to request credentials.
const ParamCanAuthenticate = "turnip-can-authenticate"

// Translator is the slice of the virtinfo client the proxy needs.
type Translator interface {
	TranslatePath(ctx context.Context, pathname string, op virtinfo.Operation, authParams virtinfo.AuthParams) (*virtinfo.Translation, error)
}

// Server proxies authorized pack connections to backends.
type Server struct {
	backendAddr string
	client      Translator
	registry    *hookrpc.Registry

	// Local-extension collaborators; optional depending on deployment.
	repoStore   string
	coordinator *createrepo.Coordinator

	sessions    *activity.Log
	authTimeout time.Duration
	dialTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// Config carries the proxy's construction parameters.
type Config struct {
	BackendAddr string
	RepoStore   string
	Activity    *activity.Log
	AuthTimeout time.Duration
	DialTimeout time.Duration
}

// New returns a proxy routing to cfg.BackendAddr by default (virtinfo may
// route individual repositories elsewhere). coordinator enables the
// turnip-create-repo extension and must be nil on client-facing listeners.
func New(cfg Config, client Translator, registry *hookrpc.Registry, coordinator *createrepo.Coordinator) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Server{
		backendAddr: cfg.BackendAddr,
		client:      client,
		registry:    registry,
		repoStore:   cfg.RepoStore,
		coordinator: coordinator,
		sessions:    cfg.Activity,
		authTimeout: cfg.AuthTimeout,
		dialTimeout: cfg.DialTimeout,
	}
}

// Serve accepts proxy connections until the listener closes.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			c := newConn(s, conn)
			c.run()
		}()
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

// session is one connection's authorization result. Immutable once
// created; re-authorization means a new connection.
type session struct {
	logicalPath  string
	physicalPath string
	op           virtinfo.Operation
	writable     bool
	backendAddr  string
	authParams   virtinfo.AuthParams
	hookKey      string // non-empty only for write services
}

// conn drives the per-connection state machine:
// AWAIT_REQUEST -> AUTHORIZING -> {PROXYING | LOCAL_EXTENSION | DENIED}
// -> CLOSED.
type conn struct {
	server *Server
	nc     net.Conn
	pr     *pktline.Reader
	pw     *pktline.Writer
	reqID  string
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		server: s,
		nc:     nc,
		pr:     pktline.NewReader(nc),
		pw:     pktline.NewWriter(nc),
	}
}

func (c *conn) run() {
	defer c.nc.Close()

	// AWAIT_REQUEST
	req, err := protocol.ReadRequest(c.pr)
	if err != nil {
		c.die(err.Error())
		return
	}
	if id, ok := req.Param(protocol.ParamRequestID); ok {
		c.reqID = id
	}
	log.Printf("midend: [%s] request %q %q", c.reqID, req.Command, req.Pathname)

	// AUTHORIZING
	sess, err := c.authorize(req)
	if err != nil {
		// DENIED
		c.record(req, activity.OutcomeDenied)
		c.die(virtErrorLine(err))
		return
	}
	c.record(req, activity.OutcomeOK)
	if sess.hookKey != "" {
		c.server.registry.Register(sess.hookKey, &hookrpc.Session{
			Path:       sess.physicalPath,
			AuthParams: sess.authParams,
		})
		// Invalidate the key on teardown in every state, so a
		// straggling hook RPC fails instead of hanging.
		defer c.server.registry.Unregister(sess.hookKey)
	}

	switch req.Command {
	case protocol.CmdSetSymbolicRef:
		c.setSymbolicRef(sess)
	case protocol.CmdCreateRepo:
		c.createRepo(sess)
	default:
		// PROXYING
		c.proxy(req, sess)
	}
}

// authorize performs the connection's single authorization round trip and
// builds the session.
func (c *conn) authorize(req *protocol.Request) (*session, error) {
	op := virtinfo.OpWrite
	if protocol.IsReadCommand(req.Command) {
		op = virtinfo.OpRead
	}

	if req.Command == protocol.CmdCreateRepo && c.server.coordinator == nil {
		return nil, &virtinfo.Fault{
			Code:    virtinfo.FaultForbidden,
			Message: "repository creation not allowed here",
		}
	}

	authParams := extractAuthParams(req)

	ctx, cancel := context.WithTimeout(context.Background(), c.server.authTimeout)
	defer cancel()
	translated, err := c.server.client.TranslatePath(ctx, req.Pathname, op, authParams)
	if err != nil {
		return nil, err
	}
	if op == virtinfo.OpWrite && !translated.Writable {
		return nil, &virtinfo.Fault{
			Code:    virtinfo.FaultForbidden,
			Message: "repository is read-only",
		}
	}

	sess := &session{
		logicalPath:  req.Pathname,
		physicalPath: translated.Path,
		op:           op,
		writable:     translated.Writable,
		backendAddr:  c.server.backendAddr,
		authParams:   authParams,
	}
	if translated.BackendHost != "" && translated.BackendPort != 0 {
		sess.backendAddr = net.JoinHostPort(
			translated.BackendHost, strconv.Itoa(translated.BackendPort))
	}
	if req.Command == protocol.CmdReceivePack {
		sess.hookKey = uuid.NewString()
	}
	return sess, nil
}

// proxy opens the backend connection, sends the rewritten request and
// splices bytes until both directions are exhausted.
func (c *conn) proxy(req *protocol.Request, sess *session) {
	backendReq := rewriteRequest(req, sess)

	backend, err := net.DialTimeout("tcp", sess.backendAddr, c.server.dialTimeout)
	if err != nil {
		log.Printf("midend: [%s] backend dial %s: %v", c.reqID, sess.backendAddr, err)
		c.die("backend connection failed")
		return
	}
	defer backend.Close()

	bw := pktline.NewWriter(backend)
	if err := protocol.WriteRequest(bw, backendReq); err != nil {
		c.die("backend connection failed")
		return
	}

	log.Printf("midend: [%s] proxying %q for %q to %s",
		c.reqID, req.Command, sess.physicalPath, sess.backendAddr)
	proxy.Splice(c.nc, backend)
}

// setSymbolicRef answers turnip-set-symbolic-ref without backend
// involvement: one validated line, one git invocation, one ACK.
func (c *conn) setSymbolicRef(sess *session) {
	name, target, err := protocol.ReadSymbolicRefLine(c.pr)
	if err != nil {
		c.die(err.Error())
		return
	}
	if c.server.repoStore == "" {
		c.die("symbolic ref updates not enabled on this listener")
		return
	}
	physical, err := gitutil.ComposePath(c.server.repoStore, sess.physicalPath)
	if err != nil {
		c.die(err.Error())
		return
	}
	if err := gitutil.SetSymbolicRef(physical, name, target); err != nil {
		log.Printf("midend: [%s] symbolic-ref %s for %s: %v", c.reqID, target, sess.physicalPath, err)
		c.die("symbolic ref update failed")
		return
	}
	c.pw.WritePacket(protocol.EncodeACK(name))
	c.pw.WriteFlush()
}

// createRepo answers turnip-create-repo by delegating to the coordinator.
func (c *conn) createRepo(sess *session) {
	ticket, err := c.server.coordinator.Create(sess.physicalPath, sess.authParams)
	if err != nil {
		log.Printf("midend: [%s] create %s: %v", c.reqID, sess.physicalPath, err)
		c.die("repository creation failed")
		return
	}
	c.pw.WritePacket(protocol.EncodeACK(ticket.ID))
	c.pw.WriteFlush()
}

func (c *conn) record(req *protocol.Request, outcome string) {
	if c.server.sessions != nil {
		c.server.sessions.Record(req.Command, req.Pathname, c.reqID, outcome)
	}
}

// die writes one error line and closes; conn teardown handles the rest.
func (c *conn) die(msg string) {
	log.Printf("midend: [%s] dying: %s", c.reqID, msg)
	protocol.WriteError(c.pw, msg)
}

// virtErrorLine renders an authorization failure the way frontends expect
// it: a virt-error line whose code distinguishes a denial from an
// authorization backend outage.
func virtErrorLine(err error) string {
	var fault *virtinfo.Fault
	if errors.As(err, &fault) {
		return fmt.Sprintf("%s%s %s", protocol.VirtErrorPrefix, fault.Code, fault.Message)
	}
	if errors.Is(err, virtinfo.ErrUnavailable) {
		return protocol.VirtErrorPrefix + string(virtinfo.FaultTimeout) +
			" authorization backend unavailable"
	}
	return protocol.VirtErrorPrefix + string(virtinfo.FaultInternal) + " " + err.Error()
}

// extractAuthParams assembles the opaque auth params forwarded to the
// authorization service from the frontend-supplied request params.
func extractAuthParams(req *protocol.Request) virtinfo.AuthParams {
	params := virtinfo.AuthParams{}
	for _, p := range req.Params {
		if !strings.HasPrefix(p.Name, AuthParamPrefix) {
			continue
		}
		name := p.Name[len(AuthParamPrefix):]
		if _, seen := params[name]; seen {
			continue // first occurrence wins
		}
		if name == "uid" {
			if uid, err := strconv.Atoi(p.Value); err == nil {
				params[name] = uid
				continue
			}
		}
		params[name] = p.Value
	}
	if v, _ := req.Param(ParamCanAuthenticate); v == "yes" {
		params["can-authenticate"] = true
	}
	if id, ok := req.Param(protocol.ParamRequestID); ok {
		params["request-id"] = id
	}
	return params
}

// rewriteRequest synthesizes the backend request: the physical path
// replaces the logical one, frontend identity params are stripped, and
// the session's auth params and hook key ride along for the hook bridge.
func rewriteRequest(req *protocol.Request, sess *session) *protocol.Request {
	out := &protocol.Request{
		Command:  req.Command,
		Pathname: sess.physicalPath,
	}
	for _, p := range req.Params {
		if strings.HasPrefix(p.Name, AuthParamPrefix) || p.Name == ParamCanAuthenticate {
			continue
		}
		out.Params = append(out.Params, p)
	}
	if sess.hookKey != "" {
		out.SetParam(protocol.ParamHookRPCKey, sess.hookKey)
		if raw, err := json.Marshal(sess.authParams); err == nil {
			out.SetParam(protocol.ParamAuthParams, string(raw))
		}
	}
	return out
}
