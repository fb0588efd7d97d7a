// Package hookrpc lets sandboxed Git hook subprocesses ask the
// virtualization layer whether a ref update may proceed and report
// completed pushes. Hooks have no network or database access of their
// own; they connect to a local unix socket and authenticate with a
// per-session key from their environment. Messages are JSON netstrings so
// the client side stays trivial to implement.
package hookrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/getturnip/turnip/internal/virtinfo"
)

// removeStaleSocket clears a leftover socket file from an unclean stop.
func removeStaleSocket(path string) {
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
}

// Op names accepted on the wire.
const (
	OpCheckRefPermissions = "check_ref_permissions"
	OpNotifyPush          = "notify_push"
)

// Authorizer is the slice of the virtinfo client the bridge needs.
type Authorizer interface {
	CheckRefPermissions(ctx context.Context, path string, refs []virtinfo.RefUpdate, authParams virtinfo.AuthParams) ([]virtinfo.RefDecision, error)
	Notify(ctx context.Context, path string, stats virtinfo.PushStats, authParams virtinfo.AuthParams) error
}

// request is the uniform envelope hooks send.
type request struct {
	Op   string              `json:"op"`
	Key  string              `json:"key"`
	Refs []virtinfo.RefUpdate `json:"refs,omitempty"`

	// notify_push payload
	LooseObjectCount int `json:"loose_object_count,omitempty"`
	PackCount        int `json:"pack_count,omitempty"`
}

type response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server answers hook RPCs on a unix socket. One goroutine per hook
// connection; the only shared state is the Registry, and the virtinfo
// round trip for one call never blocks another session's calls.
type Server struct {
	registry *Registry
	client   Authorizer
	timeout  time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// NewServer returns a bridge over registry, using client for permission
// checks and notifications. timeout bounds each virtinfo round trip.
func NewServer(registry *Registry, client Authorizer, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Server{registry: registry, client: client, timeout: timeout}
}

// Listen binds the unix socket at path, removing any stale socket first.
func (s *Server) Listen(path string) (net.Listener, error) {
	removeStaleSocket(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l, nil
}

// Serve accepts hook connections until the listener closes.
func (s *Server) Serve(l net.Listener) error {
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
	for {
		raw, err := readNetstring(br)
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.reply(conn, response{Error: "command must be a JSON object"})
			return
		}
		if !s.dispatch(conn, &req) {
			return
		}
	}
}

// dispatch handles one request; it returns false when the connection
// should be closed.
func (s *Server) dispatch(conn net.Conn, req *request) bool {
	session, ok := s.registry.Lookup(req.Key)
	if !ok {
		// Expired or never existed. The hook treats this as deny-all.
		s.reply(conn, response{Error: "unknown session"})
		return false
	}

	switch req.Op {
	case OpCheckRefPermissions:
		return s.checkRefPermissions(conn, req, session)
	case OpNotifyPush:
		return s.notifyPush(conn, req, session)
	case "":
		s.reply(conn, response{Error: "no op specified"})
		return false
	default:
		s.reply(conn, response{Error: "unknown op: " + req.Op})
		return false
	}
}

func (s *Server) checkRefPermissions(conn net.Conn, req *request, session *Session) bool {
	// The pre-receive hook checks the whole batch; the update hook then
	// re-checks each ref individually. Cached verdicts keep the whole
	// push at one authorization round trip.
	decisions := make([]virtinfo.RefDecision, len(req.Refs))
	var missing []virtinfo.RefUpdate
	var missingIdx []int
	for i, ref := range req.Refs {
		if d, ok := session.cachedDecision(ref); ok {
			decisions[i] = d
			continue
		}
		missing = append(missing, ref)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		fresh, err := s.client.CheckRefPermissions(ctx, session.Path, missing, session.AuthParams)
		if err != nil {
			// An availability failure must never become a security
			// bypass: any bridge-side error denies every ref.
			log.Printf("hookrpc: check_ref_permissions for %s failed: %v", session.Path, err)
			fresh = denyAll(missing, err)
		} else {
			session.cacheDecisions(missing, fresh)
		}
		for i, idx := range missingIdx {
			if i < len(fresh) {
				decisions[idx] = fresh[i]
			} else {
				decisions[idx] = virtinfo.RefDecision{Ref: missing[i].Ref, Allowed: false, Reason: "no decision returned"}
			}
		}
	}
	s.reply(conn, response{Result: decisions})
	return true
}

func (s *Server) notifyPush(conn net.Conn, req *request, session *Session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stats := virtinfo.PushStats{
		LooseObjectCount: req.LooseObjectCount,
		PackCount:        req.PackCount,
	}
	if err := s.client.Notify(ctx, session.Path, stats, session.AuthParams); err != nil {
		// The push has already landed; a notification-plumbing
		// failure is logged, not surfaced to the pusher.
		log.Printf("hookrpc: notify_push for %s failed: %v", session.Path, err)
	}
	s.reply(conn, response{Result: true})
	return true
}

func denyAll(refs []virtinfo.RefUpdate, err error) []virtinfo.RefDecision {
	reason := "permission check unavailable"
	var fault *virtinfo.Fault
	if errors.As(err, &fault) {
		reason = fault.Message
	}
	decisions := make([]virtinfo.RefDecision, len(refs))
	for i, ref := range refs {
		decisions[i] = virtinfo.RefDecision{Ref: ref.Ref, Allowed: false, Reason: reason}
	}
	return decisions
}

func (s *Server) reply(conn net.Conn, resp response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("hookrpc: encoding reply: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := writeNetstring(conn, payload); err != nil {
		log.Printf("hookrpc: writing reply: %v", err)
	}
}
