package hookrpc

import (
	"sync"

	"github.com/getturnip/turnip/internal/virtinfo"
)

// Session is the slice of an authorized connection that hooks are allowed
// to see: the translated repository path and the opaque auth params to
// forward to the authorization service.
type Session struct {
	Path       string
	AuthParams virtinfo.AuthParams

	// decisions caches ref verdicts for the session's push, so the
	// batch check in pre-receive and the per-ref re-checks from the
	// update hook share one virtinfo round trip.
	mu        sync.Mutex
	decisions map[virtinfo.RefUpdate]virtinfo.RefDecision
}

// cachedDecision returns the prior verdict for ref, if any.
func (s *Session) cachedDecision(ref virtinfo.RefUpdate) (virtinfo.RefDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[ref]
	return d, ok
}

// cacheDecisions records verdicts for later re-checks.
func (s *Session) cacheDecisions(refs []virtinfo.RefUpdate, decisions []virtinfo.RefDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decisions == nil {
		s.decisions = make(map[virtinfo.RefUpdate]virtinfo.RefDecision)
	}
	for i, ref := range refs {
		if i < len(decisions) {
			s.decisions[ref] = decisions[i]
		}
	}
}

// Registry is the live-session table shared between the proxy tasks that
// mint hook keys and the RPC server that resolves them. The owning
// connection registers its key before any backend byte flows and
// unregisters it on teardown, so a straggling hook RPC after connection
// close fails immediately instead of hanging.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds key to session. The key must be unique per session.
func (r *Registry) Register(key string, session *Session) {
	r.mu.Lock()
	r.sessions[key] = session
	r.mu.Unlock()
}

// Unregister invalidates key. Unregistering an unknown key is a no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Lookup resolves key to its live session.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
