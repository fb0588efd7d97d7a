package frontend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/getturnip/turnip/internal/midend"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/proxy"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// Authenticator is the slice of the virtinfo client the HTTP and SSH
// frontends use to turn credentials into auth params.
type Authenticator interface {
	AuthenticateWithPassword(ctx context.Context, username, password string) (virtinfo.AuthParams, error)
}

// HTTPFrontend translates Git smart HTTP requests into stateless-rpc
// pack requests against the midend.
type HTTPFrontend struct {
	midendAddr  string
	auth        Authenticator
	dialTimeout time.Duration
	router      chi.Router
}

func NewHTTPFrontend(midendAddr string, auth Authenticator) *HTTPFrontend {
	s := &HTTPFrontend{
		midendAddr:  midendAddr,
		auth:        auth,
		dialTimeout: 10 * time.Second,
	}
	s.setupRouter()
	return s
}

func (s *HTTPFrontend) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/*", s.handleInfoRefs)
	r.Post("/*", s.handleService)
	s.router = r
}

func (s *HTTPFrontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleInfoRefs serves `GET /<repo>/info/refs?service=...`, the ref
// advertisement that begins every smart HTTP exchange.
func (s *HTTPFrontend) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	repo, ok := strings.CutSuffix(r.URL.Path, "/info/refs")
	if !ok {
		http.NotFound(w, r)
		return
	}
	service := r.URL.Query().Get("service")
	if service != protocol.CmdUploadPack && service != protocol.CmdReceivePack {
		http.Error(w, "only smart HTTP is supported", http.StatusNotFound)
		return
	}

	req := &protocol.Request{Command: service, Pathname: repo}
	req.SetParam(protocol.ParamStatelessRPC, "yes")
	req.SetParam(protocol.ParamAdvertiseRefs, "yes")
	if !s.addAuthParams(w, r, req) {
		return
	}

	w.Header().Set("Content-Type",
		fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")

	advertisement := func(pw *pktline.Writer) {
		pw.WritePacket([]byte("# service=" + service + "\n"))
		pw.WriteFlush()
	}
	s.relay(w, r, req, http.NoBody, advertisement)
}

// handleService serves `POST /<repo>/git-upload-pack` and
// `POST /<repo>/git-receive-pack`.
func (s *HTTPFrontend) handleService(w http.ResponseWriter, r *http.Request) {
	var service string
	var repo string
	for _, candidate := range []string{protocol.CmdUploadPack, protocol.CmdReceivePack} {
		if cut, ok := strings.CutSuffix(r.URL.Path, "/"+candidate); ok {
			service, repo = candidate, cut
			break
		}
	}
	if service == "" {
		http.NotFound(w, r)
		return
	}

	req := &protocol.Request{Command: service, Pathname: repo}
	req.SetParam(protocol.ParamStatelessRPC, "yes")
	if !s.addAuthParams(w, r, req) {
		return
	}

	w.Header().Set("Content-Type",
		fmt.Sprintf("application/x-%s-result", service))
	w.Header().Set("Cache-Control", "no-cache")
	s.relay(w, r, req, r.Body, nil)
}

// addAuthParams authenticates Basic credentials against virtinfo and
// attaches them to the request. It reports false after writing an error
// response.
func (s *HTTPFrontend) addAuthParams(w http.ResponseWriter, r *http.Request, req *protocol.Request) bool {
	req.SetParam(midend.ParamCanAuthenticate, "yes")
	req.SetParam(protocol.ParamRequestID, uuid.NewString())

	username, password, ok := r.BasicAuth()
	if !ok {
		return true
	}
	params, err := s.auth.AuthenticateWithPassword(r.Context(), username, password)
	if err != nil {
		var fault *virtinfo.Fault
		if errors.As(err, &fault) && fault.Code == virtinfo.FaultUnauthorized {
			s.requireAuth(w)
		} else {
			http.Error(w, "authentication service unavailable", http.StatusServiceUnavailable)
		}
		return false
	}
	for name, value := range params {
		req.SetParam(midend.AuthParamPrefix+name, fmt.Sprintf("%v", value))
	}
	return true
}

func (s *HTTPFrontend) requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="turnip"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// relay opens a midend connection, sends the request plus any body, and
// streams the reply. The first reply packet is inspected so authorization
// errors become proper HTTP statuses instead of a corrupt pack stream.
func (s *HTTPFrontend) relay(w http.ResponseWriter, r *http.Request, req *protocol.Request, body io.Reader, preamble func(*pktline.Writer)) {
	backend, err := net.DialTimeout("tcp", s.midendAddr, s.dialTimeout)
	if err != nil {
		http.Error(w, "pack service unavailable", http.StatusBadGateway)
		return
	}
	defer backend.Close()

	bw := pktline.NewWriter(backend)
	if err := protocol.WriteRequest(bw, req); err != nil {
		http.Error(w, "pack service unavailable", http.StatusBadGateway)
		return
	}
	if body != nil && body != http.NoBody {
		if _, err := io.Copy(backend, body); err != nil {
			return
		}
	}
	proxy.CloseWrite(backend)

	first, err := pktline.NewReader(backend).ReadPacket()
	if err != nil {
		http.Error(w, "pack service unavailable", http.StatusBadGateway)
		return
	}
	if first != nil && bytes.HasPrefix(first, []byte(protocol.ErrorPrefix)) {
		s.writeErrorStatus(w, string(first[len(protocol.ErrorPrefix):]))
		return
	}

	out := pktline.NewWriter(w)
	if preamble != nil {
		preamble(out)
	}
	if first == nil {
		out.WriteFlush()
	} else {
		out.WritePacket(first)
	}
	if _, err := io.Copy(w, backend); err != nil {
		log.Printf("httpfrontend: streaming %s for %s: %v", req.Command, req.Pathname, err)
	}
}

// writeErrorStatus maps a virt-error line onto an HTTP status.
func (s *HTTPFrontend) writeErrorStatus(w http.ResponseWriter, msg string) {
	msg = strings.TrimSuffix(msg, "\n")
	code, rest, isVirt := strings.Cut(strings.TrimPrefix(msg, protocol.VirtErrorPrefix), " ")
	if !strings.HasPrefix(msg, protocol.VirtErrorPrefix) || !isVirt {
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	switch virtinfo.FaultCode(code) {
	case virtinfo.FaultNotFound:
		http.Error(w, rest, http.StatusNotFound)
	case virtinfo.FaultForbidden:
		http.Error(w, rest, http.StatusForbidden)
	case virtinfo.FaultUnauthorized:
		s.requireAuth(w)
	case virtinfo.FaultTimeout:
		http.Error(w, rest, http.StatusGatewayTimeout)
	default:
		http.Error(w, rest, http.StatusInternalServerError)
	}
}
