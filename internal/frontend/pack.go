// Package frontend holds the client-facing listeners: the plain git://
// pack frontend, the smart HTTP frontend and the smart SSH frontend. All
// of them unwrap their transport onto a turnip-flavoured pack connection
// against the virtualization proxy; none of them talk to storage.
package frontend

import (
	"bytes"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/proxy"
)

// safeParams are the only request params accepted from anonymous git://
// clients. Everything else is reserved for internal use.
var safeParams = map[string]bool{"host": true}

// PackFrontend serves the git:// protocol. It forwards vanilla requests
// to the midend and makes sure nothing turnip-flavoured sneaks in from
// the outside.
type PackFrontend struct {
	midendAddr  string
	dialTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
}

func NewPackFrontend(midendAddr string) *PackFrontend {
	return &PackFrontend{midendAddr: midendAddr, dialTimeout: 10 * time.Second}
}

// Serve accepts git:// connections until the listener closes.
func (s *PackFrontend) Serve(l net.Listener) error {
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
func (s *PackFrontend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *PackFrontend) handleConn(conn net.Conn) {
	defer conn.Close()
	pr := pktline.NewReader(conn)
	pw := pktline.NewWriter(conn)

	req, err := protocol.ReadRequest(pr)
	if err != nil {
		protocol.WriteError(pw, err.Error())
		return
	}
	if req.Command != protocol.CmdUploadPack && req.Command != protocol.CmdReceivePack {
		protocol.WriteError(pw, "unsupported command in request")
		return
	}
	for _, p := range req.Params {
		if !safeParams[p.Name] {
			protocol.WriteError(pw, "illegal request parameters")
			return
		}
	}
	reqID := uuid.NewString()
	req.SetParam(protocol.ParamRequestID, reqID)

	backend, err := net.DialTimeout("tcp", s.midendAddr, s.dialTimeout)
	if err != nil {
		log.Printf("frontend: [%s] midend dial: %v", reqID, err)
		protocol.WriteError(pw, "backend connection failed")
		return
	}
	defer backend.Close()

	bw := pktline.NewWriter(backend)
	if err := protocol.WriteRequest(bw, req); err != nil {
		protocol.WriteError(pw, "backend connection failed")
		return
	}

	// Inspect the first reply packet so internal virt errors never
	// reach a real git client; after that the stream is opaque.
	first, err := pktline.NewReader(backend).ReadPacket()
	if err != nil {
		protocol.WriteError(pw, "backend connection failed")
		return
	}
	if first == nil {
		pw.WriteFlush()
	} else {
		pw.WritePacket(RewriteVirtError(first))
	}
	proxy.Splice(conn, backend)
}

// RewriteVirtError strips the internal virt-error metadata from an error
// packet. Anonymous frontends have no way to ask for auth, so the code is
// useless to their clients.
func RewriteVirtError(payload []byte) []byte {
	prefix := []byte(protocol.ErrorPrefix + protocol.VirtErrorPrefix)
	if !bytes.HasPrefix(payload, prefix) {
		return payload
	}
	rest := payload[len(prefix):]
	if sp := bytes.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[sp+1:]
	}
	return append([]byte(protocol.ErrorPrefix), rest...)
}
