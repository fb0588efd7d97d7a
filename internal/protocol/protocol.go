// Package protocol implements the turnip-flavoured Git proto-request
// codec. A turnip-proto-request is a superset of git-proto-request: after
// the command and pathname it carries any number of NUL-terminated
// name=value parameters instead of just a single host parameter.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/getturnip/turnip/internal/pktline"
)

// Standard and extension commands understood by the suite.
const (
	CmdUploadPack     = "git-upload-pack"
	CmdReceivePack    = "git-receive-pack"
	CmdSetSymbolicRef = "turnip-set-symbolic-ref"
	CmdCreateRepo     = "turnip-create-repo"
)

// Flag params used by the smart HTTP frontend, carried with empty values.
const (
	ParamStatelessRPC  = "turnip-stateless-rpc"
	ParamAdvertiseRefs = "turnip-advertise-refs"
	ParamRequestID     = "turnip-request-id"
	ParamHookRPCKey    = "turnip-hookrpc-key"
	ParamAuthParams    = "turnip-auth-params"
)

// ErrorPrefix begins every error line on the wire.
const ErrorPrefix = "ERR "

// VirtErrorPrefix marks authorization errors raised by the virtualization
// proxy. Frontends strip it before the message reaches a real Git client.
const VirtErrorPrefix = "turnip virt error: "

var errMalformed = errors.New("invalid git-proto-request")

// Param is a single name=value request parameter. names may repeat on the
// wire; lookups take the first occurrence.
type Param struct {
	Name  string
	Value string
}

// Request is a parsed turnip-proto-request. Params preserve wire order.
type Request struct {
	Command  string
	Pathname string
	Params   []Param
}

// Param returns the value of the first parameter with the given name.
func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// HasParam reports whether a parameter with the given name is present.
func (r *Request) HasParam(name string) bool {
	_, ok := r.Param(name)
	return ok
}

// SetParam appends a parameter, or replaces the first existing one with
// the same name.
func (r *Request) SetParam(name, value string) {
	for i, p := range r.Params {
		if p.Name == name {
			r.Params[i].Value = value
			return
		}
	}
	r.Params = append(r.Params, Param{Name: name, Value: value})
}

// StripParam removes every parameter with the given name.
func (r *Request) StripParam(name string) {
	kept := r.Params[:0]
	for _, p := range r.Params {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	r.Params = kept
}

// ParseRequest decodes the payload of a request packet.
func ParseRequest(data []byte) (*Request, error) {
	sp := bytes.IndexByte(data, ' ')
	if sp < 1 {
		return nil, errMalformed
	}
	command := string(data[:sp])
	bits := bytes.Split(data[sp+1:], []byte{0})
	// The pathname and every parameter are NUL-terminated, so a valid
	// request always ends with an empty trailing element.
	if len(bits) < 2 || len(bits[len(bits)-1]) != 0 {
		return nil, errMalformed
	}
	pathname := string(bits[0])
	if pathname == "" {
		return nil, errMalformed
	}
	req := &Request{Command: command, Pathname: pathname}
	for _, raw := range bits[1 : len(bits)-1] {
		eq := bytes.IndexByte(raw, '=')
		if eq < 0 {
			return nil, errors.New("parameters must have values")
		}
		req.Params = append(req.Params, Param{
			Name:  string(raw[:eq]),
			Value: string(raw[eq+1:]),
		})
	}
	return req, nil
}

// EncodeRequest returns the request payload, ready for pkt-line framing.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Command == "" || strings.ContainsAny(req.Command, " \x00") {
		return nil, errors.New("metacharacter in command")
	}
	if req.Pathname == "" || strings.Contains(req.Pathname, "\x00") {
		return nil, errors.New("metacharacter in pathname")
	}
	var buf bytes.Buffer
	buf.WriteString(req.Command)
	buf.WriteByte(' ')
	buf.WriteString(req.Pathname)
	buf.WriteByte(0)
	for _, p := range req.Params {
		if strings.ContainsAny(p.Name, "=\x00") || strings.Contains(p.Value, "\x00") {
			return nil, errors.New("metacharacter in parameter")
		}
		buf.WriteString(p.Name)
		buf.WriteByte('=')
		buf.WriteString(p.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// ReadRequest reads one framed request from r. A flush-pkt in place of the
// request is an error: the request line must come first.
func ReadRequest(r *pktline.Reader) (*Request, error) {
	payload, err := r.ReadPacket()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("bad request: flush-pkt instead")
	}
	return ParseRequest(payload)
}

// WriteRequest frames and writes one request.
func WriteRequest(w *pktline.Writer, req *Request) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return w.WritePacket(payload)
}

// Response is the reply to a locally-handled extension command: either an
// acknowledgement naming a ref, or an error message.
type Response struct {
	Refname string // set on ACK
	Err     string // set on error
}

// EncodeACK returns an `ACK <refname>` response payload.
func EncodeACK(refname string) []byte {
	return []byte("ACK " + refname)
}

// EncodeError returns an `ERR <msg>` response payload.
func EncodeError(msg string) []byte {
	return []byte(ErrorPrefix + msg + "\n")
}

// ParseResponse decodes an ACK or error response payload.
func ParseResponse(data []byte) (*Response, error) {
	s := string(data)
	switch {
	case strings.HasPrefix(s, "ACK "):
		return &Response{Refname: s[len("ACK "):]}, nil
	case strings.HasPrefix(s, ErrorPrefix):
		return &Response{Err: strings.TrimSuffix(s[len(ErrorPrefix):], "\n")}, nil
	}
	return nil, fmt.Errorf("invalid response line %q", s)
}

// IsReadCommand reports whether the command implies read-only access.
func IsReadCommand(command string) bool {
	return command == CmdUploadPack
}

// WriteError writes a framed error line. Used by every server in the suite
// to report a terminal failure before closing the connection.
func WriteError(w *pktline.Writer, msg string) error {
	return w.WritePacket(EncodeError(msg))
}
