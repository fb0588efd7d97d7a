package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/getturnip/turnip/internal/midend"
	"github.com/getturnip/turnip/internal/pktline"
	"github.com/getturnip/turnip/internal/protocol"
	"github.com/getturnip/turnip/internal/proxy"
	"github.com/getturnip/turnip/internal/virtinfo"
)

// sshAllowedServices are the commands a smart SSH client may execute.
var sshAllowedServices = map[string]bool{
	protocol.CmdUploadPack:     true,
	protocol.CmdReceivePack:    true,
	protocol.CmdSetSymbolicRef: true,
}

const authParamsExtension = "turnip-auth-params"

// SSHFrontend accepts Git smart SSH sessions and bridges their exec
// channels onto midend pack connections.
type SSHFrontend struct {
	midendAddr  string
	auth        Authenticator
	config      *ssh.ServerConfig
	dialTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// NewSSHFrontend returns a frontend authenticating passwords against the
// virtinfo service and presenting hostKey.
func NewSSHFrontend(midendAddr string, auth Authenticator, hostKey ssh.Signer) *SSHFrontend {
	s := &SSHFrontend{
		midendAddr:  midendAddr,
		auth:        auth,
		dialTimeout: 10 * time.Second,
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: s.checkPassword,
	}
	s.config.AddHostKey(hostKey)
	return s
}

// LoadHostKey reads and parses an SSH host private key.
func LoadHostKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pem)
}

func (s *SSHFrontend) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	params, err := s.auth.AuthenticateWithPassword(ctx, meta.User(), string(password))
	if err != nil {
		var fault *virtinfo.Fault
		if errors.As(err, &fault) {
			return nil, fmt.Errorf("authentication failed: %s", fault.Message)
		}
		return nil, errors.New("authentication service unavailable")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &ssh.Permissions{
		Extensions: map[string]string{authParamsExtension: string(raw)},
	}, nil
}

// Serve accepts SSH connections until the listener closes.
func (s *SSHFrontend) Serve(l net.Listener) error {
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
func (s *SSHFrontend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *SSHFrontend) handleConn(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	var authParams virtinfo.AuthParams
	if raw := sconn.Permissions.Extensions[authParamsExtension]; raw != "" {
		json.Unmarshal([]byte(raw), &authParams)
	}

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests, authParams)
	}
}

func (s *SSHFrontend) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, authParams virtinfo.AuthParams) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runCommand(channel, payload.Command, authParams)
			return
		case "env":
			// Client environment is not forwarded anywhere.
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// runCommand bridges one `git-upload-pack '<path>'`-style exec request
// onto a midend pack connection.
func (s *SSHFrontend) runCommand(channel ssh.Channel, command string, authParams virtinfo.AuthParams) {
	exitStatus := uint32(0)
	defer func() {
		payload := ssh.Marshal(struct{ Status uint32 }{exitStatus})
		channel.SendRequest("exit-status", false, payload)
	}()

	service, pathname, err := parseExecCommand(command)
	if err != nil {
		s.sendError(channel, err.Error())
		exitStatus = 1
		return
	}

	req := &protocol.Request{Command: service, Pathname: pathname}
	req.SetParam(protocol.ParamRequestID, uuid.NewString())
	for name, value := range authParams {
		req.SetParam(midend.AuthParamPrefix+name, fmt.Sprintf("%v", value))
	}

	backend, err := net.DialTimeout("tcp", s.midendAddr, s.dialTimeout)
	if err != nil {
		s.sendError(channel, "backend connection failed")
		exitStatus = 1
		return
	}
	defer backend.Close()

	bw := pktline.NewWriter(backend)
	if err := protocol.WriteRequest(bw, req); err != nil {
		s.sendError(channel, "backend connection failed")
		exitStatus = 1
		return
	}

	first, err := pktline.NewReader(backend).ReadPacket()
	if err != nil {
		s.sendError(channel, "backend connection failed")
		exitStatus = 1
		return
	}
	out := pktline.NewWriter(channel)
	if first == nil {
		out.WriteFlush()
	} else {
		out.WritePacket(RewriteVirtError(first))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(backend, channel)
		proxy.CloseWrite(backend)
	}()
	go func() {
		defer wg.Done()
		io.Copy(channel, backend)
		channel.CloseWrite()
	}()
	wg.Wait()
}

func (s *SSHFrontend) sendError(channel ssh.Channel, msg string) {
	pw := pktline.NewWriter(channel)
	protocol.WriteError(pw, msg)
}

// parseExecCommand splits a smart SSH exec request into its service and
// repository path, accepting the single-quoted path git clients send.
func parseExecCommand(command string) (service, pathname string, err error) {
	service, rest, ok := strings.Cut(strings.TrimSpace(command), " ")
	if !ok || !sshAllowedServices[service] {
		return "", "", fmt.Errorf("unsupported service %q", service)
	}
	pathname = strings.TrimSpace(rest)
	if len(pathname) >= 2 && pathname[0] == '\'' && pathname[len(pathname)-1] == '\'' {
		pathname = pathname[1 : len(pathname)-1]
	}
	if pathname == "" || strings.ContainsAny(pathname, "'\x00") {
		return "", "", errors.New("invalid repository path")
	}
	return service, pathname, nil
}
