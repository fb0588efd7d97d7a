// Package virtinfo is the client for the external authorization and path
// translation service. It owns the distinction between a semantic
// rejection (final, never retried) and an infrastructure failure (retried
// with bounded backoff, then surfaced as ErrUnavailable) — callers must be
// able to tell an outage from a denial.
package virtinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Operation is the access level implied by a pack protocol command.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// FaultCode classifies a semantic rejection from the service.
type FaultCode string

const (
	FaultNotFound     FaultCode = "NOT_FOUND"
	FaultForbidden    FaultCode = "FORBIDDEN"
	FaultUnauthorized FaultCode = "UNAUTHORIZED"
	FaultTimeout      FaultCode = "GATEWAY_TIMEOUT"
	FaultInternal     FaultCode = "INTERNAL_SERVER_ERROR"
)

// Fault is a final authorization decision against the caller. It is never
// retried.
type Fault struct {
	Code    FaultCode `json:"code"`
	Message string    `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s %s", f.Code, f.Message)
}

// ErrUnavailable wraps transport failures that persisted through retries.
// Distinct from a Fault so an outage never reads as a rejection.
var ErrUnavailable = errors.New("virtinfo unavailable")

// AuthParams is opaque authentication data threaded through to the service
// unchanged; the virtualization layer does not interpret it.
type AuthParams map[string]any

// Translation is the result of authorizing a logical path.
type Translation struct {
	Path        string `json:"path"`
	Writable    bool   `json:"writable"`
	BackendHost string `json:"backend_host,omitempty"`
	BackendPort int    `json:"backend_port,omitempty"`
}

// RefUpdate describes one proposed ref change in a push.
type RefUpdate struct {
	Ref   string `json:"ref"`
	Old   string `json:"old"`
	New   string `json:"new"`
	Force bool   `json:"force,omitempty"`
}

// RefDecision is the service's verdict on one RefUpdate.
type RefDecision struct {
	Ref     string `json:"ref"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PushStats accompany a post-push notification.
type PushStats struct {
	LooseObjectCount int `json:"loose_object_count"`
	PackCount        int `json:"pack_count"`
}

// Client talks to the virtinfo service over JSON HTTP. Each method is a
// single logical round trip; transient transport failures are retried up
// to Retries times with doubling backoff.
type Client struct {
	endpoint string
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	http     *http.Client
}

// New returns a client for the service at endpoint. timeout bounds each
// individual HTTP call.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		retries:  2,
		backoff:  250 * time.Millisecond,
		http:     &http.Client{Timeout: timeout},
	}
}

// envelope is the uniform response shape: exactly one of result or fault.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Fault  *Fault          `json:"fault"`
}

func (c *Client) call(ctx context.Context, method string, args, result any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
			backoff *= 2
		}

		err := c.once(ctx, method, body, result)
		if err == nil {
			return nil
		}
		var fault *Fault
		if errors.As(err, &fault) {
			// Semantic rejection is final.
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, lastErr)
}

func (c *Client) once(ctx context.Context, method string, body []byte, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("virtinfo returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("virtinfo response undecodable: %w", err)
	}
	if env.Fault != nil {
		return env.Fault
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("virtinfo result undecodable: %w", err)
		}
	}
	return nil
}

// TranslatePath authorizes op on the logical pathname and returns its
// physical location. Called once per client connection.
func (c *Client) TranslatePath(ctx context.Context, pathname string, op Operation, authParams AuthParams) (*Translation, error) {
	args := map[string]any{
		"pathname":    pathname,
		"permission":  op,
		"auth_params": authParams,
	}
	var t Translation
	if err := c.call(ctx, "translatePath", args, &t); err != nil {
		return nil, err
	}
	if t.Path == "" {
		return nil, fmt.Errorf("%w: translatePath returned empty path", ErrUnavailable)
	}
	return &t, nil
}

// CheckRefPermissions asks for a per-ref verdict on a push batch. The
// reply preserves the request order.
func (c *Client) CheckRefPermissions(ctx context.Context, path string, refs []RefUpdate, authParams AuthParams) ([]RefDecision, error) {
	args := map[string]any{
		"path":        path,
		"refs":        refs,
		"auth_params": authParams,
	}
	var decisions []RefDecision
	if err := c.call(ctx, "checkRefPermissions", args, &decisions); err != nil {
		return nil, err
	}
	if len(decisions) != len(refs) {
		return nil, fmt.Errorf("%w: got %d decisions for %d refs",
			ErrUnavailable, len(decisions), len(refs))
	}
	return decisions, nil
}

// Notify reports a completed push. Failures are the caller's to log; the
// push has already landed and must not be rolled back.
func (c *Client) Notify(ctx context.Context, path string, stats PushStats, authParams AuthParams) error {
	args := map[string]any{
		"path":        path,
		"statistics":  stats,
		"auth_params": authParams,
	}
	return c.call(ctx, "notify", args, nil)
}

// AuthenticateWithPassword exchanges frontend credentials for auth params.
func (c *Client) AuthenticateWithPassword(ctx context.Context, username, password string) (AuthParams, error) {
	args := map[string]any{
		"username": username,
		"password": password,
	}
	var params AuthParams
	if err := c.call(ctx, "authenticateWithPassword", args, &params); err != nil {
		return nil, err
	}
	return params, nil
}
