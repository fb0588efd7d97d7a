package hookrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/getturnip/turnip/internal/virtinfo"
)

// Client is the hook-side half of the bridge. It deliberately uses
// nothing beyond the standard library so the hook binary stays a small
// dependency-free program.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	key  string
}

// Dial connects to the bridge socket, authenticating subsequent calls
// with the per-session key.
func Dial(socketPath, key string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), key: key}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// RPCError is an error reply from the bridge. Hooks must treat any
// RPCError from a permission check as deny-all.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return "hookrpc: " + e.Message
}

func (c *Client) invoke(req request, result any) error {
	req.Key = c.key
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := writeNetstring(c.conn, payload); err != nil {
		return err
	}
	raw, err := readNetstring(c.br)
	if err != nil {
		return fmt.Errorf("hookrpc: reading reply: %w", err)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("hookrpc: undecodable reply: %w", err)
	}
	if resp.Error != "" {
		return &RPCError{Message: resp.Error}
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("hookrpc: undecodable result: %w", err)
		}
	}
	return nil
}

// CheckRefPermissions asks for a verdict on every ref in the push, in
// order.
func (c *Client) CheckRefPermissions(refs []virtinfo.RefUpdate) ([]virtinfo.RefDecision, error) {
	var decisions []virtinfo.RefDecision
	err := c.invoke(request{Op: OpCheckRefPermissions, Refs: refs}, &decisions)
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

// NotifyPush reports a completed push and the repository's object counts.
func (c *Client) NotifyPush(looseObjects, packs int) error {
	return c.invoke(request{
		Op:               OpNotifyPush,
		LooseObjectCount: looseObjects,
		PackCount:        packs,
	}, nil)
}
