// Package proxy moves bytes between a client connection and a backend
// connection once the virtualization layer has decided where the traffic
// belongs. The Git pack protocol relies on half-closes to signal "no more
// requests" while responses are still streaming, so a plain pair of
// io.Copy calls with full closes would truncate pushes.
package proxy

import (
	"io"
	"net"
	"sync"
)

// halfCloser is satisfied by *net.TCPConn and anything else that can
// shut down one direction independently.
type halfCloser interface {
	CloseWrite() error
}

// Splice forwards bytes between the two connections until both directions
// are exhausted. A half-close on one side is propagated as a half-close
// on the other, so trailing data drains instead of being cut off; only
// when both copies finish do the connections fully close (the callers'
// deferred Close).
func Splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(b, a)
		CloseWrite(b)
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		CloseWrite(a)
	}()

	wg.Wait()
}

// CloseWrite shuts down the write side of conn if the transport supports
// it, falling back to a full close to unblock the peer.
func CloseWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}
