package hookrpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Netstring framing keeps the wire format implementable by a trivial
// client: `<len>:<payload>,` with len in decimal ASCII.

// MaxMessageSize bounds a single RPC message. A push batch carries one
// short record per ref, so this is generous.
const MaxMessageSize = 16 * 1024 * 1024

var errBadNetstring = errors.New("hookrpc: malformed netstring")

func writeNetstring(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%d:", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte{','})
	return err
}

func readNetstring(r *bufio.Reader) ([]byte, error) {
	var n int
	for digits := 0; ; digits++ {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if c == ':' {
			if digits == 0 {
				return nil, errBadNetstring
			}
			break
		}
		if c < '0' || c > '9' || digits > 8 {
			return nil, errBadNetstring
		}
		n = n*10 + int(c-'0')
		if n > MaxMessageSize {
			return nil, errBadNetstring
		}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	c, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if c != ',' {
		return nil, errBadNetstring
	}
	return payload, nil
}
