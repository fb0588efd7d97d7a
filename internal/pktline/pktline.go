// Package pktline implements the length-prefixed line framing used by the
// Git pack protocol. Each packet is a 4-character hex length header
// followed by the payload; a length of zero ("0000") is a flush-pkt.
package pktline

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// LenSize is the size of the pkt-len header.
	LenSize = 4

	// MaxPayload is the largest payload a single data-pkt may carry.
	MaxPayload = 65520
)

// ErrInvalidLength is returned when a pkt-len header is not valid hex or
// declares a length outside the legal range.
var ErrInvalidLength = errors.New("pktline: invalid pkt-len")

// Encode returns the wire form of a single data-pkt.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("pktline: payload exceeds %d bytes", MaxPayload)
	}
	buf := make([]byte, 0, LenSize+len(payload))
	buf = append(buf, fmt.Sprintf("%04x", len(payload)+LenSize)...)
	return append(buf, payload...), nil
}

// Flush is the wire form of a flush-pkt.
func Flush() []byte {
	return []byte("0000")
}

// Writer frames packets onto an underlying stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket writes payload as a single data-pkt.
func (w *Writer) WritePacket(payload []byte) error {
	pkt, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.w.Write(pkt)
	return err
}

// WriteFlush writes a flush-pkt.
func (w *Writer) WriteFlush() error {
	_, err := w.w.Write(Flush())
	return err
}

// Reader reads framed packets from an underlying stream.
type Reader struct {
	r   io.Reader
	len [LenSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket reads one packet. A flush-pkt is returned as (nil, nil); a
// data-pkt's payload is returned as a non-nil (possibly empty) slice.
// io.EOF is returned cleanly only at a packet boundary.
func (r *Reader) ReadPacket() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.len[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("pktline: truncated pkt-len: %w", err)
		}
		return nil, err
	}
	n, err := strconv.ParseUint(string(r.len[:]), 16, 32)
	if err != nil {
		return nil, ErrInvalidLength
	}
	if n == 0 {
		return nil, nil // flush-pkt
	}
	if n < LenSize || n > LenSize+MaxPayload {
		return nil, ErrInvalidLength
	}
	payload := make([]byte, n-LenSize)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("pktline: truncated payload: %w", err)
	}
	return payload, nil
}
