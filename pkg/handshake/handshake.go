// Package handshake drives the vendor baud-rate negotiation: repeatedly
// transmit a handshake frame at 115200 baud until the device's ACK prefix is
// seen, then switch the host to the negotiated baud rate.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ws63flash/ws63flash/pkg/frame"
	"github.com/ws63flash/ws63flash/pkg/trace"
	"github.com/ws63flash/ws63flash/pkg/transport"
)

// ErrHandshakeTimeout is returned when the device's ACK is not observed
// before the overall deadline elapses.
var ErrHandshakeTimeout = errors.New("handshake: timed out waiting for device ACK")

// ackPrefix is the bit-exact first 8 bytes of the device's handshake ACK
// frame (spec §4.4). The remaining bytes are payload+CRC we don't need to
// inspect to consider the handshake accepted.
var ackPrefix = []byte{0xEF, 0xBE, 0xAD, 0xDE, 0x0C, 0x00, 0xE1, 0x1E}

// These are vars rather than consts so tests can shrink them instead of
// running the real multi-second deadlines.
var (
	overallDeadline = 10 * time.Second
	pollGap         = 7 * time.Millisecond
	settleDelay     = 500 * time.Millisecond
)

// historyCap bounds how much drained output we keep around to catch an ACK
// prefix that straddles two poll cycles.
const historyCap = 64

// payload builds the 8-byte handshake payload for the given target baud.
func payload(baud int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(baud))
	buf[4] = 0x08
	buf[5] = 0x01
	// buf[6], buf[7] left zero.
	return buf
}

// Negotiate runs the handshake loop against an already-open 115200-baud
// stream and, on success, switches it to targetBaud and pauses for the
// device to settle (spec §4.4).
func Negotiate(s transport.Stream, targetBaud int, tr trace.Sink) error {
	req := frame.Encode(frame.CmdHandshake, payload(targetBaud))

	deadline := time.Now().Add(overallDeadline)
	var history []byte

	for time.Now().Before(deadline) {
		if err := s.Write(req); err != nil {
			return err
		}
		time.Sleep(pollGap)

		drained, err := s.ReadAvailable()
		if err != nil {
			tr.Printf("handshake: read error, retrying: %v", err)
		}
		if len(drained) > 0 {
			history = append(history, drained...)
			if len(history) > historyCap {
				history = history[len(history)-historyCap:]
			}
			tr.Printf("handshake: drained %d bytes", len(drained))
		}

		if bytes.Contains(history, ackPrefix) {
			tr.Printf("handshake: device ACK observed, switching to %d baud", targetBaud)
			if err := s.SetBaud(targetBaud); err != nil {
				return err
			}
			time.Sleep(settleDelay)
			return nil
		}
	}

	return ErrHandshakeTimeout
}
