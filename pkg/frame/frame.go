// Package frame implements the vendor command/response wire format: a
// length-prefixed frame with a fixed magic, an inverted-command sanity byte,
// and a trailing CRC-16. The same shape carries the handshake, the
// DOWNLOAD command, and the RESET command.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ws63flash/ws63flash/pkg/crc16"
)

// Magic is the 4-byte frame sync sequence, on the wire as {0xEF,0xBE,0xAD,0xDE}
// (little-endian 0xDEADBEEF).
var Magic = [4]byte{0xEF, 0xBE, 0xAD, 0xDE}

const (
	// minFrameLen is magic(4) + total_len(2) + cmd(1) + cmd_inv(1) + crc(2).
	minFrameLen = 10

	// maxFrameLen bounds the receiver's buffer: 1024-byte YMODEM payload
	// plus a generous 12 bytes of framing overhead (spec §9).
	maxFrameLen = 1024 + 12

	// Commands used by this protocol.
	CmdHandshake byte = 0xF0
	CmdDownload  byte = 0xD2
	CmdReset     byte = 0x87
)

var (
	// ErrFrameTimeout is returned when no complete frame arrives before the
	// receiver's deadline.
	ErrFrameTimeout = errors.New("frame: timed out waiting for frame")
	// ErrFrameTooLong is returned when a frame claims a total length beyond
	// maxFrameLen; it is rejected rather than truncated.
	ErrFrameTooLong = errors.New("frame: declared length exceeds maximum")
	// ErrBadCmdInv is returned when the inverted-command byte doesn't match.
	ErrBadCmdInv = errors.New("frame: cmd_inv does not match cmd")
	// ErrBadCrc is returned when the trailing CRC doesn't verify. Per spec
	// §4.3 this is a non-fatal warning at the transport level; callers may
	// choose to treat the frame as absent rather than abort.
	ErrBadCrc = errors.New("frame: CRC mismatch")
)

// Frame is a decoded vendor command/response.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// Encode assembles a vendor frame for cmd carrying payload, per spec §4.3.
func Encode(cmd byte, payload []byte) []byte {
	totalLen := len(payload) + minFrameLen
	buf := make([]byte, 0, totalLen)
	buf = append(buf, Magic[:]...)

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(totalLen))
	buf = append(buf, lenBuf[:]...)

	buf = append(buf, cmd, cmd^0xFF)
	buf = append(buf, payload...)

	crc := crc16.Checksum(buf)
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)

	return buf
}

// Decode parses a single frame out of a complete byte buffer (magic through
// trailing CRC, no surrounding bytes). It is the inverse of Encode and is
// used directly by tests; production receive goes through Receive below.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < minFrameLen {
		return Frame{}, fmt.Errorf("frame: buffer too short: %d bytes", len(buf))
	}
	if [4]byte{buf[0], buf[1], buf[2], buf[3]} != Magic {
		return Frame{}, fmt.Errorf("frame: bad magic")
	}
	totalLen := int(binary.LittleEndian.Uint16(buf[4:6]))
	if totalLen != len(buf) {
		return Frame{}, fmt.Errorf("frame: total_len %d does not match buffer length %d", totalLen, len(buf))
	}

	cmd := buf[6]
	cmdInv := buf[7]
	if cmdInv != cmd^0xFF {
		return Frame{}, ErrBadCmdInv
	}

	payload := buf[8 : totalLen-2]
	wantCrc := binary.LittleEndian.Uint16(buf[totalLen-2 : totalLen])
	gotCrc := crc16.Checksum(buf[:totalLen-2])
	if gotCrc != wantCrc {
		return Frame{}, ErrBadCrc
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return Frame{Cmd: cmd, Payload: out}, nil
}

// ByteReader is the minimal transport surface Receive needs: a single
// buffered-or-not byte source with a per-read deadline.
type ByteReader interface {
	ReadByte(deadline time.Time) (byte, error)
}

// receiver scan states, mirroring the sync/lock state machine of spec §4.3.
const (
	stateSync = iota
	stateBody
)

// Receive scans r for the next complete frame, enforcing an overall idle
// deadline: every received byte refreshes the timer, and the wait fails
// with ErrFrameTimeout if the deadline elapses with no complete frame.
func Receive(r ByteReader, timeout time.Duration) (Frame, error) {
	state := stateSync
	syncIdx := 0
	var buf []byte
	var totalLen int

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return Frame{}, ErrFrameTimeout
		}
		b, err := r.ReadByte(deadline)
		if err != nil {
			continue
		}
		deadline = time.Now().Add(timeout)

		switch state {
		case stateSync:
			if b == Magic[syncIdx] {
				if syncIdx == 0 {
					buf = buf[:0]
				}
				buf = append(buf, b)
				syncIdx++
				if syncIdx == len(Magic) {
					state = stateBody
				}
			} else if b == Magic[0] {
				buf = buf[:0]
				buf = append(buf, b)
				syncIdx = 1
			} else {
				syncIdx = 0
			}
		case stateBody:
			buf = append(buf, b)
			idx := len(buf) - 1
			if idx == 5 {
				totalLen = int(binary.LittleEndian.Uint16(buf[4:6]))
				if totalLen < minFrameLen {
					state, syncIdx = stateSync, 0
					continue
				}
				if totalLen > maxFrameLen {
					state, syncIdx = stateSync, 0
					return Frame{}, ErrFrameTooLong
				}
			}
			if totalLen > 0 && idx == totalLen-1 {
				f, err := Decode(buf)
				state, syncIdx = stateSync, 0
				return f, err
			}
		}
	}
}
