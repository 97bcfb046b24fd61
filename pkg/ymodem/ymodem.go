// Package ymodem implements the sender side of YMODEM-CRC: 1024-byte STX
// data blocks, a 128-byte SOH block 0 carrying the file name and size, and
// CRC-16 trailers with ACK/NAK retry. Receiving is out of scope (spec §1
// Non-goals) — this package only ever talks to a device's YMODEM receiver.
package ymodem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ws63flash/ws63flash/pkg/crc16"
	"github.com/ws63flash/ws63flash/pkg/trace"
	"github.com/ws63flash/ws63flash/pkg/transport"
)

const (
	soh = 0x01
	stx = 0x02
	eot = 0x04
	ack = 0x06
	nak = 0x15
	cByte = 0x43

	shortDataLen = 128
	longDataLen  = 1024

	cWaitTimeout    = 5 * time.Second
	ackWaitTimeout  = 1500 * time.Millisecond
	blockOverallTTL = 30 * time.Second
)

// ErrCWaitTimeout is returned when the device never requests CRC-mode start.
var ErrCWaitTimeout = errors.New("ymodem: timed out waiting for 'C'")

// ErrFinishFailed is returned when the final zero-payload block cannot be
// acknowledged within its per-block deadline.
var ErrFinishFailed = errors.New("ymodem: finish block failed")

// BlockTimeoutError reports that block Seq could not be acknowledged within
// its 30-second deadline.
type BlockTimeoutError struct {
	Seq int
}

func (e *BlockTimeoutError) Error() string {
	return fmt.Sprintf("ymodem: block %d timed out", e.Seq)
}

// Send performs a full YMODEM-CRC transfer of data, announcing it under
// name and its byte length in the block-0 header, per spec §4.5.
func Send(s transport.Stream, data []byte, name string, tr trace.Sink) error {
	if err := waitForC(s, tr); err != nil {
		return err
	}

	if err := sendBlock(s, 0, shortDataLen, block0Payload(name, len(data)), tr); err != nil {
		return err
	}

	for off, seq := 0, 1; off < len(data); off, seq = off+longDataLen, seq+1 {
		end := off + longDataLen
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, longDataLen)
		copy(payload, data[off:end])
		if err := sendBlock(s, seq, longDataLen, payload, tr); err != nil {
			return err
		}
	}

	if err := sendEOT(s, tr); err != nil {
		return err
	}

	if err := sendBlock(s, 0, shortDataLen, make([]byte, shortDataLen), tr); err != nil {
		tr.Printf("ymodem: finish block failed: %v", err)
		return ErrFinishFailed
	}
	return nil
}

// block0Payload builds the 128-byte data area for the block-0 file header:
// name, NUL, size as an uppercase "0x"-prefixed hex string, zero-padded.
func block0Payload(name string, size int) []byte {
	buf := make([]byte, shortDataLen)
	n := copy(buf, name)
	buf[n] = 0x00
	n++
	sizeStr := "0x" + strconv.FormatInt(int64(size), 16)
	copy(buf[n:], []byte(upperHex(sizeStr)))
	return buf
}

func upperHex(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'a' && b <= 'f' {
			out[i] = b - ('a' - 'A')
		}
	}
	return string(out)
}

// waitForC polls for the 'C' byte that signals the receiver is ready for a
// CRC-mode transfer.
func waitForC(s transport.Stream, tr trace.Sink) error {
	deadline := time.Now().Add(cWaitTimeout)
	for time.Now().Before(deadline) {
		b, err := s.ReadByte(deadline)
		if err != nil {
			continue
		}
		if b == cByte {
			tr.Printf("ymodem: received 'C', starting transfer")
			return nil
		}
	}
	return ErrCWaitTimeout
}

// sendEOT sends EOT and retries until ACK, with no overall deadline (spec
// §4.5 step 4).
func sendEOT(s transport.Stream, tr trace.Sink) error {
	for {
		if err := s.Write([]byte{eot}); err != nil {
			return err
		}
		got, err := waitAck(s, ackWaitTimeout)
		if err == nil && got {
			tr.Printf("ymodem: EOT acknowledged")
			return nil
		}
		tr.Printf("ymodem: EOT not acknowledged, retransmitting")
	}
}

// sendBlock frames payload (already padded to dataLen) as seq and
// retransmits it under the per-block ACK/NAK/timeout discipline until
// acknowledged or the 30-second overall deadline expires.
func sendBlock(s transport.Stream, seq int, dataLen int, payload []byte, tr trace.Sink) error {
	blk := frameBlock(byte(seq), dataLen, payload)

	deadline := time.Now().Add(blockOverallTTL)
	for time.Now().Before(deadline) {
		if err := s.Write(blk); err != nil {
			return err
		}

		ok, err := waitAck(s, ackWaitTimeout)
		if err == nil && ok {
			tr.Printf("ymodem: block %d acknowledged", seq)
			return nil
		}
		tr.Printf("ymodem: block %d NAK/timeout, retransmitting", seq)
	}
	return &BlockTimeoutError{Seq: seq}
}

// frameBlock assembles a SOH (128-byte) or STX (1024-byte) block.
func frameBlock(seq byte, dataLen int, payload []byte) []byte {
	header := byte(soh)
	if dataLen == longDataLen {
		header = stx
	}

	buf := make([]byte, 0, 3+dataLen+2)
	buf = append(buf, header, seq, ^seq)
	buf = append(buf, payload...)

	crc := crc16.Checksum(payload)
	var crcBuf [2]byte
	binary.BigEndian.PutUint16(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)
	return buf
}

// waitAck reads bytes one at a time until ACK, NAK, or the deadline
// elapses. ok is true only when the first meaningful byte read is ACK.
func waitAck(s transport.Stream, timeout time.Duration) (ok bool, err error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, rerr := s.ReadByte(deadline)
		if rerr != nil {
			continue
		}
		switch b {
		case ack:
			return true, nil
		case nak:
			return false, nil
		}
	}
	return false, fmt.Errorf("ymodem: ack wait timed out")
}
