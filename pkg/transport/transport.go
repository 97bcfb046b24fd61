// Package transport wraps go.bug.st/serial behind the byte-stream
// abstraction the protocol engine (C1-C6) is built against: open at a
// baud rate, write, read with a deadline, and change baud rate on an
// already-open port without reopening it.
package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// defaultReadTimeout is the underlying OS-level read timeout; higher-level
// deadlines (handshake, frame wait, YMODEM ACK) are enforced in their own
// packages by repeatedly calling ReadByte/ReadAvailable against wall-clock
// budgets, per spec §4.7.
const defaultReadTimeout = time.Second

// Stream is the byte-stream contract the protocol engine depends on.
type Stream interface {
	Write(data []byte) error
	ReadByte(deadline time.Time) (byte, error)
	ReadAvailable() ([]byte, error)
	SetBaud(baud int) error
	SetRTS(assert bool) error
	Close() error
}

// Serial is a Stream backed by an open serial port.
type Serial struct {
	port serial.Port
	buf  [1]byte
}

// Open opens devicePath at baud, 8 data bits, no parity, 1 stop bit.
func Open(devicePath string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}
	return &Serial{port: port}, nil
}

// Write sends data in full.
func (s *Serial) Write(data []byte) error {
	n, err := s.port.Write(data)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("transport: short write: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// ReadByte reads a single byte, returning an error if none arrives before
// deadline. The underlying read timeout is clamped to what's left of the
// deadline so a caller polling for bytes near the edge of its own wall-clock
// budget doesn't overshoot it by a full second.
func (s *Serial) ReadByte(deadline time.Time) (byte, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, fmt.Errorf("transport: deadline already passed")
	}
	timeout := defaultReadTimeout
	if remaining < timeout {
		timeout = remaining
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("transport: set read timeout: %w", err)
	}

	n, err := s.port.Read(s.buf[:])
	if err != nil {
		return 0, fmt.Errorf("transport: read: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("transport: read timed out")
	}
	return s.buf[0], nil
}

// ReadAvailable drains whatever is currently buffered without blocking for
// more than a short poll interval; used by the handshake loop, which needs
// "whatever arrived during the last ~7ms" rather than a single byte.
func (s *Serial) ReadAvailable() ([]byte, error) {
	if err := s.port.SetReadTimeout(time.Millisecond); err != nil {
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return out, fmt.Errorf("transport: read: %w", err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
		if n < len(buf) {
			return out, nil
		}
	}
}

// SetBaud reconfigures the already-open port's baud rate, matching the
// device's switch at the end of a successful handshake (spec §4.4).
func (s *Serial) SetBaud(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := s.port.SetMode(mode); err != nil {
		return fmt.Errorf("transport: set baud %d: %w", baud, err)
	}
	return nil
}

// SetRTS asserts or de-asserts RTS.
func (s *Serial) SetRTS(assert bool) error {
	if err := s.port.SetRTS(assert); err != nil {
		return fmt.Errorf("transport: set RTS: %w", err)
	}
	return nil
}

// Close closes the underlying port.
func (s *Serial) Close() error {
	return s.port.Close()
}
