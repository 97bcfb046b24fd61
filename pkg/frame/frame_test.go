package frame

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ws63flash/ws63flash/pkg/crc16"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		cmd     byte
		payload []byte
	}{
		{CmdHandshake, []byte{0, 0x10, 0x0E, 0, 0x08, 0x01, 0, 0}},
		{CmdDownload, make([]byte, 14)},
		{CmdReset, []byte{0x00, 0x00}},
		{0x01, nil},
	}

	for _, c := range cases {
		encoded := Encode(c.cmd, c.payload)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(0x%02x, %v)) failed: %v", c.cmd, c.payload, err)
		}
		if decoded.Cmd != c.cmd {
			t.Errorf("decoded.Cmd = 0x%02x, want 0x%02x", decoded.Cmd, c.cmd)
		}
		if len(decoded.Payload) != len(c.payload) || !bytes.Equal(decoded.Payload, c.payload) {
			t.Errorf("decoded.Payload = %v, want %v", decoded.Payload, c.payload)
		}
	}
}

func TestEncodeInvariants(t *testing.T) {
	encoded := Encode(0x42, []byte{1, 2, 3})

	if [4]byte{encoded[0], encoded[1], encoded[2], encoded[3]} != Magic {
		t.Fatalf("bytes 0..3 = %v, want magic", encoded[:4])
	}
	if encoded[6]^encoded[7] != 0xFF {
		t.Errorf("cmd ^ cmd_inv = 0x%02x, want 0xFF", encoded[6]^encoded[7])
	}

	totalLen := len(encoded)
	wantCRC := crc16.Checksum(encoded[:totalLen-2])
	gotCRC := binary.LittleEndian.Uint16(encoded[totalLen-2:])
	if gotCRC != wantCRC {
		t.Errorf("trailing CRC = 0x%04X, want 0x%04X", gotCRC, wantCRC)
	}
}

func TestHandshakeFrameGoldenEncoding(t *testing.T) {
	payload := []byte{0x00, 0x10, 0x0E, 0x00, 0x08, 0x01, 0x00, 0x00} // baud=921600 LE
	encoded := Encode(CmdHandshake, payload)

	want := []byte{
		0xEF, 0xBE, 0xAD, 0xDE, 0x12, 0x00, 0xF0, 0x0F,
		0x00, 0x10, 0x0E, 0x00, 0x08, 0x01, 0x00, 0x00,
		0x6E, 0x80,
	}
	if !bytes.Equal(encoded, want) {
		t.Errorf("handshake frame = % X, want % X", encoded, want)
	}
}

// fakeReader is a frame.ByteReader backed by a fixed byte slice, used to
// drive the scan/lock state machine in Receive.
type fakeReader struct {
	data []byte
	pos  int
}

func (f *fakeReader) ReadByte(deadline time.Time) (byte, error) {
	if f.pos >= len(f.data) {
		return 0, errEOF
	}
	b := f.data[f.pos]
	f.pos++
	return b, nil
}

var errEOF = bytesEOFError{}

type bytesEOFError struct{}

func (bytesEOFError) Error() string { return "fakeReader: no more bytes" }

func TestReceiveSkipsGarbageAndLocksOnMagic(t *testing.T) {
	valid := Encode(CmdReset, []byte{0x00, 0x00})
	garbage := []byte{0x11, 0x22, 0xEF, 0x33, 0xEF, 0xBE, 0x00}
	stream := append(append([]byte{}, garbage...), valid...)

	f, err := Receive(&fakeReader{data: stream}, 2*time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if f.Cmd != CmdReset {
		t.Errorf("Cmd = 0x%02x, want 0x%02x", f.Cmd, CmdReset)
	}
}

func TestReceiveTimeoutOnNoFrame(t *testing.T) {
	_, err := Receive(&fakeReader{data: []byte{0x11, 0x22, 0x33}}, 20*time.Millisecond)
	if err != ErrFrameTimeout {
		t.Fatalf("Receive error = %v, want ErrFrameTimeout", err)
	}
}

func TestReceiveBadCmdInv(t *testing.T) {
	valid := Encode(CmdReset, []byte{0x00, 0x00})
	valid[7] ^= 0x01 // corrupt cmd_inv without fixing CRC

	_, err := Receive(&fakeReader{data: valid}, 20*time.Millisecond)
	if err != ErrBadCmdInv {
		t.Fatalf("Receive error = %v, want ErrBadCmdInv", err)
	}
}
