package crc16

import "testing"

// Reference vectors frozen from the vendor ROM's CRC routine (spec §8).
const (
	refEmpty    = 0x0000
	refZeros128 = 0x0000
	refHandshakeAck8 = 0xE1A5
)

func TestChecksumEmpty(t *testing.T) {
	if got := Checksum(nil); got != refEmpty {
		t.Errorf("Checksum(nil) = 0x%04X, want 0x%04X", got, refEmpty)
	}
	if got := Checksum([]byte{}); got != refEmpty {
		t.Errorf("Checksum([]byte{}) = 0x%04X, want 0x%04X", got, refEmpty)
	}
}

func TestChecksumZeros(t *testing.T) {
	if got := Checksum(make([]byte, 128)); got != refZeros128 {
		t.Errorf("Checksum(zeros[128]) = 0x%04X, want 0x%04X", got, refZeros128)
	}
}

func TestChecksumGoldenFrame(t *testing.T) {
	data := []byte{0x00, 0xC2, 0x01, 0x00, 0x08, 0x01, 0x00, 0x00}
	if got := Checksum(data); got != refHandshakeAck8 {
		t.Errorf("Checksum(golden) = 0x%04X, want 0x%04X", got, refHandshakeAck8)
	}
}

func TestUpdateMatchesChecksumInOnePiece(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := Checksum(data)

	split := len(data) / 3
	partial := Update(0, data[:split])
	piecewise := Update(partial, data[split:])

	if piecewise != whole {
		t.Errorf("piecewise CRC = 0x%04X, want 0x%04X (computed in one call)", piecewise, whole)
	}
}
