// Package fwpkg decodes the WS63 ".fwpkg" firmware container: a small
// CRC-protected header followed by a fixed-size table of embedded binary
// descriptors, followed by the raw image bytes those descriptors point into.
package fwpkg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/ws63flash/ws63flash/pkg/crc16"
)

const (
	// Magic is the fixed package signature, stored little-endian.
	Magic uint32 = 0xEFBEADDF

	// MaxEntries bounds the number of embedded binaries a package may carry.
	MaxEntries = 16

	headerSize = 12
	entrySize  = 52
	nameSize   = 32

	// TypeLoader marks the single bootloader image a package must carry.
	TypeLoader uint32 = 0
	// TypeApp marks an application image.
	TypeApp uint32 = 1
)

// Sentinel errors for the taxonomy in spec §7. EntryTruncated carries the
// offending entry index and so is its own type below.
var (
	ErrHeaderTruncated = errors.New("fwpkg: header truncated")
	ErrBadMagic        = errors.New("fwpkg: bad magic")
	ErrTooManyEntries  = errors.New("fwpkg: too many entries")
	ErrNameEncoding    = errors.New("fwpkg: entry name is not valid UTF-8")
	ErrCrcMismatch     = errors.New("fwpkg: header CRC mismatch")
)

// EntryTruncatedError reports that the file ended before entry Index could
// be read in full.
type EntryTruncatedError struct {
	Index int
}

func (e *EntryTruncatedError) Error() string {
	return fmt.Sprintf("fwpkg: entry %d truncated", e.Index)
}

// BinInfo describes one embedded image within a package.
type BinInfo struct {
	Name     string
	Offset   uint32
	Length   uint32
	BurnAddr uint32
	BurnSize uint32
	Type     uint32
}

// Package is the parsed, read-only representation of a .fwpkg file.
type Package struct {
	Path    string
	Magic   uint32
	Crc     uint16
	Count   uint16
	Length  uint32
	Entries []BinInfo
}

// Loader returns the first entry with Type == TypeLoader, or nil if none
// exists.
func (p *Package) Loader() *BinInfo {
	for i := range p.Entries {
		if p.Entries[i].Type == TypeLoader {
			return &p.Entries[i]
		}
	}
	return nil
}

// Apps returns all entries with Type == TypeApp, in original order.
func (p *Package) Apps() []BinInfo {
	var apps []BinInfo
	for _, e := range p.Entries {
		if e.Type == TypeApp {
			apps = append(apps, e)
		}
	}
	return apps
}

// ReadImage reads the raw bytes of entry e out of the package file.
func (p *Package) ReadImage(e *BinInfo) ([]byte, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("fwpkg: open %s: %w", p.Path, err)
	}
	defer f.Close()

	buf := make([]byte, e.Length)
	if _, err := f.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("fwpkg: read image %q at offset %d: %w", e.Name, e.Offset, err)
	}
	return buf, nil
}

// Parse reads and validates the package at path, per spec §4.2.
func Parse(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fwpkg: read %s: %w", path, err)
	}

	if len(data) < headerSize {
		return nil, ErrHeaderTruncated
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	crc := binary.LittleEndian.Uint16(data[4:6])
	count := binary.LittleEndian.Uint16(data[6:8])
	length := binary.LittleEndian.Uint32(data[8:12])

	if magic != Magic {
		return nil, ErrBadMagic
	}
	if count > MaxEntries {
		return nil, ErrTooManyEntries
	}

	need := headerSize + entrySize*int(count)
	if len(data) < need {
		// The first entry we couldn't fully read is the truncated one.
		idx := (len(data) - headerSize) / entrySize
		return nil, &EntryTruncatedError{Index: idx}
	}

	entries := make([]BinInfo, 0, count)
	for i := 0; i < int(count); i++ {
		off := headerSize + i*entrySize
		entry, err := decodeEntry(data[off : off+entrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	region := data[6:need]
	if got := crc16.Checksum(region); got != crc {
		return nil, ErrCrcMismatch
	}

	return &Package{
		Path:    path,
		Magic:   magic,
		Crc:     crc,
		Count:   count,
		Length:  length,
		Entries: entries,
	}, nil
}

func decodeEntry(raw []byte) (BinInfo, error) {
	name, err := decodeName(raw[:nameSize])
	if err != nil {
		return BinInfo{}, err
	}
	return BinInfo{
		Name:     name,
		Offset:   binary.LittleEndian.Uint32(raw[32:36]),
		Length:   binary.LittleEndian.Uint32(raw[36:40]),
		BurnAddr: binary.LittleEndian.Uint32(raw[40:44]),
		BurnSize: binary.LittleEndian.Uint32(raw[44:48]),
		Type:     binary.LittleEndian.Uint32(raw[48:52]),
	}, nil
}

func decodeName(raw []byte) (string, error) {
	end := nameSize
	for i, b := range raw {
		if b == 0x00 {
			end = i
			break
		}
	}
	nameBytes := raw[:end]
	if !utf8.Valid(nameBytes) {
		return "", ErrNameEncoding
	}
	return string(nameBytes), nil
}
