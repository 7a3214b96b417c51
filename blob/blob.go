// Package blob implements an append-only blob storage backend.
//
// Values are opaque byte strings keyed by a fixed-width identifier.
// Each backend owns two append-only log files - one for data records,
// one for per-key history - plus an in-memory index mapping composite
// keys to file positions. The index is rebuilt at startup by scanning
// the logs.
package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// IDSize is the width of an identifier in bytes.
const IDSize = 64

// ID is a fixed-width opaque identifier.
// Identifiers are compared bytewise; ordering is lexicographic.
type ID [IDSize]byte

// Zero is the zero value of an ID.
var Zero ID

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) IsZero() bool {
	return id == Zero
}

// MarshalText implements encoding.TextMarshaler,
// letting IDs travel as hex strings in JSON bodies.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) != 2*IDSize {
		return errors.Wrapf(ErrInvalid, "id hex length %d", len(text))
	}
	_, err := hex.Decode(id[:], text)
	return err
}

// IDFromHex decodes a full-width hex string into an ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// IDFromBytes copies up to IDSize bytes of b into an ID.
func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// Kind discriminates the two logs a backend owns.
type Kind byte

const (
	// KindData addresses the data log.
	KindData Kind = 0
	// KindHistory addresses the history log.
	KindHistory Kind = 1
)

// Key is a composite index key: an identifier plus a kind byte.
type Key [IDSize + 1]byte

// MakeKey builds the composite key for id in the given log.
func MakeKey(id ID, kind Kind) Key {
	var k Key
	copy(k[:IDSize], id[:])
	k[IDSize] = byte(kind)
	return k
}

// ID returns the identifier portion of the key.
func (k Key) ID() ID {
	return IDFromBytes(k[:IDSize])
}

// Kind returns the kind portion of the key.
func (k Key) Kind() Kind {
	return Kind(k[IDSize])
}

// DiskControl flag bits. FlagRemoved is the only flag with on-disk
// meaning: records carrying it are skipped on scan.
const FlagRemoved uint64 = 1 << 0

// DiskControlSize is the encoded size of a DiskControl header.
const DiskControlSize = IDSize + 16

// DiskControl is the fixed header prepended to every on-disk record.
type DiskControl struct {
	ID    ID
	Flags uint64
	Size  uint64 // payload bytes, excluding header and padding
}

// Encode serializes dc into buf in little-endian on-disk order.
// buf must be at least DiskControlSize bytes.
func (dc *DiskControl) Encode(buf []byte) {
	copy(buf[:IDSize], dc.ID[:])
	binary.LittleEndian.PutUint64(buf[IDSize:], dc.Flags)
	binary.LittleEndian.PutUint64(buf[IDSize+8:], dc.Size)
}

// Decode fills dc from the little-endian on-disk representation.
func (dc *DiskControl) Decode(buf []byte) error {
	if len(buf) < DiskControlSize {
		return errors.Wrapf(ErrInvalid, "disk control needs %d bytes, have %d", DiskControlSize, len(buf))
	}
	copy(dc.ID[:], buf[:IDSize])
	dc.Flags = binary.LittleEndian.Uint64(buf[IDSize:])
	dc.Size = binary.LittleEndian.Uint64(buf[IDSize+8:])
	return nil
}

// HistoryEntrySize is the encoded size of a HistoryEntry.
const HistoryEntrySize = IDSize + 32

// HistoryEntry is the fixed record appended to a key's history chain
// on every data write (unless history updates are suppressed).
type HistoryEntry struct {
	ID        ID
	Flags     uint64
	Timestamp uint64
	Offset    uint64
	Size      uint64
}

// Encode serializes e in little-endian order.
func (e *HistoryEntry) Encode(buf []byte) {
	copy(buf[:IDSize], e.ID[:])
	binary.LittleEndian.PutUint64(buf[IDSize:], e.Flags)
	binary.LittleEndian.PutUint64(buf[IDSize+8:], e.Timestamp)
	binary.LittleEndian.PutUint64(buf[IDSize+16:], e.Offset)
	binary.LittleEndian.PutUint64(buf[IDSize+24:], e.Size)
}

// Decode fills e from its on-disk representation.
func (e *HistoryEntry) Decode(buf []byte) error {
	if len(buf) < HistoryEntrySize {
		return errors.Wrapf(ErrInvalid, "history entry needs %d bytes, have %d", HistoryEntrySize, len(buf))
	}
	copy(e.ID[:], buf[:IDSize])
	e.Flags = binary.LittleEndian.Uint64(buf[IDSize:])
	e.Timestamp = binary.LittleEndian.Uint64(buf[IDSize+8:])
	e.Offset = binary.LittleEndian.Uint64(buf[IDSize+16:])
	e.Size = binary.LittleEndian.Uint64(buf[IDSize+24:])
	return nil
}

// IoAttr flag bits carried in command payloads.
const (
	IoHistory         uint64 = 1 << 0
	IoAppend          uint64 = 1 << 1
	IoNoHistoryUpdate uint64 = 1 << 2
	IoMeta            uint64 = 1 << 3
)

// IoAttrSize is the encoded size of an IoAttr.
const IoAttrSize = 2*IDSize + 24

// IoAttr is the per-request descriptor carried at the front of
// command payloads. Origin is the identifier records are stored
// under; ID is the identifier history entries record.
type IoAttr struct {
	ID     ID
	Origin ID
	Offset uint64
	Size   uint64
	Flags  uint64
}

// Encode serializes a in little-endian wire order.
func (a *IoAttr) Encode(buf []byte) {
	copy(buf[:IDSize], a.ID[:])
	copy(buf[IDSize:2*IDSize], a.Origin[:])
	binary.LittleEndian.PutUint64(buf[2*IDSize:], a.Offset)
	binary.LittleEndian.PutUint64(buf[2*IDSize+8:], a.Size)
	binary.LittleEndian.PutUint64(buf[2*IDSize+16:], a.Flags)
}

// Decode fills a from the wire representation,
// applying the convert-to-host-order step on entry.
func (a *IoAttr) Decode(buf []byte) error {
	if len(buf) < IoAttrSize {
		return errors.Wrapf(ErrInvalid, "io attr needs %d bytes, have %d", IoAttrSize, len(buf))
	}
	copy(a.ID[:], buf[:IDSize])
	copy(a.Origin[:], buf[IDSize:2*IDSize])
	a.Offset = binary.LittleEndian.Uint64(buf[2*IDSize:])
	a.Size = binary.LittleEndian.Uint64(buf[2*IDSize+8:])
	a.Flags = binary.LittleEndian.Uint64(buf[2*IDSize+16:])
	return nil
}

// Errors returned by backend operations.
var (
	// ErrNotFound is returned when a key is missing from the index.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned on bounds violations, malformed
	// attributes, and unknown commands.
	ErrInvalid = errors.New("invalid argument")

	// ErrUnsupported is returned for commands the backend does not
	// implement.
	ErrUnsupported = errors.New("unsupported command")
)

// Errno maps an error to the negative status code returned to the
// transport at the command boundary.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return -2
	case errors.Is(err, ErrInvalid):
		return -22
	case errors.Is(err, ErrUnsupported):
		return -95
	default:
		return -5
	}
}
