// Package nodeid defines the 128-bit node identifier and the two
// storage models ([StorageModel]) that external callers may choose
// between when binding it to SQL columns.
package nodeid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit node identifier. The zero value is not a valid id;
// use [New] or [Parse].
type ID [16]byte

// New generates a fresh random node id.
func New() ID {
	return ID(uuid.New())
}

// Parse decodes the canonical hyphenated hex form (e.g.
// "00000000-0000-0000-0000-000000000001") into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("nodeid: %w", err)
	}
	return ID(u), nil
}

// MustParse is like [Parse] but panics on error; intended for tests
// and compile-time constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes wraps 16 raw bytes as an ID, as read from a binary-keys
// column or decoded from the bundle codec.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("nodeid: want 16 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// FromHighLow reconstructs an ID from the split-long storage model's
// two 64-bit halves.
func FromHighLow(high, low uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], high)
	binary.BigEndian.PutUint64(id[8:16], low)
	return id
}

// Bytes returns the 16 raw bytes, for the binary-keys storage model.
func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// HighLow returns the two 64-bit halves, for the split-long storage
// model.
func (id ID) HighLow() (high, low uint64) {
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint64(id[8:16])
}

// String returns the canonical hyphenated hex form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the all-zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// sentinelSuffix is the reserved low-byte pattern denoting a
// system-internal node that is never materialized as a bundle row.
// Consistency checks must not flag a child entry pointing at such an
// id as missing.
var sentinelSuffix = [6]byte{0xba, 0xbe, 0xca, 0xfe, 0xba, 0xbe}

// IsSentinel reports whether id's low 6 bytes match the reserved
// "babecafebabe" sentinel pattern.
func (id ID) IsSentinel() bool {
	return [6]byte(id[10:16]) == sentinelSuffix
}

// Hex returns the id as 32 lowercase hex characters with no
// separators, used in [blobstore] identifiers and log fields where the
// hyphenated form would be needlessly verbose.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// StorageModel selects how an ID is bound to SQL columns: as one
// 16-byte column, or as two 64-bit columns. The model is chosen at
// store construction and is immutable thereafter; a client configured
// for one model cannot read a database populated under the other.
type StorageModel int

const (
	// BinaryKeys stores the id as a single 16-byte column.
	BinaryKeys StorageModel = iota
	// SplitLong stores the id as two 64-bit columns (high, low).
	SplitLong
)

// String implements fmt.Stringer for log output.
func (m StorageModel) String() string {
	switch m {
	case BinaryKeys:
		return "binary-keys"
	case SplitLong:
		return "split-long"
	default:
		return fmt.Sprintf("StorageModel(%d)", int(m))
	}
}
