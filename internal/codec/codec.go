// Package codec implements the Bundle Codec: a length-framed,
// self-describing binary format for a node bundle, and the
// externalization policy that decides whether a BINARY property value
// is written inline or pushed out to a blob store.
//
// All multi-byte integers that are not varints are big-endian. Every
// stream starts with a one-byte version; a decoder refuses to read a
// version newer than [CurrentVersion]. There is no upgrade-on-read:
// an older build never attempts to interpret a newer format.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cuemby/bundlestore/internal/nodeid"
	"github.com/cuemby/bundlestore/pkg/metrics"
)

// CurrentVersion is the only version this codec writes. A stream
// declaring a higher version cannot be read by this build.
const CurrentVersion = 1

// ErrFormatVersionUnsupported is returned by Decode/Check when the
// stream's version byte exceeds CurrentVersion.
var ErrFormatVersionUnsupported = errors.New("codec: unsupported bundle format version")

// ErrDecoding wraps any structural failure while reading a bundle
// stream (truncated data, bad discriminator, etc). Use errors.Is to
// test for it; the wrapped error carries the byte offset via Error().
var ErrDecoding = errors.New("codec: bundle decoding failed")

// QName is a qualified name: a (namespace-index, local-name-index)
// pair resolved through the Name Index (package nameindex). Index 0 is
// never issued to any real name (nameindex invariant), which the codec
// exploits to terminate the property list unambiguously (see
// [decodeProperties]).
type QName struct {
	Namespace uint32
	Name      uint32
}

func (q QName) isTerminator() bool { return q.Name == 0 }

// PropertyType enumerates the property value kinds a bundle can carry.
type PropertyType uint8

const (
	TypeString PropertyType = iota + 1
	TypeBinary
	TypeLong
	TypeDouble
	TypeDate
	TypeBoolean
	TypeName
	TypePath
	TypeReference
	TypeDecimal
	TypeURI
	TypeWeakReference
)

func (t PropertyType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeBinary:
		return "BINARY"
	case TypeLong:
		return "LONG"
	case TypeDouble:
		return "DOUBLE"
	case TypeDate:
		return "DATE"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeName:
		return "NAME"
	case TypePath:
		return "PATH"
	case TypeReference:
		return "REFERENCE"
	case TypeDecimal:
		return "DECIMAL"
	case TypeURI:
		return "URI"
	case TypeWeakReference:
		return "WEAKREFERENCE"
	default:
		return fmt.Sprintf("PropertyType(%d)", uint8(t))
	}
}

// Value holds exactly the fields relevant to its owning property's
// PropertyType; callers are expected to read/write the right field for
// the type in play (a plain typed struct, no runtime `interface{}`
// dispatch).
type Value struct {
	Text   string // STRING, NAME, PATH, URI, REFERENCE, WEAKREFERENCE, DECIMAL, DATE (ISO-8601 lexical form)
	Long   int64
	Double float64
	Bool   bool

	// Binary holds inline BINARY bytes. Nil when the value is
	// externalized (BlobID set instead).
	Binary []byte
	// BlobID is set instead of Binary when this value has been (or,
	// for a value being re-stored unchanged, already was)
	// externalized to the blob store.
	BlobID string
}

func (v Value) isExternalBinary() bool { return v.Binary == nil && v.BlobID != "" }

// PropertyEntry is one named, typed property with one or more values.
type PropertyEntry struct {
	Name        QName
	Type        PropertyType
	MultiValued bool
	ModCount    uint16
	Values      []Value // length >= 1; empty multi-valued properties are allowed to have len 0
}

// ChildEntry is one (name, id) pair in a bundle's ordered child list.
// Same-name siblings are permitted (repeated Name), but not repeated
// IDs.
type ChildEntry struct {
	Name QName
	ID   nodeid.ID
}

// Bundle is the persisted unit: a node's identity, property values,
// child ordering, and parent pointer.
type Bundle struct {
	ID        nodeid.ID
	ParentID  nodeid.ID
	HasParent bool // false for the root

	NodeTypeName   QName
	MixinTypeNames []QName

	// Properties preserves encoding order, which is insertion order:
	// iteration order is encoding order.
	Properties []PropertyEntry

	// ChildEntries order is significant and preserved verbatim.
	ChildEntries []ChildEntry

	Referenceable bool
	ModCount      uint16

	// IsNew and SizeHint are transient bookkeeping; never encoded.
	IsNew    bool
	SizeHint uint64
}

// Property returns the first entry named name, if any.
func (b *Bundle) Property(name QName) (*PropertyEntry, bool) {
	for i := range b.Properties {
		if b.Properties[i].Name == name {
			return &b.Properties[i], true
		}
	}
	return nil, false
}

// BlobStore is the subset of blobstore.Store the codec needs to
// externalize and reference BINARY values. blobstore.Store satisfies
// this directly.
type BlobStore interface {
	CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string
	Put(id string, data []byte) error
}

// Encode writes b to w using the current format version. BINARY values
// whose inline byte length is >= minBlobSize are externalized via
// blobs: a fresh id is allocated (blobs.CreateID) and the bytes are
// written through blobs.Put in the same call, before the reference is
// written inline. A BINARY value
// that already carries a BlobID (and no inline Binary) is passed
// through as-is without touching the blob store, supporting
// replace-whole-bundle updates that don't change that value.
func Encode(w io.Writer, b *Bundle, minBlobSize int, blobs BlobStore) error {
	bw := &byteWriter{w: w}

	bw.writeByte(CurrentVersion)
	writeQName(bw, b.NodeTypeName)

	if b.HasParent {
		bw.writeByte(1)
		bw.writeBytes(b.ParentID.Bytes())
	} else {
		bw.writeByte(0)
	}

	bw.writeBytes(make([]byte, 16)) // definitionId: legacy, always zero

	bw.writeUvarint(uint64(len(b.MixinTypeNames)))
	for _, m := range b.MixinTypeNames {
		writeQName(bw, m)
	}

	for i := range b.Properties {
		p := &b.Properties[i]
		if p.Name.isTerminator() {
			return fmt.Errorf("codec: encode: property %q uses reserved terminator name index", p.Name)
		}
		writeQName(bw, p.Name)
		bw.writeByte(byte(p.Type))
		bw.writeBool(p.MultiValued)
		bw.writeUint16(p.ModCount)
		bw.writeUvarint(uint64(len(p.Values)))
		for vi, v := range p.Values {
			if err := encodeValue(bw, p.Type, v, b.ID, p.Name, vi, minBlobSize, blobs); err != nil {
				return err
			}
		}
	}
	writeQName(bw, QName{}) // terminator: Name == 0

	bw.writeUvarint(uint64(len(b.ChildEntries)))
	for _, c := range b.ChildEntries {
		writeQName(bw, c.Name)
		bw.writeBytes(c.ID.Bytes())
	}

	bw.writeBool(b.Referenceable)
	bw.writeUint16(b.ModCount)

	return bw.err
}

func encodeValue(bw *byteWriter, t PropertyType, v Value, owner nodeid.ID, name QName, valueIndex, minBlobSize int, blobs BlobStore) error {
	switch t {
	case TypeString, TypeName, TypePath, TypeURI, TypeReference, TypeWeakReference, TypeDecimal, TypeDate:
		bw.writeUvarint(uint64(len(v.Text)))
		bw.writeBytes([]byte(v.Text))
	case TypeLong:
		bw.writeUint64(uint64(v.Long))
	case TypeDouble:
		bw.writeUint64(math.Float64bits(v.Double))
	case TypeBoolean:
		bw.writeBool(v.Bool)
	case TypeBinary:
		if err := encodeBinary(bw, v, owner, name, valueIndex, minBlobSize, blobs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("codec: encode: unknown property type %v", t)
	}
	return bw.err
}

func encodeBinary(bw *byteWriter, v Value, owner nodeid.ID, name QName, valueIndex, minBlobSize int, blobs BlobStore) error {
	if v.isExternalBinary() {
		bw.writeVarint(-int64(len(v.BlobID)))
		bw.writeBytes([]byte(v.BlobID))
		return bw.err
	}

	if len(v.Binary) >= minBlobSize {
		id := blobs.CreateID(owner, name.Namespace, name.Name, valueIndex)
		if err := blobs.Put(id, v.Binary); err != nil {
			return fmt.Errorf("codec: externalize value: %w", err)
		}
		metrics.CodecBytesExternalizedTotal.Add(float64(len(v.Binary)))
		bw.writeVarint(-int64(len(id)))
		bw.writeBytes([]byte(id))
		return bw.err
	}

	metrics.CodecBytesInlineTotal.Add(float64(len(v.Binary)))
	bw.writeVarint(int64(len(v.Binary)))
	bw.writeBytes(v.Binary)
	return bw.err
}

func writeQName(bw *byteWriter, q QName) {
	bw.writeUvarint(uint64(q.Namespace))
	bw.writeUvarint(uint64(q.Name))
}

// Decode reads a full bundle from r. BINARY values that were
// externalized come back with BlobID set and Binary nil; resolving the
// bytes is the caller's job via the blob store.
func Decode(r io.Reader) (*Bundle, error) {
	return decode(r, true)
}

// Check parses a bundle stream without materializing it, used by the
// consistency checker to pinpoint the byte offset of a corrupt decode
// after a full [Decode] has already failed.
func Check(r io.Reader) error {
	_, err := decode(r, false)
	return err
}

func decode(r io.Reader, materialize bool) (*Bundle, error) {
	cr := &countingReader{r: r}
	br := &byteReader{r: cr}

	version := br.readByte()
	if br.err == nil && version > CurrentVersion {
		return nil, fmt.Errorf("%w: version %d at offset %d", ErrFormatVersionUnsupported, version, cr.n)
	}

	b := &Bundle{}
	nodeType := readQName(br)
	if materialize {
		b.NodeTypeName = nodeType
	}

	parentPresent := br.readByte()
	if parentPresent == 1 {
		pidBytes := br.readN(16)
		if materialize && br.err == nil {
			pid, err := nodeid.FromBytes(pidBytes)
			if err != nil {
				br.fail(err)
			} else {
				b.ParentID = pid
				b.HasParent = true
			}
		}
	}

	br.readN(16) // definitionId: legacy, ignored

	mixinCount := br.readUvarint()
	for i := uint64(0); i < mixinCount && br.err == nil; i++ {
		m := readQName(br)
		if materialize {
			b.MixinTypeNames = append(b.MixinTypeNames, m)
		}
	}

	if err := decodeProperties(br, b, materialize); err != nil {
		return nil, wrapDecodeErr(err, cr.n)
	}

	childCount := br.readUvarint()
	for i := uint64(0); i < childCount && br.err == nil; i++ {
		name := readQName(br)
		idBytes := br.readN(16)
		if materialize && br.err == nil {
			id, err := nodeid.FromBytes(idBytes)
			if err != nil {
				br.fail(err)
			} else {
				b.ChildEntries = append(b.ChildEntries, ChildEntry{Name: name, ID: id})
			}
		}
	}

	referenceable := br.readBool()
	modCount := br.readUint16()
	if materialize {
		b.Referenceable = referenceable
		b.ModCount = modCount
	}

	if br.err != nil {
		return nil, wrapDecodeErr(br.err, cr.n)
	}
	return b, nil
}

func decodeProperties(br *byteReader, b *Bundle, materialize bool) error {
	for br.err == nil {
		name := readQName(br)
		if br.err != nil {
			return br.err
		}
		if name.isTerminator() {
			return nil
		}

		ptype := PropertyType(br.readByte())
		multi := br.readBool()
		modCount := br.readUint16()
		count := br.readUvarint()
		if br.err != nil {
			return br.err
		}

		values := make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			v, err := decodeValue(br, ptype)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		if br.err != nil {
			return br.err
		}

		if materialize {
			b.Properties = append(b.Properties, PropertyEntry{
				Name:        name,
				Type:        ptype,
				MultiValued: multi,
				ModCount:    modCount,
				Values:      values,
			})
		}
	}
	return br.err
}

func decodeValue(br *byteReader, t PropertyType) (Value, error) {
	switch t {
	case TypeString, TypeName, TypePath, TypeURI, TypeReference, TypeWeakReference, TypeDecimal, TypeDate:
		n := br.readUvarint()
		buf := br.readN(int(n))
		if br.err != nil {
			return Value{}, br.err
		}
		return Value{Text: string(buf)}, nil
	case TypeLong:
		return Value{Long: int64(br.readUint64())}, br.err
	case TypeDouble:
		return Value{Double: math.Float64frombits(br.readUint64())}, br.err
	case TypeBoolean:
		return Value{Bool: br.readBool()}, br.err
	case TypeBinary:
		return decodeBinary(br)
	default:
		return Value{}, fmt.Errorf("%w: unknown property type %d", ErrDecoding, uint8(t))
	}
}

func decodeBinary(br *byteReader) (Value, error) {
	length := br.readVarint()
	if br.err != nil {
		return Value{}, br.err
	}
	if length < 0 {
		buf := br.readN(int(-length))
		if br.err != nil {
			return Value{}, br.err
		}
		return Value{BlobID: string(buf)}, nil
	}
	buf := br.readN(int(length))
	if br.err != nil {
		return Value{}, br.err
	}
	return Value{Binary: buf}, nil
}

func readQName(br *byteReader) QName {
	ns := br.readUvarint()
	name := br.readUvarint()
	return QName{Namespace: uint32(ns), Name: uint32(name)}
}

func wrapDecodeErr(err error, offset int64) error {
	if errors.Is(err, ErrFormatVersionUnsupported) {
		return err
	}
	return fmt.Errorf("%w: at offset %d: %v", ErrDecoding, offset, err)
}

// --- low-level byte-oriented helpers -------------------------------

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type byteReader struct {
	r   io.Reader
	err error
}

func (r *byteReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *byteReader) readN(n int) []byte {
	if r.err != nil || n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.fail(fmt.Errorf("read %d bytes: %w", n, err))
		return nil
	}
	return buf
}

func (r *byteReader) readByte() byte {
	b := r.readN(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) readBool() bool {
	return r.readByte() != 0
}

func (r *byteReader) readUint16() uint16 {
	b := r.readN(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) readUint64() uint64 {
	b := r.readN(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *byteReader) readUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(&byteByByteReader{r.r})
	if err != nil {
		r.fail(fmt.Errorf("read varint: %w", err))
		return 0
	}
	return v
}

func (r *byteReader) readVarint() int64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(&byteByByteReader{r.r})
	if err != nil {
		r.fail(fmt.Errorf("read signed varint: %w", err))
		return 0
	}
	return v
}

// byteByByteReader adapts an io.Reader to io.ByteReader one byte at a
// time, which is all binary.ReadUvarint/ReadVarint require.
type byteByByteReader struct {
	r io.Reader
}

func (b *byteByByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

type byteWriter struct {
	w   io.Writer
	err error
}

func (w *byteWriter) writeBytes(b []byte) {
	if w.err != nil || len(b) == 0 {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *byteWriter) writeByte(b byte) {
	w.writeBytes([]byte{b})
}

func (w *byteWriter) writeBool(b bool) {
	if b {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}
}

func (w *byteWriter) writeUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.writeBytes(buf[:])
}

func (w *byteWriter) writeUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.writeBytes(buf[:])
}

func (w *byteWriter) writeUvarint(v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	w.writeBytes(buf[:n])
}

func (w *byteWriter) writeVarint(v int64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	w.writeBytes(buf[:n])
}

// EncodeToBytes is a convenience wrapper for call sites that just want
// a []byte (the common case for a store writing one bundle column).
func EncodeToBytes(b *Bundle, minBlobSize int, blobs BlobStore) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b, minBlobSize, blobs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
