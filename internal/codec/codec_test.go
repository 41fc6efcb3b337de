package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bundlestore/internal/nodeid"
)

// fakeBlobs is a minimal in-memory BlobStore for exercising the
// externalization path without a real blob store package.
type fakeBlobs struct {
	put map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{put: make(map[string][]byte)} }

func (f *fakeBlobs) CreateID(parentID nodeid.ID, ns, name uint32, valueIndex int) string {
	return parentID.Hex() + ".external"
}

func (f *fakeBlobs) Put(id string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.put[id] = cp
	return nil
}

func sampleBundle() *Bundle {
	id := nodeid.MustParse("01234567-89ab-cdef-fedc-ba9876543210")
	parent := nodeid.MustParse("00000000-0000-0000-0000-000000000001")
	child := nodeid.MustParse("00000000-0000-0000-0000-000000000002")

	return &Bundle{
		ID:             id,
		ParentID:       parent,
		HasParent:      true,
		NodeTypeName:   QName{Namespace: 1, Name: 2},
		MixinTypeNames: []QName{{Namespace: 1, Name: 3}},
		Properties: []PropertyEntry{
			{
				Name:     QName{Namespace: 1, Name: 4},
				Type:     TypeString,
				ModCount: 1,
				Values:   []Value{{Text: "hello"}},
			},
			{
				Name:        QName{Namespace: 1, Name: 5},
				Type:        TypeLong,
				MultiValued: true,
				ModCount:    2,
				Values:      []Value{{Long: 7}, {Long: -3}},
			},
			{
				Name:     QName{Namespace: 1, Name: 6},
				Type:     TypeBoolean,
				ModCount: 0,
				Values:   []Value{{Bool: true}},
			},
			{
				Name:     QName{Namespace: 1, Name: 7},
				Type:     TypeDouble,
				ModCount: 0,
				Values:   []Value{{Double: 3.5}},
			},
		},
		ChildEntries: []ChildEntry{
			{Name: QName{Namespace: 1, Name: 8}, ID: child},
		},
		Referenceable: true,
		ModCount:      4,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := sampleBundle()
	blobs := newFakeBlobs()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1<<20, blobs))

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, b.NodeTypeName, got.NodeTypeName)
	assert.Equal(t, b.ParentID, got.ParentID)
	assert.True(t, got.HasParent)
	assert.Equal(t, b.MixinTypeNames, got.MixinTypeNames)
	assert.Equal(t, b.ChildEntries, got.ChildEntries)
	assert.Equal(t, b.Referenceable, got.Referenceable)
	assert.Equal(t, b.ModCount, got.ModCount)
	require.Len(t, got.Properties, len(b.Properties))
	for i := range b.Properties {
		assert.Equal(t, b.Properties[i], got.Properties[i])
	}
	assert.Empty(t, blobs.put, "no value crossed the externalization threshold")
}

func TestEncodeDecodeNoParent(t *testing.T) {
	b := sampleBundle()
	b.HasParent = false
	b.ParentID = nodeid.ID{}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1<<20, newFakeBlobs()))

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.False(t, got.HasParent)
}

func TestBinaryExternalization(t *testing.T) {
	small := bytes.Repeat([]byte{0xab}, 8)
	large := bytes.Repeat([]byte{0xcd}, 64)

	b := sampleBundle()
	b.Properties = []PropertyEntry{
		{
			Name:   QName{Namespace: 1, Name: 9},
			Type:   TypeBinary,
			Values: []Value{{Binary: small}, {Binary: large}},
		},
	}

	blobs := newFakeBlobs()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 32, blobs))

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, got.Properties, 1)
	values := got.Properties[0].Values
	require.Len(t, values, 2)

	assert.Equal(t, small, values[0].Binary)
	assert.Empty(t, values[0].BlobID)

	assert.Nil(t, values[1].Binary)
	require.NotEmpty(t, values[1].BlobID)
	assert.Equal(t, large, blobs.put[values[1].BlobID])
}

func TestBinaryPassthroughExistingBlobID(t *testing.T) {
	b := sampleBundle()
	b.Properties = []PropertyEntry{
		{
			Name:   QName{Namespace: 1, Name: 9},
			Type:   TypeBinary,
			Values: []Value{{BlobID: "already-external.0"}},
		},
	}

	blobs := newFakeBlobs()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1, blobs))
	assert.Empty(t, blobs.put, "a pre-externalized value must not be re-Put")

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "already-external.0", got.Properties[0].Values[0].BlobID)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	b := sampleBundle()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1<<20, newFakeBlobs()))

	raw := buf.Bytes()
	raw[0] = CurrentVersion + 1

	_, err := Decode(bytes.NewReader(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatVersionUnsupported)
}

func TestDecodeTruncatedStreamFails(t *testing.T) {
	b := sampleBundle()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1<<20, newFakeBlobs()))

	truncated := buf.Bytes()[:len(buf.Bytes())/2]
	_, err := Decode(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecoding)
}

func TestCheckReportsSameFailureAsDecode(t *testing.T) {
	b := sampleBundle()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b, 1<<20, newFakeBlobs()))

	truncated := buf.Bytes()[:len(buf.Bytes())/2]
	err := Check(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecoding)
}

func TestPropertyNameZeroRejectedAtEncode(t *testing.T) {
	b := sampleBundle()
	b.Properties = []PropertyEntry{
		{Name: QName{Namespace: 1, Name: 0}, Type: TypeBoolean, Values: []Value{{Bool: true}}},
	}
	var buf bytes.Buffer
	err := Encode(&buf, b, 1<<20, newFakeBlobs())
	require.Error(t, err)
}
