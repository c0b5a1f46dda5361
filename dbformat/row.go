package dbformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// ValueKind discriminates the decoded payload a Value carries.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBytes
	KindBool
	KindNumeric
	KindString
	KindDateTime
	KindRowVersion
	KindBlobRef
)

// Value is a tagged union over every field type's decoded form.
type Value struct {
	Kind    ValueKind
	Bytes   []byte
	Bool    bool
	Numeric *big.Rat
	Str     string
	Time    *time.Time
	BlobRef *BlobRef
}

// BlobRef is a lazily-materialized reference to an NT or I field's
// BLOB chain. Field decoding never walks the chain itself; callers
// that need the content call ReadAll, Text, or Chunks explicitly.
type BlobRef struct {
	reader *BlobReader
	Size   uint32
}

// Chunks starts a chunk-by-chunk walk of the referenced BLOB.
func (r *BlobRef) Chunks() (*BlobChunkIter, error) { return r.reader.Chunks() }

// ReadAll materializes the entire BLOB.
func (r *BlobRef) ReadAll() ([]byte, error) { return r.reader.ReadAll() }

// Text materializes the BLOB and decodes it as UTF-16LE, for NT fields.
func (r *BlobRef) Text() (string, error) { return r.reader.Text() }

// Row is one decoded database row: its raw bytes plus enough context
// to lazily decode fields and, for NT/I fields, their BLOBs.
type Row struct {
	raw        []byte
	schema     *TableSchema
	src        io.ReaderAt
	version    Version
	pageSize   uint32
	blobOffset uint32
	cache      map[string]Value
}

func newRow(raw []byte, schema *TableSchema, src io.ReaderAt, version Version, pageSize uint32, blobOffset uint32) *Row {
	return &Row{
		raw: raw, schema: schema, src: src, version: version,
		pageSize: pageSize, blobOffset: blobOffset, cache: make(map[string]Value),
	}
}

// IsFree reports whether this row is a deleted/free slot (status byte
// 0x01), in which case every field decodes as KindNull.
func (r *Row) IsFree() bool {
	return len(r.raw) > 0 && r.raw[0] == 0x01
}

// Field decodes and returns the named field's value, caching the
// result for subsequent lookups.
func (r *Row) Field(name string) (Value, error) {
	field, ok := r.schema.Field(name)
	if !ok {
		return Value{}, dtoolserr.New(dtoolserr.Key, fmt.Sprintf("unknown field %q", name))
	}
	if r.IsFree() {
		return Value{Kind: KindNull}, nil
	}
	if v, ok := r.cache[name]; ok {
		return v, nil
	}

	end := field.DataOffset + field.DataLength
	if end > len(r.raw) {
		return Value{}, dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("field %q extends past row bounds", name))
	}
	raw := r.raw[field.DataOffset:end]

	v, err := r.decode(raw, field)
	if err != nil {
		return Value{}, err
	}
	r.cache[name] = v
	return v, nil
}

func (r *Row) decode(raw []byte, field FieldDescription) (Value, error) {
	if field.NullExists {
		if raw[0] == 0x00 {
			return Value{Kind: KindNull}, nil
		}
		raw = raw[1:]
	}

	switch field.Type {
	case FieldBinary:
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), raw...)}, nil
	case FieldBoolean:
		return Value{Kind: KindBool, Bool: raw[0] != 0}, nil
	case FieldNumeric:
		rat, err := codec.DecodeNumeric(raw, field.Length, field.Precision)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindNumeric, Numeric: rat}, nil
	case FieldString:
		s, err := codec.DecodeUTF16LE(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: s}, nil
	case FieldStringVar:
		s, err := codec.DecodeNVC(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: s}, nil
	case FieldRowVer:
		a := int32(binary.LittleEndian.Uint32(raw[0:4]))
		b := int32(binary.LittleEndian.Uint32(raw[4:8]))
		c := int32(binary.LittleEndian.Uint32(raw[8:12]))
		d := int32(binary.LittleEndian.Uint32(raw[12:16]))
		return Value{Kind: KindRowVersion, Str: fmt.Sprintf("%d.%d.%d.%d", a, b, c, d)}, nil
	case FieldText, FieldImage:
		firstChunk := binary.LittleEndian.Uint32(raw[0:4])
		totalSize := binary.LittleEndian.Uint32(raw[4:8])
		br := NewBlobReader(r.src, r.version, r.pageSize, totalSize, r.blobOffset, firstChunk)
		return Value{Kind: KindBlobRef, BlobRef: &BlobRef{reader: br, Size: totalSize}}, nil
	case FieldDateTime:
		t, err := codec.DecodeDT(raw)
		if err != nil {
			return Value{}, err
		}
		if t == nil {
			return Value{Kind: KindNull}, nil
		}
		return Value{Kind: KindDateTime, Time: t}, nil
	default:
		return Value{}, dtoolserr.New(dtoolserr.Schema, fmt.Sprintf("unknown field type %q", field.Type))
	}
}
