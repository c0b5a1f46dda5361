package dbformat

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// BlobChunkSize is the fixed size of a single BLOB chain record: a u32
// next-chunk index, an i16 payload size, and a 250-byte payload.
const BlobChunkSize = 256

// BlobReader walks a BLOB chain stored inside a paged object. The
// chain is addressed by chunk index, not byte offset, and chunk index
// order on disk is not guaranteed to be monotonically increasing: a
// chunk's next-chunk field may point backward. Every chunk is reached
// by an absolute seek, so that reordering never confuses the walk.
type BlobReader struct {
	src        io.ReaderAt
	version    Version
	pageSize   uint32
	blobOffset uint32
	firstChunk uint32
	zeroSize   bool
}

// NewBlobReader builds a reader over the BLOB object whose first page
// is at blobOffset, starting at chunk index firstChunk. totalSize is
// the field's declared byte size; a value of zero means the field
// holds no data and the chain is never walked: Chunks then yields a
// single empty payload.
func NewBlobReader(src io.ReaderAt, version Version, pageSize uint32, totalSize uint32, blobOffset uint32, firstChunk uint32) *BlobReader {
	return &BlobReader{
		src: src, version: version, pageSize: pageSize,
		blobOffset: blobOffset, firstChunk: firstChunk, zeroSize: totalSize == 0,
	}
}

// BlobChunkIter yields one BLOB chunk's payload at a time.
type BlobChunkIter struct {
	obj       Object
	next      uint32
	done      bool
	empty     bool
	visited   uint64
	maxChunks uint64
}

// Chunks opens the BLOB's backing object and positions an iterator at
// the reader's first chunk. The walk is bounded by the backing
// object's size in chunks, so a corrupt cyclic chain terminates with a
// Corrupt error instead of looping forever.
func (b *BlobReader) Chunks() (*BlobChunkIter, error) {
	if b.zeroSize {
		return &BlobChunkIter{empty: true}, nil
	}
	obj, err := OpenObject(b.src, b.version, b.pageSize, b.blobOffset)
	if err != nil {
		return nil, err
	}
	maxChunks := obj.Len()/BlobChunkSize + 1
	return &BlobChunkIter{obj: obj, next: b.firstChunk, maxChunks: maxChunks}, nil
}

// Next returns the next chunk's payload. ok is false once the chain is
// exhausted.
func (it *BlobChunkIter) Next() (payload []byte, ok bool, err error) {
	if it.empty {
		it.empty, it.done = false, true
		return []byte{}, true, nil
	}
	if it.done {
		return nil, false, nil
	}
	if it.visited >= it.maxChunks {
		return nil, false, dtoolserr.New(dtoolserr.Corrupt, "blob: chain exceeds object size, likely cyclic")
	}
	it.visited++

	if _, err := it.obj.Seek(int64(it.next)*BlobChunkSize, io.SeekStart); err != nil {
		return nil, false, dtoolserr.Wrap(dtoolserr.Corrupt, "blob: seek chunk", err)
	}
	record := make([]byte, BlobChunkSize)
	if _, err := io.ReadFull(it.obj, record); err != nil {
		return nil, false, dtoolserr.Wrap(dtoolserr.Corrupt, "blob: read chunk", err)
	}

	nextChunk := binary.LittleEndian.Uint32(record[0:4])
	size := int16(binary.LittleEndian.Uint16(record[4:6]))
	if size < 0 || size > 250 {
		return nil, false, dtoolserr.New(dtoolserr.Corrupt, "blob: invalid chunk payload size")
	}

	payload = record[6 : 6+size]
	if nextChunk == 0 {
		it.done = true
	} else {
		it.next = nextChunk
	}
	return payload, true, nil
}

// ReadAll concatenates every chunk's payload.
func (b *BlobReader) ReadAll() ([]byte, error) {
	it, err := b.Chunks()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		payload, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

// Text reads the whole BLOB and decodes it as UTF-16LE, for NT fields.
func (b *BlobReader) Text() (string, error) {
	raw, err := b.ReadAll()
	if err != nil {
		return "", err
	}
	return codec.DecodeUTF16LE(raw)
}
