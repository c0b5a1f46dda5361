package container

import (
	"io"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// Document is a streaming reader over one document's block chain. It
// implements io.Reader, fetching the next block lazily so that
// extracting a large entry never holds more than one block in memory.
type Document struct {
	Size int64

	src        io.ReaderAt
	pending    []byte
	remaining  int64
	nextOffset int64
	done       bool
}

// ReadDocument opens the document whose first block starts at offset.
func ReadDocument(src io.ReaderAt, offset int64) (*Document, error) {
	first, err := readBlock(src, offset, -1)
	if err != nil {
		return nil, err
	}
	d := &Document{
		Size:       first.docSize,
		src:        src,
		pending:    first.data,
		remaining:  first.docSize - int64(len(first.data)),
		nextOffset: first.nextBlockOffset,
	}
	if d.remaining <= 0 || d.nextOffset < 0 {
		d.done = true
	}
	return d, nil
}

func (d *Document) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		if d.done {
			return 0, io.EOF
		}
		blk, err := readBlock(d.src, d.nextOffset, d.remaining)
		if err != nil {
			return 0, err
		}
		d.remaining -= int64(len(blk.data))
		d.pending = blk.data
		d.nextOffset = blk.nextBlockOffset
		if d.remaining <= 0 || d.nextOffset < 0 {
			d.done = true
		}
		if len(d.pending) == 0 {
			if !d.done {
				return 0, dtoolserr.New(dtoolserr.Corrupt, "document: block chain ended before document size was reached")
			}
			return 0, io.EOF
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// ReadAll reads a document fully into memory.
func ReadAll(src io.ReaderAt, offset int64) ([]byte, error) {
	doc, err := ReadDocument(src, offset)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(doc)
	if err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "read document", err)
	}
	return buf, nil
}
