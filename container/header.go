// Package container reads and writes the block-chain container archive
// format: a 16-byte header, documents built from a chain of
// ASCII-hex-framed blocks, and a table of contents mapping entry names
// to document pairs (attributes, data).
package container

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

const (
	endMarker        = int32(math.MaxInt32)
	blockHeaderSize  = 31
	defaultBlockSize = 512
	headerSize       = 16
)

// Header is the container's fixed 16-byte prefix: an optional
// free-block-list head and the default block size new blocks are
// padded to. The two trailing reserved int32 fields have no documented
// meaning: ReadHeader surfaces them in Reserved, NewWriter writes them
// as zero, and nothing else uses them.
type Header struct {
	HasFreeList           bool
	FirstEmptyBlockOffset int32
	DefaultBlockSize      int32
	Reserved              [2]int32
}

// ReadHeader reads the container header. A zero default block size
// means the container is empty.
func ReadHeader(src io.ReaderAt) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return Header{}, dtoolserr.Wrap(dtoolserr.IO, "read container header", err)
	}

	first := int32(binary.LittleEndian.Uint32(buf[0:4]))
	blockSize := int32(binary.LittleEndian.Uint32(buf[4:8]))
	r0 := int32(binary.LittleEndian.Uint32(buf[8:12]))
	r1 := int32(binary.LittleEndian.Uint32(buf[12:16]))

	if blockSize == 0 {
		return Header{}, dtoolserr.New(dtoolserr.Empty, "container is empty")
	}

	h := Header{DefaultBlockSize: blockSize, Reserved: [2]int32{r0, r1}}
	if first != endMarker {
		h.HasFreeList = true
		h.FirstEmptyBlockOffset = first
	}
	return h, nil
}
