package container

import (
	"io"
	"strconv"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// block is one physical block: a 31-byte ASCII-hex framed header
// followed by up to currentBlockSize bytes of payload.
//
// The header layout is `\r\n` + 8 hex digits (doc size) + ' ' + 8 hex
// digits (current block size) + ' ' + 8 hex digits (next block offset,
// or endMarker for "no next block") + ' ' + `\r\n`.
type block struct {
	docSize          int64
	currentBlockSize int64
	nextBlockOffset  int64 // -1 means "no next block"
	data             []byte
}

func parseHex8(b []byte) (int64, error) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, dtoolserr.Wrap(dtoolserr.Corrupt, "block: malformed hex field", err)
	}
	return int64(v), nil
}

// readBlock reads the block at offset. maxDataLength caps how many
// payload bytes are read; a negative value defaults to
// min(currentBlockSize, docSize), matching a block read with no
// outstanding document budget yet established.
func readBlock(src io.ReaderAt, offset int64, maxDataLength int64) (block, error) {
	hdr := make([]byte, blockHeaderSize)
	if _, err := src.ReadAt(hdr, offset); err != nil {
		return block{}, dtoolserr.Wrap(dtoolserr.IO, "read block header", err)
	}
	if hdr[0] != '\r' || hdr[1] != '\n' || hdr[29] != '\r' || hdr[30] != '\n' {
		return block{}, dtoolserr.New(dtoolserr.Corrupt, "block: bad header framing")
	}
	if hdr[10] != ' ' || hdr[19] != ' ' || hdr[28] != ' ' {
		return block{}, dtoolserr.New(dtoolserr.Corrupt, "block: bad header separators")
	}

	docSize, err := parseHex8(hdr[2:10])
	if err != nil {
		return block{}, err
	}
	blockSize, err := parseHex8(hdr[11:19])
	if err != nil {
		return block{}, err
	}
	nextRaw, err := parseHex8(hdr[20:28])
	if err != nil {
		return block{}, err
	}

	if maxDataLength < 0 {
		maxDataLength = blockSize
		if docSize < maxDataLength {
			maxDataLength = docSize
		}
	}
	readLen := blockSize
	if maxDataLength < readLen {
		readLen = maxDataLength
	}

	data := make([]byte, readLen)
	if readLen > 0 {
		if _, err := src.ReadAt(data, offset+blockHeaderSize); err != nil {
			return block{}, dtoolserr.Wrap(dtoolserr.IO, "read block payload", err)
		}
	}

	next := nextRaw
	if int32(nextRaw) == endMarker {
		next = -1
	}

	return block{docSize: docSize, currentBlockSize: blockSize, nextBlockOffset: next, data: data}, nil
}
