package container

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/slices"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// tocEntry records the pair of document offsets written for one AddFile
// call, pending a final write of the table of contents on Close.
type tocEntry struct {
	attrOffset int64
	dataOffset int64
}

// Writer builds a container archive onto sink, one file at a time. The
// zero value is not usable; construct one with NewWriter.
type Writer struct {
	sink io.WriteSeeker
	toc  []tocEntry
}

// NewWriter writes the container header and an empty first block, then
// returns a Writer ready to accept files via AddFile. sink must be
// empty.
func NewWriter(sink io.WriteSeeker) (*Writer, error) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(endMarker))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(defaultBlockSize))
	if _, err := sink.Write(hdr); err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "write container header", err)
	}
	if _, err := sink.Write(make([]byte, defaultBlockSize+blockHeaderSize)); err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "write reserved first block", err)
	}
	return &Writer{sink: sink}, nil
}

// blockWriteOptions mirrors the keyword-argument defaults the reference
// writer applies to each block write.
type blockWriteOptions struct {
	size            int64 // -1: use len(data)
	offset          int64 // -1: append at current end of sink
	blockSize       int64 // -1: max(defaultBlockSize, size)
	nextBlockOffset int64 // defaults to endMarker's "no next block" sentinel
}

func defaultBlockWriteOptions() blockWriteOptions {
	return blockWriteOptions{size: -1, offset: -1, blockSize: -1, nextBlockOffset: int64(endMarker)}
}

func (w *Writer) sinkSize() (int64, error) {
	cur, err := w.sink.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := w.sink.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := w.sink.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// writeBlock writes one header-framed block containing data, returning
// the offset the block was written at.
func (w *Writer) writeBlock(data []byte, opts blockWriteOptions) (int64, error) {
	size := opts.size
	if size < 0 {
		size = int64(len(data))
	}
	offset := opts.offset
	if offset < 0 {
		end, err := w.sinkSize()
		if err != nil {
			return 0, dtoolserr.Wrap(dtoolserr.IO, "locate end of container", err)
		}
		offset = end
	}
	blockSize := opts.blockSize
	if blockSize < 0 {
		blockSize = defaultBlockSize
		if size > blockSize {
			blockSize = size
		}
	}

	if _, err := w.sink.Seek(offset, io.SeekStart); err != nil {
		return 0, dtoolserr.Wrap(dtoolserr.IO, "seek to block offset", err)
	}
	header := formatBlockHeader(size, blockSize, opts.nextBlockOffset)
	if _, err := w.sink.Write(header); err != nil {
		return 0, dtoolserr.Wrap(dtoolserr.IO, "write block header", err)
	}
	if _, err := w.sink.Write(data); err != nil {
		return 0, dtoolserr.Wrap(dtoolserr.IO, "write block payload", err)
	}
	if pad := blockSize - int64(len(data)); pad > 0 {
		if _, err := w.sink.Write(make([]byte, pad)); err != nil {
			return 0, dtoolserr.Wrap(dtoolserr.IO, "pad block payload", err)
		}
	}
	return offset, nil
}

func formatBlockHeader(size, blockSize, nextBlockOffset int64) []byte {
	h := make([]byte, blockHeaderSize)
	h[0], h[1] = '\r', '\n'
	copy(h[2:10], hex8(size))
	h[10] = ' '
	copy(h[11:19], hex8(blockSize))
	h[19] = ' '
	copy(h[20:28], hex8(nextBlockOffset))
	h[28] = ' '
	h[29], h[30] = '\r', '\n'
	return h
}

func hex8(v int64) []byte {
	const digits = "0123456789abcdef"
	out := make([]byte, 8)
	u := uint32(v)
	for i := 7; i >= 0; i-- {
		out[i] = digits[u&0xf]
		u >>= 4
	}
	return out
}

// AddFile writes an attribute document and a data document for one
// entry and records it in the table of contents. If deflate is true,
// data is compressed as raw DEFLATE before being stored, matching the
// reference writer's inflate flag.
func (w *Writer) AddFile(name string, data []byte, created, modified uint64, deflate bool) error {
	nameBytes, err := codec.EncodeUTF16LE(name)
	if err != nil {
		return err
	}
	attrBuf := make([]byte, 8+8+4+len(nameBytes)+4)
	binary.LittleEndian.PutUint64(attrBuf[0:8], created)
	binary.LittleEndian.PutUint64(attrBuf[8:16], modified)
	copy(attrBuf[20:], nameBytes)

	attrOffset, err := w.writeBlock(attrBuf, defaultBlockWriteOptions())
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "write entry attributes", err)
	}

	payload := data
	if deflate {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "create deflate writer", err)
		}
		if _, err := fw.Write(data); err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "compress entry data", err)
		}
		if err := fw.Close(); err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "flush deflate writer", err)
		}
		payload = buf.Bytes()
	}

	dataOffset, err := w.writeBlock(payload, defaultBlockWriteOptions())
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "write entry data", err)
	}

	w.toc = append(w.toc, tocEntry{attrOffset: attrOffset, dataOffset: dataOffset})
	return nil
}

// Close writes the table of contents, chaining it across as many
// blocks as needed, and must be called exactly once after every
// AddFile call.
func (w *Writer) Close() error {
	if len(w.toc) == 0 {
		return dtoolserr.New(dtoolserr.Empty, "container has no entries")
	}

	var raw bytes.Buffer
	for _, e := range w.toc {
		var rec [12]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(e.attrOffset))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(e.dataOffset))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(endMarker))
		raw.Write(rec[:])
	}

	size := int64(raw.Len())
	totalBlocks := size/defaultBlockSize + 1
	body := raw.Bytes()

	if totalBlocks == 1 {
		opts := defaultBlockWriteOptions()
		opts.size = size
		opts.offset = headerSize
		if _, err := w.writeBlock(body, opts); err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "write table of contents", err)
		}
		return nil
	}

	// nextChunk mirrors the reference writer reading DEFAULT_BLOCK_SIZE
	// bytes at a time from the assembled TOC buffer: once body runs dry
	// it keeps yielding empty chunks, which is what produces the
	// trailing empty terminator block below.
	nextChunk := func() []byte {
		n := int64(len(body))
		if n > defaultBlockSize {
			n = defaultBlockSize
		}
		c := body[:n]
		body = body[n:]
		return c
	}

	nextBlockOffset, err := w.sinkSize()
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "locate end of container", err)
	}

	opts := defaultBlockWriteOptions()
	opts.size = size
	opts.offset = headerSize
	opts.nextBlockOffset = nextBlockOffset
	opts.blockSize = defaultBlockSize
	if _, err := w.writeBlock(nextChunk(), opts); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "write table of contents head block", err)
	}

	for i := int64(1); i < totalBlocks; i++ {
		nextBlockOffset += defaultBlockSize + blockHeaderSize
		opts := defaultBlockWriteOptions()
		opts.size = 0
		opts.nextBlockOffset = nextBlockOffset
		if _, err := w.writeBlock(nextChunk(), opts); err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "write table of contents chain block", err)
		}
	}

	// Trailing terminator block: empty payload, no further next offset.
	if _, err := w.writeBlock(nextChunk(), defaultBlockWriteOptions()); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "write table of contents terminator block", err)
	}
	return nil
}

// fileTimes extracts the creation and modification timestamps of path
// as container epoch ticks. ctime is used in place of a true creation
// time, since POSIX filesystems don't track one.
func fileTimes(path string) (created, modified uint64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, dtoolserr.Wrap(dtoolserr.IO, "stat file", err)
	}
	modified = codec.EncodeEpoch(info.ModTime())

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		created = codec.EncodeEpoch(time.Unix(st.Ctim.Sec, st.Ctim.Nsec))
	} else {
		created = modified
	}
	return created, modified, nil
}

// Build packs folder (and its subdirectories, recursively, as nested
// containers) into a newly created container at sink. Top-level and
// nested directory entries are sorted lexically so repeated builds are
// reproducible.
func Build(sink io.WriteSeeker, folder string) error {
	w, err := NewWriter(sink)
	if err != nil {
		return err
	}
	if err := addEntries(w, folder, false); err != nil {
		return err
	}
	return w.Close()
}

// addEntries recurses into folder's children, nested indicating whether
// folder itself was added as a sub-container of some parent. Entries
// are stored compressed at the top level and uncompressed when nested,
// matching the on-disk policy of the platform's own writer.
func addEntries(w *Writer, folder string, nested bool) error {
	dirEntries, err := os.ReadDir(folder)
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "list directory", err)
	}
	names := make([]string, len(dirEntries))
	for i, e := range dirEntries {
		names[i] = e.Name()
	}
	slices.SortFunc(names, func(a, b string) bool { return a < b })

	compress := !nested
	for _, name := range names {
		entryPath := filepath.Join(folder, name)
		info, err := os.Stat(entryPath)
		if err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "stat entry", err)
		}

		created, modified, err := fileTimes(entryPath)
		if err != nil {
			return err
		}

		if info.IsDir() {
			var ws writerseeker.WriterSeeker
			nestedWriter, err := NewWriter(&ws)
			if err != nil {
				return err
			}
			if err := addEntries(nestedWriter, entryPath, true); err != nil {
				return err
			}
			if err := nestedWriter.Close(); err != nil {
				return err
			}
			data, err := io.ReadAll(ws.Reader())
			if err != nil {
				return dtoolserr.Wrap(dtoolserr.IO, "read nested container buffer", err)
			}
			if err := w.AddFile(name, data, created, modified, compress); err != nil {
				return err
			}
			continue
		}

		data, err := os.ReadFile(entryPath)
		if err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "read entry file", err)
		}
		if err := w.AddFile(name, data, created, modified, compress); err != nil {
			return err
		}
	}
	return nil
}
