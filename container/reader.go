package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// Entry is one table-of-contents entry: the name, size and timestamps
// read from its attribute document, plus the offset of its data
// document.
type Entry struct {
	Name     string
	Size     int64
	Created  time.Time
	Modified time.Time

	dataOffset int64
}

// Open reads a document's data as a stream.
func (e *Entry) Open(src io.ReaderAt) (*Document, error) {
	return ReadDocument(src, e.dataOffset)
}

// Reader is an opened container: its header and its table of contents.
type Reader struct {
	src     io.ReaderAt
	Header  Header
	Entries map[string]*Entry
	// Order preserves the table-of-contents order, since Entries is a
	// map and Go map iteration order is unspecified.
	Order []string
}

// Open parses a container's header and table of contents.
func Open(src io.ReaderAt) (*Reader, error) {
	hdr, err := ReadHeader(src)
	if err != nil {
		return nil, err
	}
	entries, order, err := readEntries(src)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, Header: hdr, Entries: entries, Order: order}, nil
}

func readEntries(src io.ReaderAt) (map[string]*Entry, []string, error) {
	raw, err := ReadAll(src, headerSize)
	if err != nil {
		return nil, nil, xerrors.Errorf("read table of contents: %w", err)
	}

	sep := make([]byte, 4)
	binary.LittleEndian.PutUint32(sep, uint32(endMarker))
	parts := bytes.Split(raw, sep)
	if len(parts) == 0 {
		return nil, nil, dtoolserr.New(dtoolserr.Corrupt, "table of contents: missing terminator")
	}
	parts = parts[:len(parts)-1] // trailing element after the last terminator is always empty

	entries := make(map[string]*Entry, len(parts))
	order := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) != 8 {
			return nil, nil, dtoolserr.New(dtoolserr.Corrupt, "table of contents: malformed entry")
		}
		attrOffset := int32(binary.LittleEndian.Uint32(p[0:4]))
		dataOffset := int32(binary.LittleEndian.Uint32(p[4:8]))

		entry, err := readEntryAttributes(src, int64(attrOffset), int64(dataOffset))
		if err != nil {
			return nil, nil, err
		}
		if _, dup := entries[entry.Name]; dup {
			return nil, nil, dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("table of contents: duplicate entry name %q", entry.Name))
		}
		entries[entry.Name] = entry
		order = append(order, entry.Name)
	}
	return entries, order, nil
}

func readEntryAttributes(src io.ReaderAt, attrOffset, dataOffset int64) (*Entry, error) {
	raw, err := ReadAll(src, attrOffset)
	if err != nil {
		return nil, xerrors.Errorf("read entry attributes: %w", err)
	}
	const fixedSize = 8 + 8 + 4
	if len(raw) < fixedSize {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "entry attributes: document too small")
	}

	created := binary.LittleEndian.Uint64(raw[0:8])
	modified := binary.LittleEndian.Uint64(raw[8:16])
	name, err := codec.DecodeName(raw[fixedSize:])
	if err != nil {
		return nil, err
	}

	dataDoc, err := ReadDocument(src, dataOffset)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Name:       name,
		Size:       dataDoc.Size,
		Created:    codec.DecodeEpoch(created),
		Modified:   codec.DecodeEpoch(modified),
		dataOffset: dataOffset,
	}, nil
}

// ExtractOptions controls how Extract materializes entries on disk.
type ExtractOptions struct {
	// Deflate inflates each entry's payload as raw DEFLATE before
	// writing it out.
	Deflate bool
	// Recursive detects nested containers (entries whose decompressed
	// content starts with the container sub-container magic) and
	// extracts them into a directory in place of the file.
	Recursive bool
}

var subContainerMagic = [4]byte{0xFF, 0xFF, 0xFF, 0x7F}

// Extract writes every entry into destDir, which must not exist or
// must be an empty directory.
func (r *Reader) Extract(destDir string, opts ExtractOptions) error {
	if info, err := os.Stat(destDir); err == nil {
		if !info.IsDir() {
			return dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("extract: %s exists and is not a directory", destDir))
		}
		if err := os.Remove(destDir); err != nil {
			return dtoolserr.Wrap(dtoolserr.IO, "remove existing empty extract directory", err)
		}
	} else if !os.IsNotExist(err) {
		return dtoolserr.Wrap(dtoolserr.IO, "stat extract directory", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "create extract directory", err)
	}

	for _, name := range r.Order {
		if err := ExtractEntry(r.src, destDir, r.Entries[name], opts); err != nil {
			return xerrors.Errorf("extract %q: %w", name, err)
		}
	}
	return nil
}

// ExtractEntry extracts a single entry from src into destDir. It takes
// src directly (rather than a *Reader) so that callers fanning
// extraction out across goroutines can supply one independent
// io.ReaderAt per worker without sharing a Reader's cursor.
func ExtractEntry(src io.ReaderAt, destDir string, entry *Entry, opts ExtractOptions) error {
	doc, err := entry.Open(src)
	if err != nil {
		return err
	}

	var payload io.Reader = doc
	if opts.Deflate {
		payload = flate.NewReader(doc)
	}

	path := filepath.Join(destDir, entry.Name)
	if err := writeFileAtomically(path, payload, entry.Modified); err != nil {
		return err
	}

	if !opts.Recursive {
		return nil
	}

	isNested, err := hasSubContainerMagic(path)
	if err != nil {
		return err
	}
	if !isNested {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.Rename(path, tmp); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "rename nested container aside", err)
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "open nested container", err)
	}
	defer f.Close()

	nested, err := Open(f)
	if err != nil {
		return err
	}
	// Nested containers are stored uncompressed by the writer; only the
	// recursion flag carries down, never the caller's deflate choice.
	return nested.Extract(path, ExtractOptions{Recursive: opts.Recursive})
}

func hasSubContainerMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, dtoolserr.Wrap(dtoolserr.IO, "open extracted file", err)
	}
	defer f.Close()

	var buf [4]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, dtoolserr.Wrap(dtoolserr.IO, "read extracted file header", err)
	}
	return n == 4 && buf == subContainerMagic, nil
}

func writeFileAtomically(path string, r io.Reader, modTime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "create parent directory", err)
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "create temp file", err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, r); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "write extracted file", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return dtoolserr.Wrap(dtoolserr.IO, "finalize extracted file", err)
	}
	return os.Chtimes(path, modTime, modTime)
}
