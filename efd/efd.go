// Package efd reads EFD supply packages: a raw-DEFLATE-compressed
// catalog of embedded installable files, used to ship configuration or
// external-data-processor bundles outside of a container archive.
//
// Unlike dbformat and container, a Supply buffers its entire inflated
// contents in memory. An EFD package is a bounded installer payload,
// not something a server streams indefinitely, so this mirrors the
// reference implementation's own full-buffering approach.
package efd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// SupplyInfo describes one localized entry of the supply package's
// description table.
type SupplyInfo struct {
	Language        string
	SupplyName      string
	ProviderName    string
	DescriptionPath string
}

// FileEntry is one file embedded in the supply package.
type FileEntry struct {
	// Path has already been translated from the on-disk Windows-style
	// backslash separator to the host's filepath separator.
	Path     string
	Modified time.Time
	Size     uint32

	offset int64
}

// Supply is a fully-parsed, in-memory EFD package.
type Supply struct {
	Descriptions []SupplyInfo
	Files        []FileEntry

	data []byte
}

// Open inflates r (raw DEFLATE, no zlib header) and parses the supply
// description and included-file tables.
func Open(r io.Reader) (*Supply, error) {
	fr := flate.NewReader(r)
	defer fr.Close()

	data, err := io.ReadAll(fr)
	if err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "inflate supply package", err)
	}

	p := &parser{buf: data}

	header, err := p.readU32()
	if err != nil {
		return nil, err
	}
	if header != 1 {
		return nil, dtoolserr.New(dtoolserr.UnsupportedVersion, fmt.Sprintf("supply package: unknown header %d", header))
	}

	supplyInfoCount, err := p.readU32()
	if err != nil {
		return nil, err
	}
	descriptions := make([]SupplyInfo, supplyInfoCount)
	for i := range descriptions {
		info, err := p.readSupplyInfo()
		if err != nil {
			return nil, err
		}
		descriptions[i] = info
	}

	includedFileCount, err := p.readU32()
	if err != nil {
		return nil, err
	}
	files := make([]FileEntry, includedFileCount)
	for i := range files {
		f, err := p.readIncludedFileInfo()
		if err != nil {
			return nil, err
		}
		files[i] = f
	}

	// File payloads follow the catalog, concatenated in table order.
	for i := range files {
		files[i].offset = int64(p.pos)
		if p.pos+int(files[i].Size) > len(p.buf) {
			return nil, dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("supply package: file %q payload exceeds buffer", files[i].Path))
		}
		p.pos += int(files[i].Size)
	}

	return &Supply{Descriptions: descriptions, Files: files, data: data}, nil
}

// Open returns a reader positioned at name's payload bytes. name is
// matched against the (already separator-translated) FileEntry.Path.
func (s *Supply) Open(name string) (io.Reader, error) {
	for _, f := range s.Files {
		if f.Path == name {
			return bytes.NewReader(s.data[f.offset : f.offset+int64(f.Size)]), nil
		}
	}
	return nil, dtoolserr.New(dtoolserr.Key, fmt.Sprintf("supply package: no such file %q", name))
}

// parser walks the inflated buffer sequentially.
type parser struct {
	buf []byte
	pos int
}

func (p *parser) take(n int) ([]byte, error) {
	if p.pos+n > len(p.buf) {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "supply package: truncated")
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *parser) readU32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *parser) readU64() (uint64, error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readString reads a u32 character count followed by that many UTF-16LE
// characters, reusing the shared primitive codec rather than
// implementing its own UTF-16 decoding.
func (p *parser) readString() (string, error) {
	n, err := p.readU32()
	if err != nil {
		return "", err
	}
	b, err := p.take(int(n) * 2)
	if err != nil {
		return "", err
	}
	return codec.DecodeUTF16LE(b)
}

func (p *parser) readSupplyInfo() (SupplyInfo, error) {
	if _, err := p.take(4); err != nil { // purpose unknown, skipped
		return SupplyInfo{}, err
	}
	lang, err := p.readString()
	if err != nil {
		return SupplyInfo{}, err
	}
	supplyName, err := p.readString()
	if err != nil {
		return SupplyInfo{}, err
	}
	providerName, err := p.readString()
	if err != nil {
		return SupplyInfo{}, err
	}
	descriptionPath, err := p.readString()
	if err != nil {
		return SupplyInfo{}, err
	}
	return SupplyInfo{
		Language:        lang,
		SupplyName:      supplyName,
		ProviderName:    providerName,
		DescriptionPath: descriptionPath,
	}, nil
}

func (p *parser) readIncludedFileInfo() (FileEntry, error) {
	if _, err := p.take(4); err != nil { // purpose unknown, skipped
		return FileEntry{}, err
	}
	rawPath, err := p.readString()
	if err != nil {
		return FileEntry{}, err
	}
	filetime, err := p.readU64()
	if err != nil {
		return FileEntry{}, err
	}
	if _, err := p.take(4); err != nil { // purpose unknown, skipped
		return FileEntry{}, err
	}
	size, err := p.readU32()
	if err != nil {
		return FileEntry{}, err
	}

	return FileEntry{
		Path:     translatePath(rawPath),
		Modified: codec.DecodeFILETIME(filetime),
		Size:     size,
	}, nil
}

func translatePath(windows string) string {
	parts := strings.Split(windows, `\`)
	return filepath.Join(parts...)
}
