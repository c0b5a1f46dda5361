// Package dbformat reads the paged single-file database format: fixed
// size pages addressed through one or two levels of index pages, BLOB
// fields stored as chained 256-byte records, and a schema described by
// a small text grammar stored in the database itself.
package dbformat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// Version identifies which on-disk object layout a database uses.
type Version int

const (
	// VersionLegacy is the "8.2.14.0" layout: fixed 4096-byte pages,
	// a single level of index pages.
	VersionLegacy Version = iota
	// VersionModern is the "8.3.8.0" layout: a configurable page size
	// and a fat_level flag selecting inline or indirected addressing.
	VersionModern
)

const (
	legacyPageSize          = 4096
	legacyIndexPageCapacity = 1018
	legacyDataOffsetCapacity = 1023
	rootObjectPage           = 2
)

// ParseVersion maps a database header version string to a Version, or
// fails with UnsupportedVersion for anything else.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "8.2.14.0":
		return VersionLegacy, nil
	case "8.3.8.0":
		return VersionModern, nil
	default:
		return 0, dtoolserr.New(dtoolserr.UnsupportedVersion, fmt.Sprintf("database version %q", s))
	}
}

// Object is a random-access view over a paged database object: a table,
// a BLOB, or the root object itself.
type Object interface {
	io.Reader
	io.Seeker
	Len() uint64
}

// pagedObject implements the read/seek semantics shared by both object
// layouts. The version-specific parsing happens once, at construction,
// so the hot read loop never branches on format variant.
type pagedObject struct {
	src      io.ReaderAt
	pageSize uint32
	length   uint64
	pages    []uint32
	pos      int64
}

func (o *pagedObject) Len() uint64 { return o.length }

func (o *pagedObject) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = o.pos + offset
	case io.SeekEnd:
		newPos = int64(o.length) + offset
	default:
		return 0, dtoolserr.New(dtoolserr.OutOfRange, "object seek: invalid whence")
	}
	if newPos < 0 || uint64(newPos) > o.length {
		return 0, dtoolserr.New(dtoolserr.OutOfRange, "object seek: position outside object")
	}
	o.pos = newPos
	return o.pos, nil
}

func (o *pagedObject) Read(p []byte) (int, error) {
	if o.pos >= int64(o.length) {
		return 0, io.EOF
	}
	if remaining := int64(o.length) - o.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	total := 0
	for len(p) > 0 {
		pageIdx := o.pos / int64(o.pageSize)
		offInPage := o.pos % int64(o.pageSize)
		if pageIdx >= int64(len(o.pages)) {
			return total, dtoolserr.New(dtoolserr.Corrupt, "object read: missing data page")
		}

		chunk := int64(o.pageSize) - offInPage
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}

		abs := int64(o.pages[pageIdx])*int64(o.pageSize) + offInPage
		n, err := o.src.ReadAt(p[:chunk], abs)
		total += n
		o.pos += int64(n)
		p = p[n:]
		if err != nil && err != io.EOF {
			return total, dtoolserr.Wrap(dtoolserr.IO, "object read: read data page", err)
		}
		if int64(n) < chunk {
			return total, dtoolserr.Wrap(dtoolserr.IO, "object read: short data page", io.ErrUnexpectedEOF)
		}
	}
	return total, nil
}

// OpenObject opens the paged object whose first page lives at
// firstPage, using the addressing rules for the given version.
func OpenObject(src io.ReaderAt, version Version, pageSize uint32, firstPage uint32) (Object, error) {
	switch version {
	case VersionLegacy:
		return openLegacyObject(src, firstPage)
	case VersionModern:
		return openModernObject(src, pageSize, firstPage)
	default:
		return nil, dtoolserr.New(dtoolserr.UnsupportedVersion, "object: unknown database version")
	}
}

// openLegacyObject parses the "1CDBOBV8" object header: an 8-byte
// signature, a signed 32-bit length, two reserved int32s, an unused
// stored index-page count, then up to 1018 u32 index page offsets.
// Each index page in turn lists up to 1023 u32 data page offsets
// prefixed by a count. The stored index-page count is never trusted;
// it is recomputed from length, matching the reference reader.
func openLegacyObject(src io.ReaderAt, firstPage uint32) (Object, error) {
	buf := make([]byte, legacyPageSize)
	if _, err := src.ReadAt(buf, int64(firstPage)*legacyPageSize); err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "legacy object: read header page", err)
	}
	if string(buf[0:8]) != "1CDBOBV8" {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "legacy object: bad signature")
	}

	length := uint64(int32(binary.LittleEndian.Uint32(buf[8:12])))

	var indexPagesCount int
	if length > 0 {
		denom := uint64(legacyDataOffsetCapacity) * legacyPageSize
		indexPagesCount = int((length-1)/denom) + 1
	}
	if indexPagesCount > legacyIndexPageCapacity {
		indexPagesCount = legacyIndexPageCapacity
	}

	const offsetsStart = 24
	var dataPages []uint32
	indexPage := make([]byte, legacyPageSize)
	for i := 0; i < indexPagesCount; i++ {
		off := binary.LittleEndian.Uint32(buf[offsetsStart+i*4:])
		if _, err := src.ReadAt(indexPage, int64(off)*legacyPageSize); err != nil {
			return nil, dtoolserr.Wrap(dtoolserr.IO, "legacy object: read index page", err)
		}
		count := binary.LittleEndian.Uint32(indexPage[0:4])
		if count > legacyDataOffsetCapacity {
			return nil, dtoolserr.New(dtoolserr.Corrupt, "legacy object: index page count exceeds capacity")
		}
		for j := uint32(0); j < count; j++ {
			dataPages = append(dataPages, binary.LittleEndian.Uint32(indexPage[4+j*4:]))
		}
	}

	return &pagedObject{src: src, pageSize: legacyPageSize, length: length, pages: dataPages}, nil
}

// openModernObject parses the "1C FD"/"1C FF" object header: a 2-byte
// signature, a u16 fat_level, three reserved u32s, a u64 length, then
// a trailing array of u32s whose meaning depends on fat_level. At
// fat_level 0 the array holds the data page offsets directly; at
// fat_level 1 it holds index page offsets, zero-terminated, each index
// page in turn listing zero-terminated data page offsets.
func openModernObject(src io.ReaderAt, pageSize uint32, firstPage uint32) (Object, error) {
	buf := make([]byte, pageSize)
	if _, err := src.ReadAt(buf, int64(firstPage)*int64(pageSize)); err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "modern object: read header page", err)
	}

	switch {
	case buf[0] == 0x1C && buf[1] == 0xFD:
		// normal object, handled below.
	case buf[0] == 0x1C && buf[1] == 0xFF:
		return nil, dtoolserr.New(dtoolserr.UnsupportedVariant, "modern object: free-list objects are not readable as data")
	default:
		return nil, dtoolserr.New(dtoolserr.Corrupt, "modern object: bad signature")
	}

	fatLevel := binary.LittleEndian.Uint16(buf[2:4])
	length := binary.LittleEndian.Uint64(buf[16:24])
	trailing := buf[24:]
	trailingCount := len(trailing) / 4
	readU32 := func(i int) uint32 { return binary.LittleEndian.Uint32(trailing[i*4:]) }

	var dataPages []uint32
	switch fatLevel {
	case 0:
		count := 0
		if length > 0 {
			count = int((length + uint64(pageSize) - 1) / uint64(pageSize))
		}
		if count > trailingCount {
			return nil, dtoolserr.New(dtoolserr.Corrupt, "modern object: inline page count exceeds page capacity")
		}
		dataPages = make([]uint32, count)
		for i := 0; i < count; i++ {
			dataPages[i] = readU32(i)
		}
	case 1:
		var indexPageOffsets []uint32
		for i := 0; i < trailingCount; i++ {
			v := readU32(i)
			if v == 0 {
				break
			}
			indexPageOffsets = append(indexPageOffsets, v)
		}
		indexPage := make([]byte, pageSize)
		entriesPerIndexPage := int(pageSize) / 4
		for _, off := range indexPageOffsets {
			if _, err := src.ReadAt(indexPage, int64(off)*int64(pageSize)); err != nil {
				return nil, dtoolserr.Wrap(dtoolserr.IO, "modern object: read index page", err)
			}
			for i := 0; i < entriesPerIndexPage; i++ {
				v := binary.LittleEndian.Uint32(indexPage[i*4:])
				if v == 0 {
					break
				}
				dataPages = append(dataPages, v)
			}
		}
	default:
		return nil, dtoolserr.New(dtoolserr.UnsupportedVariant, fmt.Sprintf("modern object: fat_level %d is not supported", fatLevel))
	}

	return &pagedObject{src: src, pageSize: pageSize, length: length, pages: dataPages}, nil
}
