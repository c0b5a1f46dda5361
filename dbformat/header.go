package dbformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/infactum-tools/dtools/internal/codec"
	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// Header is the fixed prefix every database file starts with: an
// 8-byte signature (meaning unspecified, never validated), a 4-byte
// dotted version string, and a page count. Modern databases carry an
// extra page-size field right after; legacy databases always use
// 4096-byte pages.
type Header struct {
	Version    Version
	RawVersion string
	TotalPages uint32
	PageSize   uint32
}

// ReadHeader reads and validates the database header. An unsupported
// version fails before any bytes beyond the 16-byte fixed prefix are
// read.
func ReadHeader(src io.ReaderAt) (Header, error) {
	buf := make([]byte, 16)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return Header{}, dtoolserr.Wrap(dtoolserr.IO, "read database header", err)
	}

	rawVersion := fmt.Sprintf("%d.%d.%d.%d", buf[8], buf[9], buf[10], buf[11])
	version, err := ParseVersion(rawVersion)
	if err != nil {
		return Header{}, err
	}

	totalPages := binary.LittleEndian.Uint32(buf[12:16])

	pageSize := uint32(legacyPageSize)
	if version == VersionModern {
		pbuf := make([]byte, 4)
		if _, err := src.ReadAt(pbuf, 16); err != nil {
			return Header{}, dtoolserr.Wrap(dtoolserr.IO, "read database page size", err)
		}
		pageSize = binary.LittleEndian.Uint32(pbuf)
	}

	return Header{Version: version, RawVersion: rawVersion, TotalPages: totalPages, PageSize: pageSize}, nil
}

// readRootObject reads the locale and the raw (still-undecoded) table
// description strings from the root object at page 2.
//
// Legacy databases store the root object as a plain paged object.
// Modern databases store it as a BLOB: the root object's own pages
// hold a BLOB chain, chunk 1 holds the locale/table-count/offsets
// header, and each table's offset is itself a BLOB chunk index into
// that same chain.
func readRootObject(src io.ReaderAt, hdr Header) (locale string, tableDescriptions []string, err error) {
	obj, err := OpenObject(src, hdr.Version, hdr.PageSize, rootObjectPage)
	if err != nil {
		return "", nil, err
	}

	var header []byte
	if hdr.Version == VersionModern {
		blob := NewBlobReader(src, hdr.Version, hdr.PageSize, 1, rootObjectPage, 1)
		header, err = blob.ReadAll()
	} else {
		header = make([]byte, obj.Len())
		_, err = io.ReadFull(obj, header)
	}
	if err != nil {
		return "", nil, dtoolserr.Wrap(dtoolserr.IO, "read root object header", err)
	}

	const headerSize = 32 + 4
	if len(header) < headerSize {
		return "", nil, dtoolserr.New(dtoolserr.Corrupt, "root object: header too small")
	}
	locale = strings.TrimRight(string(header[:32]), "\x00")
	tableCount := binary.LittleEndian.Uint32(header[32:36])

	offsetsEnd := headerSize + int(tableCount)*4
	if len(header) < offsetsEnd {
		return "", nil, dtoolserr.New(dtoolserr.Corrupt, "root object: offsets truncated")
	}
	offsets := make([]uint32, tableCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(header[headerSize+i*4:])
	}

	tableDescriptions = make([]string, tableCount)
	for i, off := range offsets {
		if hdr.Version == VersionModern {
			blob := NewBlobReader(src, hdr.Version, hdr.PageSize, 1, rootObjectPage, off)
			raw, rerr := blob.ReadAll()
			if rerr != nil {
				return "", nil, rerr
			}
			tableDescriptions[i] = strings.TrimRight(string(raw), "\x00")
		} else {
			tobj, oerr := OpenObject(src, hdr.Version, hdr.PageSize, off)
			if oerr != nil {
				return "", nil, oerr
			}
			raw := make([]byte, tobj.Len())
			if _, rerr := io.ReadFull(tobj, raw); rerr != nil {
				return "", nil, dtoolserr.Wrap(dtoolserr.IO, "read table description object", rerr)
			}
			s, derr := codec.DecodeUTF16LE(raw)
			if derr != nil {
				return "", nil, derr
			}
			tableDescriptions[i] = strings.TrimRight(s, "\x00")
		}
	}

	return locale, tableDescriptions, nil
}
