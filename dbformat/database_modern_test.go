package dbformat

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// modernDiskBuilder assembles a modern-format database image page by
// page, in memory, mirroring diskBuilder but with a configurable page
// size since modern databases carry their own page size in the header.
type modernDiskBuilder struct {
	pageSize uint32
	pages    [][]byte
}

func (d *modernDiskBuilder) alloc() (uint32, []byte) {
	buf := make([]byte, d.pageSize)
	d.pages = append(d.pages, buf)
	return uint32(len(d.pages) - 1), buf
}

func (d *modernDiskBuilder) bytes() []byte {
	out := make([]byte, 0, len(d.pages)*int(d.pageSize))
	for _, p := range d.pages {
		out = append(out, p...)
	}
	return out
}

// fillModernObjectHeader writes data into freshly allocated fat_level 0
// data pages (inline page offsets, no index page indirection), then
// fills in an already-reserved header page buffer to point at them.
func fillModernObjectHeader(d *modernDiskBuilder, hdrBuf []byte, data []byte) {
	var dataPageNums []uint32
	for off := 0; off < len(data); off += int(d.pageSize) {
		end := off + int(d.pageSize)
		if end > len(data) {
			end = len(data)
		}
		pn, buf := d.alloc()
		copy(buf, data[off:end])
		dataPageNums = append(dataPageNums, pn)
	}
	hdrBuf[0], hdrBuf[1] = 0x1C, 0xFD
	binary.LittleEndian.PutUint16(hdrBuf[2:4], 0) // fat_level 0: inline data page offsets
	binary.LittleEndian.PutUint64(hdrBuf[16:24], uint64(len(data)))
	for i, pn := range dataPageNums {
		binary.LittleEndian.PutUint32(hdrBuf[24+i*4:], pn)
	}
}

func buildModernObject(d *modernDiskBuilder, data []byte) uint32 {
	hdrPN, hdrBuf := d.alloc()
	fillModernObjectHeader(d, hdrBuf, data)
	return hdrPN
}

// buildBlobChain packs parts as independent, self-terminating chains of
// 256-byte BLOB records into one contiguous buffer. Chunk 0 is left
// unused, matching readRootObject's fixed firstChunk=1 for the root
// header blob. starts[i] is the chunk index part i begins at.
func buildBlobChain(parts [][]byte) (starts []uint32, data []byte) {
	var buf bytes.Buffer
	buf.Write(make([]byte, BlobChunkSize))
	starts = make([]uint32, len(parts))
	next := uint32(1)
	for pi, part := range parts {
		starts[pi] = next
		for off := 0; off < len(part); off += 250 {
			end := off + 250
			if end > len(part) {
				end = len(part)
			}
			chunk := part[off:end]
			last := end == len(part)
			var nextChunk uint32
			if !last {
				nextChunk = next + 1
			}
			record := make([]byte, BlobChunkSize)
			binary.LittleEndian.PutUint32(record[0:4], nextChunk)
			binary.LittleEndian.PutUint16(record[4:6], uint16(len(chunk)))
			copy(record[6:], chunk)
			buf.Write(record)
			next++
		}
	}
	return starts, buf.Bytes()
}

// buildModernFixture assembles a minimal 8.3.8.0 database: a 512-byte
// page size, one table ("Config") holding the same single row as the
// legacy fixture, and a BLOB-indirected root object. Unlike the legacy
// root object, the modern table description is stored as plain text,
// not UTF-16, matching readRootObject's modern branch.
func buildModernFixture(t *testing.T) []byte {
	t.Helper()
	const pageSize = 512
	d := modernDiskBuilder{pageSize: pageSize}

	d.alloc() // page 0: database header, filled in last
	d.alloc() // page 1: unused spacer so the root object lands at page 2

	rootPN, rootHdrBuf := d.alloc()
	if rootPN != rootObjectPage {
		t.Fatalf("internal fixture error: root object landed at page %d, want %d", rootPN, rootObjectPage)
	}

	// Row: 1 status byte + N(length=9,precision=0) at offset 1 + NC(length=50) at offset 6.
	row := make([]byte, 106)
	row[0] = 0x00 // active
	copy(row[1:6], encodeNumericBCD("000000042", true))
	copy(row[6:106], padUTF16("Item One", 50))
	dataObjPN := buildModernObject(&d, row)

	description := "{\"Config\",0,0,9,9,0,0,0,0,0,0,0,0,0,0}\n" +
		"{\"Fields\",\n" +
		"{\"ID\",\"N\",0,9,0,\"CS\"},\n" +
		"{\"NAME\",\"NC\",0,50,0,\"CS\"}\n" +
		"},\n" +
		"{\"Indexes\"},\n" +
		"{\"Recordlock\",\"0\"},\n" +
		"{\"Files\"," + itoa(int(dataObjPN)) + ",0,0}\n" +
		"}"

	const tableCount = 1
	const rootHeaderSize = 32 + 4 + 4*tableCount
	descStart := uint32(1 + (rootHeaderSize+249)/250)

	rootHeader := make([]byte, rootHeaderSize)
	copy(rootHeader[0:32], "en")
	binary.LittleEndian.PutUint32(rootHeader[32:36], tableCount)
	binary.LittleEndian.PutUint32(rootHeader[36:40], descStart)

	starts, chain := buildBlobChain([][]byte{rootHeader, []byte(description)})
	if starts[0] != 1 {
		t.Fatalf("internal fixture error: header blob landed at chunk %d, want 1", starts[0])
	}
	if starts[1] != descStart {
		t.Fatalf("internal fixture error: description blob landed at chunk %d, want %d", starts[1], descStart)
	}

	fillModernObjectHeader(&d, rootHdrBuf, chain)

	page0 := d.pages[0]
	copy(page0[0:8], []byte("TESTTEST"))
	page0[8], page0[9], page0[10], page0[11] = 8, 3, 8, 0
	binary.LittleEndian.PutUint32(page0[12:16], uint32(len(d.pages)))
	binary.LittleEndian.PutUint32(page0[16:20], pageSize)

	return d.bytes()
}

func TestOpenModernDatabaseSmoke(t *testing.T) {
	raw := buildModernFixture(t)
	src := bytes.NewReader(raw)

	db, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.Version != VersionModern {
		t.Fatalf("got version %v, want modern", db.Version)
	}
	if db.PageSize != 512 {
		t.Fatalf("got page size %d, want 512", db.PageSize)
	}
	if db.Locale != "en" {
		t.Fatalf("got locale %q, want %q", db.Locale, "en")
	}

	table, err := db.Table("Config")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	n, err := table.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}

	row, err := table.At(0)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if row.IsFree() {
		t.Fatalf("expected active row")
	}

	idVal, err := row.Field("ID")
	if err != nil {
		t.Fatalf("Field(ID): %v", err)
	}
	if idVal.Kind != KindNumeric {
		t.Fatalf("got kind %v, want KindNumeric", idVal.Kind)
	}
	if got := idVal.Numeric.RatString(); got != "42" && got != "42/1" {
		t.Fatalf("got ID %s, want 42", got)
	}

	nameVal, err := row.Field("NAME")
	if err != nil {
		t.Fatalf("Field(NAME): %v", err)
	}
	wantName := "Item One" + string(make([]byte, 50-len([]rune("Item One"))))
	if nameVal.Str != wantName {
		t.Fatalf("got NAME %q, want %q", nameVal.Str, wantName)
	}
}

// TestOpenModernObjectFatLevel1 exercises the index-page-indirected
// addressing mode directly: data pages reached through one level of
// index pages, each level zero-terminated.
func TestOpenModernObjectFatLevel1(t *testing.T) {
	const pageSize = 64
	d := modernDiskBuilder{pageSize: pageSize}

	d.alloc() // page 0: unused, keeps every offset away from zero

	data := bytes.Repeat([]byte("A"), pageSize)
	data = append(data, bytes.Repeat([]byte("B"), 10)...)

	var dataPageNums []uint32
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		pn, buf := d.alloc()
		copy(buf, data[off:end])
		dataPageNums = append(dataPageNums, pn)
	}

	idxPN, idxBuf := d.alloc()
	for i, pn := range dataPageNums {
		binary.LittleEndian.PutUint32(idxBuf[i*4:], pn)
	}
	// The rest of idxBuf is already zero, terminating the index page.

	hdrPN, hdrBuf := d.alloc()
	hdrBuf[0], hdrBuf[1] = 0x1C, 0xFD
	binary.LittleEndian.PutUint16(hdrBuf[2:4], 1) // fat_level 1: index-page indirected
	binary.LittleEndian.PutUint64(hdrBuf[16:24], uint64(len(data)))
	binary.LittleEndian.PutUint32(hdrBuf[24:28], idxPN)
	// A single index page offset, zero-terminated right after it.

	raw := d.bytes()
	obj, err := OpenObject(bytes.NewReader(raw), VersionModern, pageSize, hdrPN)
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	if obj.Len() != uint64(len(data)) {
		t.Fatalf("got length %d, want %d", obj.Len(), len(data))
	}

	got := make([]byte, len(data))
	if _, err := io.ReadFull(obj, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back mismatch")
	}
}
