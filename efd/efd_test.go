package efd

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/infactum-tools/dtools/internal/codec"
)

func utf16String(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := codec.EncodeUTF16LE(s)
	if err != nil {
		t.Fatalf("EncodeUTF16LE: %v", err)
	}
	var out bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len([]rune(s))))
	out.Write(n[:])
	out.Write(raw)
	return out.Bytes()
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func buildSupplyFixture(t *testing.T) []byte {
	t.Helper()
	var raw bytes.Buffer
	raw.Write(u32(1))  // header
	raw.Write(u32(1))  // supply info count
	raw.Write(u32(0))  // opaque
	raw.Write(utf16String(t, "en"))
	raw.Write(utf16String(t, "Demo Supply"))
	raw.Write(utf16String(t, "ACME"))
	raw.Write(utf16String(t, "readme.txt"))

	raw.Write(u32(1)) // included file count
	raw.Write(u32(0)) // opaque
	raw.Write(utf16String(t, `ExtForms\Print.epf`))
	raw.Write(u64(0)) // filetime: epoch itself
	raw.Write(u32(0)) // opaque
	payload := []byte("print form contents")
	raw.Write(u32(uint32(len(payload))))

	raw.Write(payload)

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := fw.Write(raw.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return compressed.Bytes()
}

func TestOpenParsesSupplyPackage(t *testing.T) {
	s, err := Open(bytes.NewReader(buildSupplyFixture(t)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Descriptions) != 1 {
		t.Fatalf("got %d descriptions, want 1", len(s.Descriptions))
	}
	d := s.Descriptions[0]
	if d.Language != "en" || d.SupplyName != "Demo Supply" || d.ProviderName != "ACME" || d.DescriptionPath != "readme.txt" {
		t.Fatalf("unexpected description: %+v", d)
	}

	if len(s.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(s.Files))
	}
	f := s.Files[0]
	wantPath := "ExtForms/Print.epf"
	if f.Path != wantPath {
		t.Fatalf("got path %q, want %q", f.Path, wantPath)
	}
	if !f.Modified.Equal(codec.FiletimeEpoch) {
		t.Fatalf("got modified %v, want %v", f.Modified, codec.FiletimeEpoch)
	}
	if f.Size != uint32(len("print form contents")) {
		t.Fatalf("got size %d, want %d", f.Size, len("print form contents"))
	}

	r, err := s.Open(wantPath)
	if err != nil {
		t.Fatalf("Supply.Open: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "print form contents" {
		t.Fatalf("got payload %q, want %q", got, "print form contents")
	}
}

func TestOpenRejectsUnknownHeader(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(u32(2))
	raw.Write(u32(0))
	raw.Write(u32(0))

	var compressed bytes.Buffer
	fw, _ := flate.NewWriter(&compressed, flate.DefaultCompression)
	fw.Write(raw.Bytes())
	fw.Close()

	if _, err := Open(bytes.NewReader(compressed.Bytes())); err == nil {
		t.Fatalf("expected an error for an unrecognized header")
	}
}
