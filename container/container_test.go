package container

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/orcaman/writerseeker"
)

func writeTestContainer(t *testing.T, files map[string]string) *writerseeker.WriterSeeker {
	t.Helper()
	var ws writerseeker.WriterSeeker
	w, err := NewWriter(&ws)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Map iteration order varies from run to run; nothing the tests
	// assert depends on the order entries are added in.
	for name, content := range files {
		if err := w.AddFile(name, []byte(content), 1000, 2000, true); err != nil {
			t.Fatalf("AddFile(%s): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &ws
}

func TestWriteReadRoundTrip(t *testing.T) {
	files := map[string]string{
		"1Cv8.1CD":  "root object payload",
		"hello.txt": "hello, world",
	}
	ws := writeTestContainer(t, files)

	raw, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}

	r, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.Entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(r.Entries), len(files))
	}

	for name, want := range files {
		entry, ok := r.Entries[name]
		if !ok {
			t.Fatalf("entry %q missing; have %v", name, r.Order)
		}
		doc, err := entry.Open(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		fr := flate.NewReader(doc)
		got, err := io.ReadAll(fr)
		if err != nil {
			t.Fatalf("inflate(%s): %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("entry %q: got %q, want %q", name, got, want)
		}
	}
}

func TestWriteReadManyEntriesChainsTOC(t *testing.T) {
	// 60 entries make a 720-byte table of contents (12 bytes each), more
	// than one 512-byte block, so Close has to chain it.
	files := make(map[string]string)
	for i := 0; i < 60; i++ {
		name := string(rune('a'+(i%26))) + itoa(i)
		files[name] = "payload for " + name + " padded out a bit to add some bytes of content"
	}
	ws := writeTestContainer(t, files)

	raw, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}

	r, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.Entries) != len(files) {
		t.Fatalf("got %d entries, want %d", len(r.Entries), len(files))
	}
	for name, want := range files {
		entry, ok := r.Entries[name]
		if !ok {
			t.Fatalf("entry %q missing", name)
		}
		doc, err := entry.Open(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		fr := flate.NewReader(doc)
		got, err := io.ReadAll(fr)
		if err != nil {
			t.Fatalf("inflate(%s): %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("entry %q: got %q, want %q", name, got, want)
		}
	}
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestReadHeaderRejectsEmptyContainer(t *testing.T) {
	buf := make([]byte, 16)
	if _, err := ReadHeader(bytes.NewReader(buf)); err == nil {
		t.Fatalf("expected an error reading an all-zero header")
	}
}
