package parallel

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/orcaman/writerseeker"

	"github.com/infactum-tools/dtools/container"
)

func buildFixtureContainer(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var ws writerseeker.WriterSeeker
	w, err := container.NewWriter(&ws)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for name, content := range files {
		if err := w.AddFile(name, []byte(content), 1000, 2000, true); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	raw, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	return raw
}

func TestExtractEntriesConcurrently(t *testing.T) {
	files := map[string]string{
		"a.txt": "alpha content",
		"b.txt": "beta content",
		"c.txt": "gamma content",
	}
	raw := buildFixtureContainer(t, files)

	r, err := container.Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	destDir := t.TempDir()
	reopen := func() (io.ReaderAt, error) {
		return bytes.NewReader(raw), nil
	}

	err = ExtractEntries(context.Background(), reopen, r.Entries, destDir, container.ExtractOptions{Deflate: true}, 2)
	if err != nil {
		t.Fatalf("ExtractEntries: %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, name))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("entry %q: got %q, want %q", name, got, want)
		}
	}
}
