// Package parallel fans out container entry extraction across
// goroutines. It is a caller-level convenience built on top of the
// container package's core, not part of its contract, and is the
// corrected counterpart to the reference implementation's threaded
// extractor, which the source itself documents as broken.
package parallel

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/infactum-tools/dtools/container"
)

// ExtractEntries extracts entries concurrently into destDir. reopen is
// called once per worker goroutine to obtain an independent
// io.ReaderAt over the same underlying container, since a single
// reader's cursor must never be shared across goroutines. limit bounds
// the number of concurrently running extractions; a value <= 0 means
// unbounded.
func ExtractEntries(ctx context.Context, reopen func() (io.ReaderAt, error), entries map[string]*container.Entry, destDir string, opts container.ExtractOptions, limit int) error {
	eg, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}

	for _, entry := range entries {
		entry := entry
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := reopen()
			if err != nil {
				return err
			}
			if closer, ok := src.(io.Closer); ok {
				defer closer.Close()
			}
			return container.ExtractEntry(src, destDir, entry, opts)
		})
	}
	return eg.Wait()
}
