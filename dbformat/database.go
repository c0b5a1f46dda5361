package dbformat

import (
	"fmt"
	"io"
	"log"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger *log.Logger
}

// WithLogger attaches a logger for diagnostic messages emitted while
// opening a database. Nothing is logged if no logger is supplied.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Database is the facade over a paged database file: its header, its
// locale, and its tables, keyed by name.
type Database struct {
	Version    Version
	RawVersion string
	TotalPages uint32
	PageSize   uint32
	Locale     string
	Tables     map[string]*Table
	TableNames []string

	src io.ReaderAt
}

// Open parses the header, the root object, and every table's
// description, returning a ready-to-query Database.
func Open(src io.ReaderAt, opts ...Option) (*Database, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	hdr, err := ReadHeader(src)
	if err != nil {
		return nil, err
	}
	if o.logger != nil {
		o.logger.Printf("dbformat: opened database version=%s pages=%d page_size=%d", hdr.RawVersion, hdr.TotalPages, hdr.PageSize)
	}

	locale, descriptions, err := readRootObject(src, hdr)
	if err != nil {
		return nil, err
	}

	db := &Database{
		Version: hdr.Version, RawVersion: hdr.RawVersion, TotalPages: hdr.TotalPages,
		PageSize: hdr.PageSize, Locale: locale, Tables: make(map[string]*Table, len(descriptions)),
		src: src,
	}
	for _, raw := range descriptions {
		schema, err := ParseSchema(raw)
		if err != nil {
			return nil, err
		}
		db.Tables[schema.Name] = &Table{schema: schema, src: src, version: hdr.Version, pageSize: hdr.PageSize}
		db.TableNames = append(db.TableNames, schema.Name)
	}
	if o.logger != nil {
		o.logger.Printf("dbformat: parsed %d table descriptions", len(db.TableNames))
	}

	return db, nil
}

// Table looks up a table by name.
func (db *Database) Table(name string) (*Table, error) {
	t, ok := db.Tables[name]
	if !ok {
		return nil, dtoolserr.New(dtoolserr.Key, fmt.Sprintf("unknown table %q", name))
	}
	return t, nil
}

// Table is a single table's schema plus its backing paged object.
type Table struct {
	schema   *TableSchema
	src      io.ReaderAt
	version  Version
	pageSize uint32
	obj      Object
}

// Name returns the table's name.
func (t *Table) Name() string { return t.schema.Name }

// Schema returns the table's parsed field list and layout.
func (t *Table) Schema() *TableSchema { return t.schema }

func (t *Table) dataObject() (Object, error) {
	if t.obj == nil {
		obj, err := OpenObject(t.src, t.version, t.pageSize, uint32(t.schema.DataOffset))
		if err != nil {
			return nil, err
		}
		t.obj = obj
	}
	return t.obj, nil
}

// Len returns the table's row count, failing with Corrupt if the
// underlying object's length isn't an exact multiple of the row
// length.
func (t *Table) Len() (int, error) {
	obj, err := t.dataObject()
	if err != nil {
		return 0, err
	}
	length := obj.Len()
	rowLength := uint64(t.schema.RowLength)
	if length%rowLength != 0 {
		return 0, dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("table %q: object length %d not a multiple of row length %d", t.schema.Name, length, rowLength))
	}
	return int(length / rowLength), nil
}

// At decodes and returns the row at the given index, which must be
// within [0, Len()).
func (t *Table) At(i int) (*Row, error) {
	n, err := t.Len()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= n {
		return nil, dtoolserr.New(dtoolserr.OutOfRange, fmt.Sprintf("row index %d outside table %q (len %d)", i, t.schema.Name, n))
	}

	obj, err := t.dataObject()
	if err != nil {
		return nil, err
	}
	if _, err := obj.Seek(int64(i)*int64(t.schema.RowLength), io.SeekStart); err != nil {
		return nil, err
	}

	raw := make([]byte, t.schema.RowLength)
	if _, err := io.ReadFull(obj, raw); err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.IO, "read row", err)
	}
	return newRow(raw, t.schema, t.src, t.version, t.pageSize, uint32(t.schema.BlobOffset)), nil
}

// RowIter walks a table's rows sequentially.
type RowIter struct {
	table *Table
	obj   Object
}

// Rows returns an iterator positioned at the table's first row.
func (t *Table) Rows() (*RowIter, error) {
	obj, err := t.dataObject()
	if err != nil {
		return nil, err
	}
	if _, err := obj.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &RowIter{table: t, obj: obj}, nil
}

// Next decodes the next row. ok is false once every row has been
// consumed.
func (it *RowIter) Next() (row *Row, ok bool, err error) {
	raw := make([]byte, it.table.schema.RowLength)
	n, err := io.ReadFull(it.obj, raw)
	if err == io.EOF && n == 0 {
		return nil, false, nil
	}
	if err == io.ErrUnexpectedEOF {
		return nil, false, dtoolserr.New(dtoolserr.Corrupt, "table data ends mid-row")
	}
	if err != nil {
		return nil, false, dtoolserr.Wrap(dtoolserr.IO, "read row", err)
	}
	row = newRow(raw, it.table.schema, it.table.src, it.table.version, it.table.pageSize, uint32(it.table.schema.BlobOffset))
	return row, true, nil
}
