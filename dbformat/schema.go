package dbformat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

// FieldType is the single-letter (or two-letter) type tag used by the
// table description grammar.
type FieldType string

const (
	FieldBoolean   FieldType = "L"
	FieldBinary    FieldType = "B"
	FieldNumeric   FieldType = "N"
	FieldString    FieldType = "NC"
	FieldStringVar FieldType = "NVC"
	FieldRowVer    FieldType = "RV"
	FieldText      FieldType = "NT"
	FieldImage     FieldType = "I"
	FieldDateTime  FieldType = "DT"
)

// calcFieldSize returns the on-disk byte size of a field's value
// portion (excluding the null-flag byte, which is added separately).
func calcFieldSize(t FieldType, length int) (int, error) {
	switch t {
	case FieldBinary:
		return length, nil
	case FieldBoolean:
		return 1, nil
	case FieldNumeric:
		return length/2 + 1, nil
	case FieldString:
		return length * 2, nil
	case FieldStringVar:
		return length*2 + 2, nil
	case FieldRowVer:
		return 16, nil
	case FieldText, FieldImage:
		return 8, nil
	case FieldDateTime:
		return 7, nil
	default:
		return 0, dtoolserr.New(dtoolserr.Schema, fmt.Sprintf("unknown field type %q", t))
	}
}

// FieldDescription is one parsed field entry from a table description.
type FieldDescription struct {
	Name          string
	Type          FieldType
	NullExists    bool
	Length        int
	Precision     int
	CaseSensitive bool
	DataOffset    int
	DataLength    int
}

// TableSchema is a parsed table description: its fields and the three
// object offsets (data, BLOB, index) the description's trailing
// "Files" tuple names.
type TableSchema struct {
	Name        string
	Fields      []FieldDescription
	RecordLock  bool
	DataOffset  int
	BlobOffset  int
	IndexOffset int
	RowLength   int

	fieldIndex map[string]int
}

// Field looks up a field by name.
func (s *TableSchema) Field(name string) (FieldDescription, bool) {
	i, ok := s.fieldIndex[name]
	if !ok {
		return FieldDescription{}, false
	}
	return s.Fields[i], true
}

var tableDescriptionPattern = regexp.MustCompile(
	`\{"(\S+)".*\n\{"Fields",\n([\s\S]*)\n\},\n\{"Indexes"(?:,|)([\s\S]*)\},\n\{"Recordlock","(\d)+"\},\n\{"Files",(\S+)\}\n\}`,
)

var fieldDescriptionPattern = regexp.MustCompile(
	`\{"(\w+)","(\w+)",(\d+),(\d+),(\d+),"(\w+)"\}(?:,|)`,
)

// ParseSchema parses a raw, already-decoded table description string
// into a TableSchema, computing each field's byte offset within a row
// and the overall row length.
//
// A field of type RV (row version) is addressed separately: it always
// sits at byte offset 1 regardless of the fields around it, and its
// presence shifts every other field's starting offset from 1 to 17 to
// make room for it.
func ParseSchema(raw string) (*TableSchema, error) {
	m := tableDescriptionPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, dtoolserr.New(dtoolserr.Schema, "table description does not match expected grammar")
	}

	name := m[1]
	fieldsBlock := m[2]
	recordLock := m[4] == "1"

	filesParts := strings.Split(m[5], ",")
	if len(filesParts) != 3 {
		return nil, dtoolserr.New(dtoolserr.Schema, "Files tuple must have exactly 3 values")
	}
	offsets := make([]int, 3)
	for i, p := range filesParts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, dtoolserr.Wrap(dtoolserr.Schema, "Files tuple must be integers", err)
		}
		offsets[i] = v
	}

	hasRowVersion := strings.Contains(fieldsBlock, `"RV"`)
	offset := 1
	if hasRowVersion {
		offset = 17
	}

	var fields []FieldDescription
	index := make(map[string]int)
	for _, line := range strings.Split(fieldsBlock, "\n") {
		if line == "" {
			continue
		}
		fm := fieldDescriptionPattern.FindStringSubmatch(line)
		if fm == nil {
			return nil, dtoolserr.New(dtoolserr.Schema, fmt.Sprintf("field description does not match expected grammar: %q", line))
		}

		fieldName := fm[1]
		fieldType := FieldType(fm[2])
		nullExists := fm[3] == "1"
		length, _ := strconv.Atoi(fm[4])
		precision, _ := strconv.Atoi(fm[5])
		caseSensitive := fm[6] == "CS"

		size, err := calcFieldSize(fieldType, length)
		if err != nil {
			return nil, err
		}
		dataLength := size
		if nullExists {
			dataLength++
		}

		var dataOffset int
		if fieldType == FieldRowVer {
			dataOffset = 1
		} else {
			dataOffset = offset
			offset += dataLength
		}

		index[fieldName] = len(fields)
		fields = append(fields, FieldDescription{
			Name: fieldName, Type: fieldType, NullExists: nullExists,
			Length: length, Precision: precision, CaseSensitive: caseSensitive,
			DataOffset: dataOffset, DataLength: dataLength,
		})
	}

	rowLength := offset
	if rowLength < 5 {
		rowLength = 5
	}

	return &TableSchema{
		Name: name, Fields: fields, fieldIndex: index, RecordLock: recordLock,
		DataOffset: offsets[0], BlobOffset: offsets[1], IndexOffset: offsets[2],
		RowLength: rowLength,
	}, nil
}
