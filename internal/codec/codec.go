// Package codec implements the primitive field and timestamp
// conversions shared by the database, container, and EFD readers: the
// BCD numeric format, UTF-16LE strings, and the two epoch conventions
// used across the formats.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/infactum-tools/dtools/internal/dtoolserr"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeUTF16LE decodes a raw UTF-16LE byte slice into a UTF-8 string.
// An odd byte count or an unpaired surrogate fails with Encoding.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", dtoolserr.New(dtoolserr.Encoding, "decode utf-16le: odd byte count")
	}
	for i := 0; i < len(b); i += 2 {
		hi := binary.LittleEndian.Uint16(b[i:])
		if hi < 0xD800 || hi > 0xDFFF {
			continue
		}
		if hi >= 0xDC00 || i+4 > len(b) || b[i+3]&0xFC != 0xDC {
			return "", dtoolserr.New(dtoolserr.Encoding, "decode utf-16le: unpaired surrogate")
		}
		i += 2
	}
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return "", dtoolserr.Wrap(dtoolserr.Encoding, "decode utf-16le", err)
	}
	return string(out), nil
}

// EncodeUTF16LE encodes a UTF-8 string into raw UTF-16LE bytes.
func EncodeUTF16LE(s string) ([]byte, error) {
	out, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, dtoolserr.Wrap(dtoolserr.Encoding, "encode utf-16le", err)
	}
	return out, nil
}

// DecodeName decodes a fixed-width UTF-16LE buffer and truncates it at
// the first NUL rune, matching the null-padded name fields used by both
// the database and container formats.
func DecodeName(b []byte) (string, error) {
	s, err := DecodeUTF16LE(b)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s, nil
}

// DecodeNVC decodes an NVC field: a u16 character count followed by
// that many UTF-16LE characters.
func DecodeNVC(b []byte) (string, error) {
	if len(b) < 2 {
		return "", dtoolserr.New(dtoolserr.Corrupt, "nvc: buffer shorter than length prefix")
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if n == 0 {
		return "", nil
	}
	need := 2 + n*2
	if len(b) < need {
		return "", dtoolserr.New(dtoolserr.Corrupt, "nvc: buffer shorter than declared length")
	}
	return DecodeUTF16LE(b[2:need])
}

// DecodeNumeric decodes a BCD-packed N field into an exact rational.
// length is the declared total decimal digit count and precision the
// number of fractional digits, both taken from the field description.
func DecodeNumeric(b []byte, length, precision int) (*big.Rat, error) {
	if len(b) == 0 {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "numeric: empty buffer")
	}
	digits := strings.ToUpper(hex.EncodeToString(b))
	if len(digits) < 1 {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "numeric: no sign nibble")
	}

	neg := digits[0] == '0'

	var literal string
	if precision > 0 {
		if len(digits) < length+1 || length+1-precision < 1 {
			return nil, dtoolserr.New(dtoolserr.Corrupt, "numeric: buffer too short for declared length")
		}
		intPart := digits[1 : length+1-precision]
		fracPart := digits[length+1-precision : length+1]
		literal = intPart + "." + fracPart
	} else {
		if len(digits) < length+1 {
			return nil, dtoolserr.New(dtoolserr.Corrupt, "numeric: buffer too short for declared length")
		}
		literal = digits[1 : length+1]
	}

	r := new(big.Rat)
	if _, ok := r.SetString(literal); !ok {
		return nil, dtoolserr.New(dtoolserr.Corrupt, fmt.Sprintf("numeric: %q is not a valid decimal", literal))
	}
	if neg {
		r.Neg(r)
	}
	return r, nil
}

// DecodeDT decodes a 7-byte BCD DT field (YYYYMMDDhhmmss) into a UTC
// time. A year of zero means "no value" and is reported as a nil time
// with no error.
func DecodeDT(b []byte) (*time.Time, error) {
	if len(b) != 7 {
		return nil, dtoolserr.New(dtoolserr.Corrupt, "datetime: expected 7 bytes")
	}
	if b[0] == 0 && b[1] == 0 {
		return nil, nil
	}
	digits := hex.EncodeToString(b)
	year, err1 := strconv.Atoi(digits[0:4])
	month, err2 := strconv.Atoi(digits[4:6])
	day, err3 := strconv.Atoi(digits[6:8])
	hour, err4 := strconv.Atoi(digits[8:10])
	minute, err5 := strconv.Atoi(digits[10:12])
	second, err6 := strconv.Atoi(digits[12:14])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return nil, dtoolserr.Wrap(dtoolserr.Corrupt, "datetime: bad BCD digit", err)
		}
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	return &t, nil
}

// ContainerEpoch is the container format's timestamp origin.
var ContainerEpoch = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// FiletimeEpoch is the Windows FILETIME origin used by EFD packages.
var FiletimeEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// Timestamps count 100ns ticks. The conversions below step whole days
// through the calendar and whole seconds through Unix time, so spans
// longer than a time.Duration can hold (about 292 years) do not overflow.
const (
	ticksPerSecond = 10_000_000
	ticksPerDay    = 86400 * ticksPerSecond
)

// DecodeEpoch converts a container timestamp (100ns ticks since
// ContainerEpoch) into a time.Time.
func DecodeEpoch(ticks uint64) time.Time {
	return ContainerEpoch.AddDate(0, 0, int(ticks/ticksPerDay)).Add(time.Duration(ticks%ticksPerDay) * 100)
}

// EncodeEpoch is the inverse of DecodeEpoch.
func EncodeEpoch(t time.Time) uint64 {
	return uint64(t.Unix()-ContainerEpoch.Unix())*ticksPerSecond + uint64(t.Nanosecond()/100)
}

// DecodeFILETIME converts a Windows FILETIME (100ns ticks since
// FiletimeEpoch) into a time.Time.
func DecodeFILETIME(ticks uint64) time.Time {
	return FiletimeEpoch.AddDate(0, 0, int(ticks/ticksPerDay)).Add(time.Duration(ticks%ticksPerDay) * 100)
}

// EncodeFILETIME is the inverse of DecodeFILETIME.
func EncodeFILETIME(t time.Time) uint64 {
	return uint64(t.Unix()-FiletimeEpoch.Unix())*ticksPerSecond + uint64(t.Nanosecond()/100)
}
