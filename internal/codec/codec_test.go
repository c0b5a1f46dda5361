package codec

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeNumericRoundTripsThroughSign(t *testing.T) {
	cases := []struct {
		name      string
		bytes     []byte
		length    int
		precision int
		want      *big.Rat
	}{
		// Sign nibble first (1 = +, 0 = -), then the declared digits; an
		// even length leaves one trailing pad nibble.
		{"positive with fraction", []byte{0x11, 0x23, 0x40}, 4, 2, big.NewRat(1234, 100)},
		{"negative with fraction", []byte{0x01, 0x23, 0x40}, 4, 2, big.NewRat(-1234, 100)},
		{"integer only", []byte{0x11, 0x23, 0x45}, 5, 0, big.NewRat(12345, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeNumeric(tc.bytes, tc.length, tc.precision)
			if err != nil {
				t.Fatalf("DecodeNumeric: %v", err)
			}
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("got %s, want %s", got.RatString(), tc.want.RatString())
			}
		})
	}
}

func TestDecodeDTZeroYearIsNil(t *testing.T) {
	got, err := DecodeDT([]byte{0x00, 0x00, 0x01, 0x01, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeDT: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil time, got %v", got)
	}
}

func TestDecodeDTParsesCalendarFields(t *testing.T) {
	got, err := DecodeDT([]byte{0x20, 0x24, 0x03, 0x15, 0x09, 0x30, 0x00})
	if err != nil {
		t.Fatalf("DecodeDT: %v", err)
	}
	want := time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecodeEpochUsesYear1Origin(t *testing.T) {
	// 10000 ticks of 100ns = 1ms.
	got := DecodeEpoch(10000)
	want := time.Date(1, 1, 1, 0, 0, 0, int(time.Millisecond), time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if back := EncodeEpoch(got); back != 10000 {
		t.Fatalf("round trip: got %d, want 10000", back)
	}
}

func TestDecodeFILETIMEUses1601Origin(t *testing.T) {
	got := DecodeFILETIME(10000000) // 1 second
	want := time.Date(1601, 1, 1, 0, 0, 1, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if back := EncodeFILETIME(got); back != 10000000 {
		t.Fatalf("round trip: got %d, want 10000000", back)
	}
}

func TestDecodeNVCEmptyIsEmptyString(t *testing.T) {
	got, err := DecodeNVC([]byte{0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeNVC: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestDecodeNameTruncatesAtNUL(t *testing.T) {
	raw, err := EncodeUTF16LE("hello\x00garbage")
	if err != nil {
		t.Fatalf("EncodeUTF16LE: %v", err)
	}
	got, err := DecodeName(raw)
	if err != nil {
		t.Fatalf("DecodeName: %v", err)
	}
	if diff := cmp.Diff("hello", got); diff != "" {
		t.Fatalf("DecodeName mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeUTF16LERoundTrip(t *testing.T) {
	want := "Платёжное поручение"
	raw, err := EncodeUTF16LE(want)
	if err != nil {
		t.Fatalf("EncodeUTF16LE: %v", err)
	}
	got, err := DecodeUTF16LE(raw)
	if err != nil {
		t.Fatalf("DecodeUTF16LE: %v", err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
