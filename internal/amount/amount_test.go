package amount

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Amount
		wantErr error
	}{
		{in: "10.123456", want: 10_123_456},
		{in: "25.00", want: 25_000_000},
		{in: "0.01", want: 10_000},
		{in: "1000000", want: 1_000_000_000_000},
		{in: "10.1234567", wantErr: ErrPrecision},
		{in: "-1", wantErr: ErrInvalid},
		{in: "1e3", wantErr: ErrInvalid},
		{in: "", wantErr: ErrInvalid},
		{in: "abc", wantErr: ErrInvalid},
		{in: ".5", wantErr: ErrInvalid},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Parse(%q) err = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseIsLossless(t *testing.T) {
	// 0.1 + 0.2 style inputs must not drift.
	a := MustParse("0.300001")
	if a.Units() != 300_001 {
		t.Fatalf("expected 300001 units, got %d", a.Units())
	}
	if a.Big().String() != "300001" {
		t.Fatalf("unexpected big value %s", a.Big())
	}
}

func TestString(t *testing.T) {
	cases := map[Amount]string{
		25_000_000: "25.00",
		10_123_456: "10.123456",
		10_100_000: "10.10",
		10_000:     "0.01",
		1_500:      "0.0015",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", in, got, want)
		}
	}
	if got := Amount(25_000_000).Signed(true); got != "-25.00" {
		t.Fatalf("unexpected outbound rendering %q", got)
	}
	if got := Amount(25_000_000).Signed(false); got != "+25.00" {
		t.Fatalf("unexpected inbound rendering %q", got)
	}
}

func TestBounds(t *testing.T) {
	b, err := ParseBounds("0.01", "1000000")
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	for _, ok := range []string{"0.01", "1000000", "25"} {
		if err := b.Check(MustParse(ok)); err != nil {
			t.Fatalf("expected %s within bounds: %v", ok, err)
		}
	}
	for _, bad := range []string{"0.009999", "1000000.000001", "0"} {
		if err := b.Check(MustParse(bad)); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("expected %s out of bounds, got %v", bad, err)
		}
	}
	if _, err := ParseBounds("5", "1"); err == nil {
		t.Fatalf("expected inverted bounds to fail")
	}
}
