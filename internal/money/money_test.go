package money

import "testing"

func TestParseDecimalStringRoundTrip(t *testing.T) {
	cases := map[string]Micros{
		"1.5000":  1_500_000,
		"0.0100":  10_000,
		"10":      10_000_000,
		"-2.2500": -2_250_000,
		"0":       0,
	}
	for in, want := range cases {
		got, err := ParseDecimalString(in)
		if err != nil {
			t.Fatalf("ParseDecimalString(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDecimalString(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseDecimalStringRejectsExtraDigits(t *testing.T) {
	if _, err := ParseDecimalString("1.23456"); err == nil {
		t.Fatal("expected error for more than 4 fractional digits")
	}
}

func TestString(t *testing.T) {
	cases := map[Micros]string{
		1_500_000:  "1.5000",
		10_000:     "0.0100",
		0:          "0.0000",
		-2_250_000: "-2.2500",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Fatalf("Micros(%d).String() = %q, want %q", in, got, want)
		}
	}
}

func TestMin(t *testing.T) {
	if Min(5, 3) != 3 {
		t.Fatal("Min should return the smaller value")
	}
	if Min(-1, 3) != -1 {
		t.Fatal("Min should handle negatives")
	}
}
