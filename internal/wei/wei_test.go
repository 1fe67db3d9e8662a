package wei

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"1", "1000000000000000000", true},
		{"0.0244", "24400000000000000", true},
		{"1.5", "1500000000000000000", true},
		{"0.000000000000000001", "1", true},
		// Truncates past 18 decimals
		{"0.0000000000000000019", "1", true},
		{"-1", "", false},
		{"1.2.3", "", false},
		{"abc", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"24400000000000000", "0.0244"},
		{"1", "0.000000000000000001"},
	}

	for _, tt := range tests {
		v, _ := new(big.Int).SetString(tt.in, 10)
		if got := Format(v); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := Format(nil); got != "0" {
		t.Errorf("Format(nil) = %q, want 0", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0244", "1.5", "100", "0.000001"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestFromFloat(t *testing.T) {
	v := FromFloat(0.0244)
	// Float conversion is approximate; check it lands within a rounding
	// error of the exact value.
	exact, _ := Parse("0.0244")
	diff := new(big.Int).Abs(new(big.Int).Sub(v, exact))
	if diff.Cmp(big.NewInt(1000)) > 0 {
		t.Errorf("FromFloat(0.0244) = %s, too far from %s", v, exact)
	}
}
