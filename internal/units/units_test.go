package units

import "testing"

func TestToBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0 B", 0},
		{"10MiB", 10 * 1024 * 1024},
		{"10 MiB", 10 * 1024 * 1024},
		{"10.5 MB", 10500000},
	}
	for _, c := range cases {
		got, err := ToBytes(c.in, false)
		if err != nil {
			t.Fatalf("ToBytes(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ToBytes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParsePercent(t *testing.T) {
	v, ok := ParsePercent("5%")
	if !ok || v != 5 {
		t.Fatalf("ParsePercent(5%%) = %v, %v", v, ok)
	}
	if _, ok := ParsePercent("5 MiB"); ok {
		t.Fatalf("expected non-percent to report false")
	}
}

func TestEquivalent(t *testing.T) {
	if !Equivalent("10 MiB", "10.0 MiB") {
		t.Errorf("expected 10 MiB == 10.0 MiB")
	}
	if Equivalent("10 MiB", "11 MiB") {
		t.Errorf("expected 10 MiB != 11 MiB")
	}
}

// Idempotence of ToBytes/FromBytes at the byte-representation layer:
// expanding a human size and re-expanding its rendered form must agree.
func TestRoundTripIdempotent(t *testing.T) {
	b, err := ToBytes("10MiB", false)
	if err != nil {
		t.Fatal(err)
	}
	human := FromBytes(b)
	b2, err := ToBytes(human, false)
	if err != nil {
		t.Fatal(err)
	}
	if b != b2 {
		t.Errorf("round trip not idempotent: %d != %d", b, b2)
	}
}
