package money

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Cents
		ok   bool
	}{
		{"$50", 5000, true},
		{"$75.50", 7550, true},
		{"$ 43.20", 4320, true},
		{"1,250.75", 125075, true},
		{"invalid", 0, false},
		{"", 0, false},
		{"$", 0, false},
		{"1.2.3", 0, false},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Parse(%q) = %d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFromMajorRounds(t *testing.T) {
	if c := FromMajor(208.705); c != 20871 {
		t.Fatalf("got %d", c)
	}
	if c := FromMajor(0.1 + 0.2); c != 30 {
		t.Fatalf("got %d", c)
	}
}

func TestString(t *testing.T) {
	if s := Cents(4320).String(); s != "$ 43.20" {
		t.Fatalf("got %q", s)
	}
}
