package subunit

import (
	"slices"
	"testing"
)

func TestCandidates(t *testing.T) {
	cases := []struct {
		name     string
		expected []string
	}{
		{"San Isidro Ext.", []string{"San Isidro"}},
		{"San Isidro ext. (Purok 3)", []string{"San Isidro"}},
		{"Bagong Silang Extension", []string{"Bagong Silang"}},
		{"Bagong Silang Extension (North)  ", []string{"Bagong Silang"}},
		{"Malolos GWS", []string{"Malolos"}},
		{"Malolos Group Worship Service", []string{"Malolos"}},
		{"Malolos Group Worship Services (Annex)", []string{"Malolos"}},
		{"Malolos GWS Ext.", []string{"Malolos GWS"}},
		{"Church One", nil},
		{"Extension", nil},
		{"Ext.", nil},
		{"Next.", nil},
		{"San Isidro Ext. Road", nil},
	}
	for _, tc := range cases {
		if got := Candidates(tc.name); !slices.Equal(got, tc.expected) {
			t.Fatalf("Candidates(%q) expected %v, got %v", tc.name, tc.expected, got)
		}
		if got := IsSubUnitName(tc.name); got != (tc.expected != nil) {
			t.Fatalf("IsSubUnitName(%q) expected %v, got %v", tc.name, tc.expected != nil, got)
		}
	}
}

func TestLongest(t *testing.T) {
	cases := []struct {
		in       []string
		expected string
	}{
		{nil, ""},
		{[]string{"Malolos", "Malolos City", "Malolos Cty"}, "Malolos City"},
		{[]string{"abc", "xyz"}, "abc"},
	}
	for _, tc := range cases {
		if got := Longest(tc.in); got != tc.expected {
			t.Fatalf("Longest(%v) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	in := `100% Faith_One! \ Two`
	if got := EscapeLike(in); got != `100!% Faith!_One!! \ Two` {
		t.Fatalf("EscapeLike(%q) got %q", in, got)
	}
}
