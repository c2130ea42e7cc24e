package pyenvd

import "testing"

func TestParseConstraintMatch(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"*", "1.0.0", true},
		{"=1.2.3", "1.2.3", true},
		{"=1.2.3", "1.2.4", false},
		{">=1.21.1,<1.27", "1.26.15", true},
		{">=1.21.1,<1.27", "1.27.0", false},
		{">=1.21.1,<1.27", "1.0.0", false},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"~1.2.3", "1.2.2", false},
		{"!2.0.0", "2.0.0", false},
		{"!2.0.0", "1.9.9", true},
		{"=1.0.0||=2.0.0", "2.0.0", true},
		{"=1.0.0||=2.0.0", "1.5.0", false},
	}
	for _, tc := range tests {
		t.Run(tc.constraint+"/"+tc.version, func(t *testing.T) {
			c, err := ParseConstraint(tc.constraint)
			if err != nil {
				t.Fatalf("ParseConstraint(%q): %v", tc.constraint, err)
			}
			v := MustParseVersion(tc.version)
			if got := c.Match(v); got != tc.want {
				t.Errorf("Match(%s) = %v, want %v", tc.version, got, tc.want)
			}
		})
	}
}

func TestParseConstraintRoundTrip(t *testing.T) {
	cases := []string{"*", "=1.2.3", ">=1.0.0", ">=1.0.0,<2.0.0"}
	for _, s := range cases {
		c, err := ParseConstraint(s)
		if err != nil {
			t.Fatalf("ParseConstraint(%q): %v", s, err)
		}
		c2, err := ParseConstraint(c.String())
		if err != nil {
			t.Fatalf("ParseConstraint(%q) (round trip): %v", c.String(), err)
		}
		// Round trip is checked behaviorally: the two constraints must agree
		// on a sample of versions, since VersionConstraint has no canonical
		// comparable form for Range bounds expressed as pointers.
		for _, v := range []string{"0.5.0", "1.0.0", "1.5.0", "2.0.0", "3.0.0"} {
			ver := MustParseVersion(v)
			if c.Match(ver) != c2.Match(ver) {
				t.Fatalf("round trip %q -> %q disagrees at %s", s, c.String(), v)
			}
		}
	}
}

func TestAndOrNotConstraint(t *testing.T) {
	v1 := MustParseVersion("1.0.0")
	v2 := MustParseVersion("2.0.0")

	and := AndConstraint(ExactConstraint(v1), ExactConstraint(v2))
	if and.Match(v1) || and.Match(v2) {
		t.Fatal("AndConstraint of two distinct exacts should match nothing")
	}

	or := OrConstraint(ExactConstraint(v1), ExactConstraint(v2))
	if !or.Match(v1) || !or.Match(v2) {
		t.Fatal("OrConstraint should match either exact")
	}

	not := NotConstraint(ExactConstraint(v1))
	if not.Match(v1) {
		t.Fatal("NotConstraint should exclude the exact version")
	}
	if !not.Match(v2) {
		t.Fatal("NotConstraint should admit any other version")
	}
}
