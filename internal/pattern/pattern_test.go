package pattern

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalSortsAndDropsControlFacts(t *testing.T) {
	t.Parallel()

	m := Message{"b": 2, "a": "1", "id$": "x", "default$": map[string]any{}}
	if got := m.Canonical(); got != "a:1,b:2" {
		t.Fatalf("Canonical() = %q, want %q", got, "a:1,b:2")
	}
	ctl := m.Control()
	if _, ok := ctl["id"]; !ok {
		t.Fatalf("expected id control fact, got %v", ctl)
	}
	if _, ok := m.Strip()["id$"]; ok {
		t.Fatalf("Strip kept a control fact")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "canonical", in: "a:1,b:2", want: "a:1,b:2"},
		{name: "unsorted with spaces", in: " role : math , cmd:sum", want: "cmd:sum,role:math"},
		{name: "empty", in: "", want: ""},
		{name: "value with colon", in: "url:http://x", want: "url:http://x"},
		{name: "control dropped", in: "a:1,id$:9", want: "a:1"},
		{name: "missing colon", in: "a", wantErr: true},
		{name: "empty name", in: ":1", wantErr: true},
		{name: "duplicate", in: "a:1,a:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %v", tt.in, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if p.String() != tt.want {
				t.Fatalf("Parse(%q) = %q, want %q", tt.in, p.String(), tt.want)
			}
		})
	}
}

func TestFromRejectsUnsupportedTypes(t *testing.T) {
	t.Parallel()

	if _, err := From(42); err == nil {
		t.Fatal("expected error for int pattern")
	}
	if _, err := From(Message(nil)); err == nil {
		t.Fatal("expected error for nil message")
	}
	m, err := From("x:1")
	if err != nil || m["x"] != "1" {
		t.Fatalf("From(string) = %v, %v", m, err)
	}
}

func TestGlob(t *testing.T) {
	t.Parallel()

	cases := []struct {
		value, expr string
		want        bool
	}{
		{"sum", "sum", true},
		{"sum", "s*", true},
		{"sum", "s?m", true},
		{"sum", "x*", false},
		{"a/b", "*", true},
		{"sum", "su", false},
	}
	for _, c := range cases {
		if got := Glob(c.value, c.expr); got != c.want {
			t.Errorf("Glob(%q, %q) = %v, want %v", c.value, c.expr, got, c.want)
		}
	}
}

func genFactSet() gopter.Gen {
	name := gen.RegexMatch(`[a-z][a-z0-9_]{0,5}`)
	value := gen.RegexMatch(`[a-zA-Z0-9_.-]{0,6}`)
	return gen.MapOf(name, value)
}

func TestParseCanonicalRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(canonical(P)) == P regardless of insertion order", prop.ForAll(
		func(facts map[string]string) bool {
			m := make(Message, len(facts))
			for k, v := range facts {
				m[k] = v
			}
			p := m.Facts()
			back, err := Parse(p.String())
			if err != nil {
				return false
			}
			if !back.Equal(p) {
				return false
			}
			if len(back) != len(p) {
				return false
			}
			for i := range p {
				if back[i] != p[i] {
					return false
				}
			}
			return true
		},
		genFactSet(),
	))

	properties.TestingRun(t)
}
