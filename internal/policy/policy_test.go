package policy

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func testResolver(t *testing.T, rules ...Rule) *Resolver {
	t.Helper()
	set, err := NewSet("test", rules...)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return NewResolver(set, nil)
}

func TestParsePolicy(t *testing.T) {
	doc := `
version: "7"
modules:
  - module: math
    open: true
  - module: json
    attributes: [encode, decode]
`
	set, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if set.Version != "7" {
		t.Errorf("version = %q, want %q", set.Version, "7")
	}
	if got := set.ModuleNames(); !reflect.DeepEqual(got, []string{"json", "math"}) {
		t.Errorf("modules = %v, want [json math]", got)
	}
	r, ok := set.Match("json")
	if !ok {
		t.Fatal("json should match")
	}
	if !reflect.DeepEqual(r.Attributes, []string{"decode", "encode"}) {
		t.Errorf("attributes = %v, want sorted [decode encode]", r.Attributes)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad path", "modules:\n  - module: os..path\n"},
		{"relative", "modules:\n  - module: .math\n"},
		{"duplicate", "modules:\n  - module: math\n  - module: math\n"},
		{"bad attribute", "modules:\n  - module: math\n    attributes: [\"sq rt\"]\n"},
		{"not yaml", "modules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("modules:\n  - module: random\n    open: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Version != "1" {
		t.Errorf("default version = %q, want 1", set.Version)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMatchSegmentGranularity(t *testing.T) {
	set, err := NewSet("1", Rule{Module: "math"}, Rule{Module: "math.ext", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		module string
		want   string
		ok     bool
	}{
		{"math", "math", true},
		{"math.ext", "math.ext", true},
		{"math.ext.deep", "math.ext", true},
		{"math.other", "math", true},
		{"mathx", "", false},
		{"os", "", false},
	}
	for _, tt := range tests {
		r, ok := set.Match(tt.module)
		if ok != tt.ok || r.Module != tt.want {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.module, r.Module, ok, tt.want, tt.ok)
		}
	}
}

func TestResolve(t *testing.T) {
	r := testResolver(t,
		Rule{Module: "math", Open: true},
		Rule{Module: "json", Attributes: []string{"encode"}},
		Rule{Module: "socket", Open: true},
	)

	tests := []struct {
		name   string
		req    ImportRequest
		allow  bool
		reason string
	}{
		{"open module", ImportRequest{Module: "math"}, true, ""},
		{"open attribute", ImportRequest{Module: "math", Attribute: "sqrt"}, true, ""},
		{"listed attribute", ImportRequest{Module: "json", Attribute: "encode", Alias: "enc"}, true, ""},
		{"restricted module", ImportRequest{Module: "json"}, true, ""},
		{"unlisted module", ImportRequest{Module: "os"}, false, "module not permitted: os"},
		{"prefix is not a segment", ImportRequest{Module: "mathx"}, false, "module not permitted: mathx"},
		{"unlisted attribute", ImportRequest{Module: "json", Attribute: "decode"}, false, "attribute not permitted: json.decode"},
		{"missing attribute", ImportRequest{Module: "math", Attribute: "nope"}, false, "cannot import name nope from math"},
		{"not in catalog", ImportRequest{Module: "socket"}, false, "module not available: socket"},
		{"relative", ImportRequest{Module: ".", Attribute: "x"}, false, "relative import not permitted: ."},
		{"wildcard", ImportRequest{Module: "math", Attribute: "*"}, false, "wildcard import not permitted: from math import *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Resolve(tt.req)
			if d.Allowed() != tt.allow {
				t.Fatalf("Allowed() = %v, want %v (reason %q)", d.Allowed(), tt.allow, d.Reason)
			}
			if tt.allow {
				if d.Capability == nil {
					t.Fatal("allowed decision has no capability")
				}
				return
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.reason)
			}
			if d.Capability != nil {
				t.Error("denied decision should not carry a capability")
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	r := testResolver(t, Rule{Module: "json", Attributes: []string{"encode"}})
	for _, req := range []ImportRequest{
		{Module: "json", Attribute: "encode"},
		{Module: "json", Attribute: "decode"},
		{Module: "os"},
	} {
		a, b := r.Resolve(req), r.Resolve(req)
		if a.Outcome != b.Outcome || a.Reason != b.Reason || !reflect.DeepEqual(a.Grant, b.Grant) {
			t.Errorf("Resolve(%v) not deterministic: %+v vs %+v", req, a, b)
		}
	}
}

func TestEmptyPolicyDeniesEverything(t *testing.T) {
	r := NewResolver(nil, nil)
	for _, m := range DefaultCatalog().Names() {
		if d := r.Resolve(ImportRequest{Module: m}); d.Allowed() {
			t.Errorf("empty policy allowed %s", m)
		}
	}
}

func TestRestrictedView(t *testing.T) {
	r := testResolver(t, Rule{Module: "math", Attributes: []string{"sqrt"}})
	d := r.Resolve(ImportRequest{Module: "math"})
	if !d.Allowed() {
		t.Fatalf("denied: %s", d.Reason)
	}
	mod, ok := d.Capability.(*starlarkstruct.Module)
	if !ok {
		t.Fatalf("capability is %T, want module", d.Capability)
	}
	if got := mod.AttrNames(); !reflect.DeepEqual(got, []string{"sqrt"}) {
		t.Errorf("view exposes %v, want [sqrt]", got)
	}
}

func TestDottedImportNamespaces(t *testing.T) {
	c := NewCatalog()
	c.Register("pkg.util", starlark.StringDict{"answer": starlark.MakeInt(42)})
	set, err := NewSet("1", Rule{Module: "pkg", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(set, c)

	d := r.Resolve(ImportRequest{Module: "pkg.util"})
	if !d.Allowed() {
		t.Fatalf("denied: %s", d.Reason)
	}
	outer, ok := d.Capability.(*starlarkstruct.Module)
	if !ok || outer.Name != "pkg" {
		t.Fatalf("capability = %v, want namespace pkg", d.Capability)
	}
	inner, _ := outer.Attr("util")
	if !strings.Contains(inner.String(), "pkg.util") {
		t.Errorf("pkg.util = %v", inner)
	}

	aliased := r.Resolve(ImportRequest{Module: "pkg.util", Alias: "u"})
	if m := aliased.Capability.(*starlarkstruct.Module); m.Name != "pkg.util" {
		t.Errorf("aliased capability = %s, want pkg.util", m.Name)
	}
}

func TestBound(t *testing.T) {
	tests := []struct {
		req  ImportRequest
		want string
	}{
		{ImportRequest{Module: "math"}, "math"},
		{ImportRequest{Module: "a.b.c"}, "a"},
		{ImportRequest{Module: "a.b", Alias: "ab"}, "ab"},
		{ImportRequest{Module: "math", Attribute: "sqrt"}, "sqrt"},
		{ImportRequest{Module: "math", Attribute: "sqrt", Alias: "s"}, "s"},
	}
	for _, tt := range tests {
		if got := tt.req.Bound(); got != tt.want {
			t.Errorf("%v.Bound() = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestRandomModule(t *testing.T) {
	m, ok := DefaultCatalog().Lookup("random")
	if !ok {
		t.Fatal("random not in catalog")
	}
	thread := &starlark.Thread{Name: "test"}
	v, err := starlark.Call(thread, m.Members["randint"], starlark.Tuple{starlark.MakeInt(3), starlark.MakeInt(3)}, nil)
	if err != nil {
		t.Fatalf("randint: %v", err)
	}
	if v.String() != "3" {
		t.Errorf("randint(3, 3) = %s, want 3", v)
	}
	if _, err := starlark.Call(thread, m.Members["choice"], starlark.Tuple{starlark.NewList(nil)}, nil); err == nil {
		t.Error("choice([]) should fail")
	}
}

func TestRandintRanges(t *testing.T) {
	m, _ := DefaultCatalog().Lookup("random")
	thread := &starlark.Thread{Name: "test"}
	tests := []struct {
		lo, hi int64
	}{
		{-5, 5},
		{0, math.MaxInt64},
		{math.MinInt64, 0},
		{math.MinInt64, math.MaxInt64},
		{math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		for range 20 {
			v, err := starlark.Call(thread, m.Members["randint"], starlark.Tuple{starlark.MakeInt64(tt.lo), starlark.MakeInt64(tt.hi)}, nil)
			if err != nil {
				t.Fatalf("randint(%d, %d): %v", tt.lo, tt.hi, err)
			}
			n, ok := v.(starlark.Int).Int64()
			if !ok || n < tt.lo || n > tt.hi {
				t.Fatalf("randint(%d, %d) = %s, out of range", tt.lo, tt.hi, v)
			}
		}
	}

	if _, err := starlark.Call(thread, m.Members["randint"], starlark.Tuple{starlark.MakeInt(5), starlark.MakeInt(1)}, nil); err == nil {
		t.Error("randint(5, 1) should fail")
	}
}
