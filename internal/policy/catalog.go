package policy

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Catalog is the table of modules the sandbox can provide at all. The
// policy decides which of them a program may actually bind.
type Catalog struct {
	modules map[string]*starlarkstruct.Module
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{modules: make(map[string]*starlarkstruct.Module)}
}

// DefaultCatalog provides math, json, time and random.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register("math", math.Module.Members)
	c.Register("json", json.Module.Members)
	c.Register("time", time.Module.Members)
	c.Register("random", randomMembers())
	return c
}

// Register adds or replaces a module. It must not be called once the
// catalog is shared with a running resolver.
func (c *Catalog) Register(path string, members starlark.StringDict) {
	c.modules[path] = &starlarkstruct.Module{Name: path, Members: members}
}

// Lookup returns the module registered at path.
func (c *Catalog) Lookup(path string) (*starlarkstruct.Module, bool) {
	m, ok := c.modules[path]
	return m, ok
}

// Names returns the registered module paths in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.modules))
	for n := range c.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Capability builds the value bound for an allowed request. It is called
// both by the resolver and by a sandbox child process rebuilding bindings
// from their serialized grants, so it must depend only on its inputs.
func (c *Catalog) Capability(req ImportRequest, g Grant) (starlark.Value, error) {
	mod, ok := c.Lookup(req.Module)
	if !ok {
		return nil, fmt.Errorf("module not available: %s", req.Module)
	}

	if req.Attribute != "" {
		v, ok := mod.Members[req.Attribute]
		if !ok {
			return nil, fmt.Errorf("cannot import name %s from %s", req.Attribute, req.Module)
		}
		return v, nil
	}

	var view starlark.Value = mod
	if !g.Open {
		members := make(starlark.StringDict, len(g.Attributes))
		for _, a := range g.Attributes {
			if v, ok := mod.Members[a]; ok {
				members[a] = v
			}
		}
		view = &starlarkstruct.Module{Name: mod.Name, Members: members}
	}

	// "import a.b" binds a, so wrap the leaf in one namespace per parent segment.
	if req.Alias == "" && strings.Contains(req.Module, ".") {
		segs := strings.Split(req.Module, ".")
		for i := len(segs) - 1; i > 0; i-- {
			view = &starlarkstruct.Module{
				Name:    strings.Join(segs[:i], "."),
				Members: starlark.StringDict{segs[i]: view},
			}
		}
	}
	return view, nil
}

func randomMembers() starlark.StringDict {
	return starlark.StringDict{
		"random": starlark.NewBuiltin("random", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(rand.Float64()), nil
		}),
		"randint": starlark.NewBuiltin("randint", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var lo, hi int
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("%s: empty range (%d, %d)", fn.Name(), lo, hi)
			}
			// Unsigned so spans wider than the int range do not overflow.
			span := uint64(hi) - uint64(lo)
			var n uint64
			if span == ^uint64(0) {
				n = rand.Uint64()
			} else {
				n = rand.Uint64N(span + 1)
			}
			return starlark.MakeInt64(int64(uint64(lo) + n)), nil
		}),
		"choice": starlark.NewBuiltin("choice", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var seq starlark.Indexable
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &seq); err != nil {
				return nil, err
			}
			if seq.Len() == 0 {
				return nil, fmt.Errorf("%s: cannot choose from an empty sequence", fn.Name())
			}
			return seq.Index(rand.IntN(seq.Len())), nil
		}),
	}
}
