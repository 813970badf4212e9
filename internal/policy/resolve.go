package policy

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

// Outcome is the verdict of a single resolution.
type Outcome string

const (
	Allow Outcome = "allow"
	Deny  Outcome = "deny"
)

// ImportRequest is one name binding requested by an import statement.
// "import a.b as c" is {Module: "a.b", Alias: "c"}; "from a import b as c"
// is {Module: "a", Attribute: "b", Alias: "c"}.
type ImportRequest struct {
	Module    string `json:"module"`
	Attribute string `json:"attribute,omitempty"`
	Alias     string `json:"alias,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Bound returns the local name the statement binds.
func (r ImportRequest) Bound() string {
	switch {
	case r.Alias != "":
		return r.Alias
	case r.Attribute != "":
		return r.Attribute
	default:
		head, _, _ := strings.Cut(r.Module, ".")
		return head
	}
}

func (r ImportRequest) String() string {
	var b strings.Builder
	if r.Attribute != "" {
		fmt.Fprintf(&b, "from %s import %s", r.Module, r.Attribute)
	} else {
		fmt.Fprintf(&b, "import %s", r.Module)
	}
	if r.Alias != "" {
		fmt.Fprintf(&b, " as %s", r.Alias)
	}
	return b.String()
}

// Grant describes what an allow decision hands out. It is plain data so a
// child process can rebuild the capability from it.
type Grant struct {
	Attributes []string `json:"attributes,omitempty"`
	Open       bool     `json:"open,omitempty"`
}

// Decision is the resolver's verdict for one request.
type Decision struct {
	Request    ImportRequest
	Outcome    Outcome
	Reason     string
	Grant      Grant
	Capability starlark.Value
}

// Allowed reports whether the request was granted.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Resolver decides import requests against a fixed Set and Catalog. It never
// loads or runs anything beyond reading the catalog tables.
type Resolver struct {
	set     *Set
	catalog *Catalog
}

// NewResolver returns a resolver over set and catalog. A nil set denies
// everything; a nil catalog means DefaultCatalog.
func NewResolver(set *Set, catalog *Catalog) *Resolver {
	if set == nil {
		set = Empty()
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Resolver{set: set, catalog: catalog}
}

// Set returns the policy the resolver was built with.
func (r *Resolver) Set() *Set { return r.set }

// Catalog returns the module catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve returns the decision for req.
func (r *Resolver) Resolve(req ImportRequest) Decision {
	deny := func(format string, args ...any) Decision {
		return Decision{Request: req, Outcome: Deny, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.HasPrefix(req.Module, ".") {
		return deny("relative import not permitted: %s", req.Module)
	}
	if req.Attribute == "*" {
		return deny("wildcard import not permitted: from %s import *", req.Module)
	}

	rule, ok := r.set.Match(req.Module)
	if !ok {
		return deny("module not permitted: %s", req.Module)
	}
	if _, ok := r.catalog.Lookup(req.Module); !ok {
		return deny("module not available: %s", req.Module)
	}

	var g Grant
	if rule.Module == req.Module {
		g = Grant{Attributes: rule.Attributes, Open: rule.Open}
	} else {
		// Submodules of an allow-listed path inherit openness only.
		g = Grant{Open: rule.Open}
	}

	if req.Attribute != "" && !g.Open && !contains(g.Attributes, req.Attribute) {
		return deny("attribute not permitted: %s.%s", req.Module, req.Attribute)
	}

	capability, err := r.catalog.Capability(req, g)
	if err != nil {
		return deny("%s", err.Error())
	}
	return Decision{Request: req, Outcome: Allow, Grant: g, Capability: capability}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
