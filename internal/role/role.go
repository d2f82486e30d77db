// Package role maps session role tags onto the identity flag that must hold
// for a session of that kind.
package role

import "strings"

// Role is one of the administrative session kinds. None means no role
// predicate is applied to a lookup.
type Role int

const (
	None Role = iota
	Staff
	HeadOfUnit
	HeadOfDepartment
	HeadOfService
	PermanentSecretary
)

type definition struct {
	tag  string
	flag string
}

var definitions = [...]definition{
	None:               {tag: "", flag: ""},
	Staff:              {tag: "staff", flag: "staff"},
	HeadOfUnit:         {tag: "hou", flag: "head_of_unit"},
	HeadOfDepartment:   {tag: "hod", flag: "head_of_department"},
	HeadOfService:      {tag: "hos", flag: "head_of_service"},
	PermanentSecretary: {tag: "ps", flag: "permanent_secretary"},
}

// All lists every role that carries a predicate, in flag column order.
var All = []Role{Staff, HeadOfUnit, HeadOfDepartment, HeadOfService, PermanentSecretary}

// Resolve maps a role tag to its Role. Unrecognized tags, including "hou",
// resolve to HeadOfUnit.
func Resolve(tag string) Role {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "hos":
		return HeadOfService
	case "ps":
		return PermanentSecretary
	case "hod":
		return HeadOfDepartment
	case "staff":
		return Staff
	default:
		return HeadOfUnit
	}
}

// ResolveOptional is Resolve for callers where the tag may be absent; an
// empty tag yields None.
func ResolveOptional(tag string) Role {
	if strings.TrimSpace(tag) == "" {
		return None
	}
	return Resolve(tag)
}

func (r Role) valid() bool {
	return r >= None && int(r) < len(definitions)
}

// Flag returns the identity column that must be true for r. It is empty for
// None. The set of values is closed, so callers may interpolate it into SQL.
func (r Role) Flag() string {
	if !r.valid() {
		return definitions[HeadOfUnit].flag
	}
	return definitions[r].flag
}

// Tag returns the canonical short tag for r.
func (r Role) Tag() string {
	if !r.valid() {
		return definitions[HeadOfUnit].tag
	}
	return definitions[r].tag
}

func (r Role) String() string {
	if r == None {
		return "none"
	}
	return r.Flag()
}

// Flags is the set of role flags held by an identity.
type Flags struct {
	Staff              bool `json:"staff"`
	HeadOfUnit         bool `json:"head_of_unit"`
	HeadOfDepartment   bool `json:"head_of_department"`
	HeadOfService      bool `json:"head_of_service"`
	PermanentSecretary bool `json:"permanent_secretary"`
}

// Has reports whether the flag for r is set. Every Flags value satisfies None.
func (f Flags) Has(r Role) bool {
	switch r {
	case None:
		return true
	case Staff:
		return f.Staff
	case HeadOfDepartment:
		return f.HeadOfDepartment
	case HeadOfService:
		return f.HeadOfService
	case PermanentSecretary:
		return f.PermanentSecretary
	default:
		return f.HeadOfUnit
	}
}

// SatisfiedBy reports whether an identity holding flags may hold a session
// of kind r.
func (r Role) SatisfiedBy(flags Flags) bool {
	return flags.Has(r)
}

// FromFlagNames builds Flags from a list of flag column names.
func FromFlagNames(names []string) Flags {
	var f Flags
	for _, name := range names {
		switch name {
		case "staff":
			f.Staff = true
		case "head_of_unit":
			f.HeadOfUnit = true
		case "head_of_department":
			f.HeadOfDepartment = true
		case "head_of_service":
			f.HeadOfService = true
		case "permanent_secretary":
			f.PermanentSecretary = true
		}
	}
	return f
}

// Names returns the flag column names set in f.
func (f Flags) Names() []string {
	var names []string
	for _, r := range All {
		if f.Has(r) {
			names = append(names, r.Flag())
		}
	}
	return names
}
