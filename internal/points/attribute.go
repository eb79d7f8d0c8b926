package points

import (
	"fmt"
	"strconv"
)

// Kind is the value type of an attribute.
type Kind int

const (
	Integer Kind = iota + 1
	Double
	String
	Logical
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Double:
		return "double"
	case String:
		return "string"
	case Logical:
		return "logical"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Attribute is a named, typed value carried through unchanged.
type Attribute struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
}

func IntAttr(name string, v int64) Attribute      { return Attribute{Name: name, Kind: Integer, Int: v} }
func DoubleAttr(name string, v float64) Attribute { return Attribute{Name: name, Kind: Double, Float: v} }
func StringAttr(name, v string) Attribute         { return Attribute{Name: name, Kind: String, Str: v} }
func BoolAttr(name string, v bool) Attribute      { return Attribute{Name: name, Kind: Logical, Bool: v} }

// Value returns the attribute as a plain Go value.
func (a Attribute) Value() any {
	switch a.Kind {
	case Integer:
		return a.Int
	case Double:
		return a.Float
	case Logical:
		return a.Bool
	default:
		return a.Str
	}
}

func (a Attribute) String() string {
	return fmt.Sprintf("%s=%v", a.Name, a.Value())
}

// Properties is an ordered attribute list.
type Properties []Attribute

// Get returns the first attribute with the given name.
func (p Properties) Get(name string) (Attribute, bool) {
	for _, a := range p {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// With returns a copy of p with a appended, replacing any attribute of the
// same name in place.
func (p Properties) With(a Attribute) Properties {
	out := make(Properties, 0, len(p)+1)
	replaced := false
	for _, cur := range p {
		if cur.Name == a.Name {
			out = append(out, a)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, a)
	}
	return out
}

// Map flattens the attributes into a map, losing order.
func (p Properties) Map() map[string]any {
	out := make(map[string]any, len(p))
	for _, a := range p {
		out[a.Name] = a.Value()
	}
	return out
}
