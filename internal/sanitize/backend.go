// Package sanitize reduces arbitrary HTML to a safe allow-listed subset.
//
// The tree walk is expressed against the Backend capability so the policy
// does not depend on any particular document implementation.
package sanitize

// Decision tells a backend what to do with an element.
type Decision int

const (
	// Keep retains the element with the returned attributes.
	Keep Decision = iota
	// Unwrap discards the element but promotes its children to the parent.
	Unwrap
	// Drop removes the element together with its subtree.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Unwrap:
		return "unwrap"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Attr is a single element attribute, lower-cased key.
type Attr struct {
	Key string
	Val string
}

// Visitor decides the fate of every element a backend encounters.
type Visitor interface {
	Element(tag string, attrs []Attr) (Decision, []Attr)
}

// Backend parses src as a detached fragment, applies v to every element in
// document order and serialises the result. Comments and doctypes are never
// emitted. Implementations must not touch any shared document state.
type Backend interface {
	Walk(src string, v Visitor) (string, error)
}
