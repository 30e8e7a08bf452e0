package analytics

import "strconv"

// paramBuilder assigns deterministic, collision-free names to query
// bindings. Every dynamically generated placeholder in one compiled query
// goes through a single builder, so two clauses on the same field can
// never shadow each other's value.
type paramBuilder struct {
	n        int
	bindings map[string]any
}

func newParamBuilder() *paramBuilder {
	return &paramBuilder{bindings: make(map[string]any)}
}

// bind registers value under a unique name derived from the given label
// and returns the placeholder to splice into the query template. Labels
// come from enum-validated field names, never from caller free text.
func (b *paramBuilder) bind(label string, value any) string {
	name := label + "_" + strconv.Itoa(b.n)
	b.n++
	b.bindings[name] = value
	return "@" + name
}

// Bindings returns the accumulated name -> value map to pass alongside
// the compiled template.
func (b *paramBuilder) Bindings() map[string]any {
	return b.bindings
}
