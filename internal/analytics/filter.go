package analytics

import (
	"strings"
)

// Operator is a filter comparison operator. The set an individual field
// accepts is declared in its fieldSpec; anything else is rejected before
// a query is built.
type Operator string

const (
	OpIs         Operator = "is"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
)

// FilterClause is one caller-supplied filter: field, operator, value.
// Multiple clauses on the same field OR together; clauses across
// different fields AND together.
type FilterClause struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type fieldSpec struct {
	column    string
	operators []Operator
	// enum, when non-empty, is the closed set of values the field accepts
	// (operator must be OpIs).
	enum []string
	// numeric fields only accept OpIs with a numeric value.
	numeric bool
	// boolean fields accept "true"/"false" and bind a real bool.
	boolean bool
}

// FilterSet is the operator whitelist for one queryable table. Field
// declaration order is preserved so compiled predicates are deterministic.
type FilterSet struct {
	order []string
	specs map[string]fieldSpec
}

func newFilterSet() *FilterSet {
	return &FilterSet{specs: make(map[string]fieldSpec)}
}

func (fs *FilterSet) add(field string, spec fieldSpec) *FilterSet {
	fs.order = append(fs.order, field)
	fs.specs[field] = spec
	return fs
}

// Fields returns the declared field names in declaration order.
func (fs *FilterSet) Fields() []string {
	out := make([]string, len(fs.order))
	copy(out, fs.order)
	return out
}

// Allows reports whether field accepts op.
func (fs *FilterSet) Allows(field string, op Operator) bool {
	spec, ok := fs.specs[field]
	if !ok {
		return false
	}
	for _, allowed := range spec.operators {
		if allowed == op {
			return true
		}
	}
	return false
}

// Compile renders the clauses into one boolean SQL fragment plus the
// bindings registered on pb. Every declared field contributes exactly one
// AND-group: fields without clauses compile to TRUE, never to an omitted
// empty string, so the result is safe to AND into any template
// unconditionally. Values only ever travel as named bindings.
func (fs *FilterSet) Compile(clauses []FilterClause, pb *paramBuilder) (string, error) {
	byField := make(map[string][]FilterClause)
	for _, c := range clauses {
		if _, ok := fs.specs[c.Field]; !ok {
			return "", &CompilationError{Field: c.Field, Reason: "unknown filter field"}
		}
		byField[c.Field] = append(byField[c.Field], c)
	}

	groups := make([]string, 0, len(fs.order))
	for _, field := range fs.order {
		spec := fs.specs[field]
		fieldClauses := byField[field]
		if len(fieldClauses) == 0 {
			groups = append(groups, "TRUE")
			continue
		}

		alts := make([]string, 0, len(fieldClauses))
		for _, c := range fieldClauses {
			frag, err := fs.compileClause(field, spec, c, pb)
			if err != nil {
				return "", err
			}
			alts = append(alts, frag)
		}
		groups = append(groups, "("+strings.Join(alts, " OR ")+")")
	}

	return strings.Join(groups, " AND "), nil
}

func (fs *FilterSet) compileClause(field string, spec fieldSpec, c FilterClause, pb *paramBuilder) (string, error) {
	if !fs.Allows(field, c.Operator) {
		return "", &CompilationError{Field: field, Operator: string(c.Operator)}
	}

	switch c.Operator {
	case OpIs:
		value, err := spec.coerce(field, c.Value)
		if err != nil {
			return "", err
		}
		return spec.column + " = " + pb.bind(field, value), nil

	case OpContains, OpStartsWith, OpEndsWith:
		s, ok := c.Value.(string)
		if !ok {
			return "", &ValidationError{Field: field, Reason: "pattern operators require a string value"}
		}
		// The value is bound as a parameter; only the escaping-safe
		// concatenation with % literals shapes the pattern.
		ph := pb.bind(field, escapeLike(s))
		switch c.Operator {
		case OpContains:
			return spec.column + " LIKE '%' || " + ph + " || '%'", nil
		case OpStartsWith:
			return spec.column + " LIKE " + ph + " || '%'", nil
		default:
			return spec.column + " LIKE '%' || " + ph, nil
		}

	default:
		return "", &CompilationError{Field: field, Operator: string(c.Operator)}
	}
}

// coerce checks an OpIs value against the field's declared shape and
// returns the value to bind.
func (s fieldSpec) coerce(field string, v any) (any, error) {
	if s.numeric {
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		default:
			return nil, &ValidationError{Field: field, Reason: "value must be a number"}
		}
	}

	str, ok := v.(string)
	if !ok {
		return nil, &ValidationError{Field: field, Reason: "value must be a string"}
	}

	if s.boolean {
		switch str {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, &ValidationError{Field: field, Reason: `value must be "true" or "false"`}
		}
	}

	if len(s.enum) > 0 {
		for _, allowed := range s.enum {
			if str == allowed {
				return str, nil
			}
		}
		return nil, &ValidationError{Field: field, Reason: "value is not in the allowed set"}
	}

	return str, nil
}

// escapeLike neutralizes LIKE metacharacters in a user-supplied value so
// it matches literally inside a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Verification outcomes as stored in the rollup tables.
var verificationOutcomes = []string{
	OutcomeValid,
	OutcomeRateLimited,
	OutcomeExpired,
	OutcomeDisabled,
	OutcomeForbidden,
	OutcomeUsageExceeded,
}

// VerificationFilters is the whitelist for key-verification queries.
var VerificationFilters = newFilterSet().
	add("keyId", fieldSpec{column: "key_id", operators: []Operator{OpIs, OpContains, OpStartsWith, OpEndsWith}}).
	add("keySpaceId", fieldSpec{column: "key_space_id", operators: []Operator{OpIs}}).
	add("outcome", fieldSpec{column: "outcome", operators: []Operator{OpIs}, enum: verificationOutcomes})

// RatelimitFilters is the whitelist for ratelimit-decision queries.
var RatelimitFilters = newFilterSet().
	add("namespaceId", fieldSpec{column: "namespace_id", operators: []Operator{OpIs}}).
	add("identifier", fieldSpec{column: "identifier", operators: []Operator{OpIs, OpContains, OpStartsWith, OpEndsWith}}).
	add("passed", fieldSpec{column: "passed", operators: []Operator{OpIs}, boolean: true})

// APIRequestFilters is the whitelist for the raw request log. The
// responseStatus field is numeric and only supports exact match.
var APIRequestFilters = newFilterSet().
	add("requestId", fieldSpec{column: "request_id", operators: []Operator{OpIs}}).
	add("host", fieldSpec{column: "host", operators: []Operator{OpIs, OpContains}}).
	add("method", fieldSpec{column: "method", operators: []Operator{OpIs}, enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}}).
	add("path", fieldSpec{column: "path", operators: []Operator{OpIs, OpContains, OpStartsWith, OpEndsWith}}).
	add("responseStatus", fieldSpec{column: "response_status", operators: []Operator{OpIs}, numeric: true})

// APIRequestRollupFilters is the subset of request-log fields carried
// into the pre-aggregated request rollups.
var APIRequestRollupFilters = newFilterSet().
	add("host", fieldSpec{column: "host", operators: []Operator{OpIs, OpContains}}).
	add("method", fieldSpec{column: "method", operators: []Operator{OpIs}, enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}}).
	add("path", fieldSpec{column: "path", operators: []Operator{OpIs, OpContains, OpStartsWith, OpEndsWith}})
