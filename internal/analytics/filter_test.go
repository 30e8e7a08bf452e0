package analytics

import (
	"errors"
	"strings"
	"testing"
)

func TestCompileSameFieldClausesOrTogether(t *testing.T) {
	pb := newParamBuilder()
	sql, err := VerificationFilters.Compile([]FilterClause{
		{Field: "keyId", Operator: OpIs, Value: "key_a"},
		{Field: "keyId", Operator: OpIs, Value: "key_b"},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "(key_id = @keyId_0 OR key_id = @keyId_1) AND TRUE AND TRUE"
	if sql != want {
		t.Fatalf("got %q, want %q", sql, want)
	}
	if pb.Bindings()["keyId_0"] != "key_a" || pb.Bindings()["keyId_1"] != "key_b" {
		t.Fatalf("bindings not registered: %v", pb.Bindings())
	}
}

func TestCompileCrossFieldClausesAndTogether(t *testing.T) {
	pb := newParamBuilder()
	sql, err := VerificationFilters.Compile([]FilterClause{
		{Field: "keyId", Operator: OpIs, Value: "key_a"},
		{Field: "outcome", Operator: OpIs, Value: OutcomeValid},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "(key_id = @keyId_0) AND TRUE AND (outcome = @outcome_1)"
	if sql != want {
		t.Fatalf("got %q, want %q", sql, want)
	}
}

func TestCompileAbsentFieldsBecomeTrue(t *testing.T) {
	pb := newParamBuilder()
	sql, err := VerificationFilters.Compile(nil, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != "TRUE AND TRUE AND TRUE" {
		t.Fatalf("empty clause list should compile every field to TRUE, got %q", sql)
	}
	if len(pb.Bindings()) != 0 {
		t.Fatalf("empty clause list must not register bindings: %v", pb.Bindings())
	}
}

func TestCompilePatternOperators(t *testing.T) {
	tests := []struct {
		op   Operator
		want string
	}{
		{OpContains, "(key_id LIKE '%' || @keyId_0 || '%') AND TRUE AND TRUE"},
		{OpStartsWith, "(key_id LIKE @keyId_0 || '%') AND TRUE AND TRUE"},
		{OpEndsWith, "(key_id LIKE '%' || @keyId_0) AND TRUE AND TRUE"},
	}
	for _, tc := range tests {
		pb := newParamBuilder()
		sql, err := VerificationFilters.Compile([]FilterClause{
			{Field: "keyId", Operator: tc.op, Value: "abc"},
		}, pb)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.op, err)
		}
		if sql != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.op, sql, tc.want)
		}
	}
}

func TestCompileEscapesLikeMetacharacters(t *testing.T) {
	pb := newParamBuilder()
	_, err := VerificationFilters.Compile([]FilterClause{
		{Field: "keyId", Operator: OpContains, Value: `50%_off\now`},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bound, ok := pb.Bindings()["keyId_0"].(string)
	if !ok {
		t.Fatalf("pattern value not bound as string: %v", pb.Bindings())
	}
	if bound != `50\%\_off\\now` {
		t.Fatalf("metacharacters not escaped, bound %q", bound)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{`%_\`, `\%\_\\`},
	}
	for _, tc := range tests {
		if got := escapeLike(tc.in); got != tc.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCompileRejectsUnknownField(t *testing.T) {
	pb := newParamBuilder()
	_, err := VerificationFilters.Compile([]FilterClause{
		{Field: "ownerId", Operator: OpIs, Value: "x"},
	}, pb)
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompilationError, got %v", err)
	}
	if ce.Field != "ownerId" {
		t.Fatalf("error names wrong field: %v", ce)
	}
}

func TestCompileRejectsUndeclaredOperator(t *testing.T) {
	pb := newParamBuilder()
	_, err := VerificationFilters.Compile([]FilterClause{
		{Field: "keySpaceId", Operator: OpContains, Value: "x"},
	}, pb)
	var ce *CompilationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompilationError, got %v", err)
	}
	if ce.Field != "keySpaceId" || ce.Operator != string(OpContains) {
		t.Fatalf("error names wrong field/operator: %v", ce)
	}
}

func TestCompileEnumField(t *testing.T) {
	pb := newParamBuilder()
	_, err := VerificationFilters.Compile([]FilterClause{
		{Field: "outcome", Operator: OpIs, Value: "NOT_AN_OUTCOME"},
	}, pb)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for out-of-enum value, got %v", err)
	}

	for _, outcome := range verificationOutcomes {
		pb := newParamBuilder()
		if _, err := VerificationFilters.Compile([]FilterClause{
			{Field: "outcome", Operator: OpIs, Value: outcome},
		}, pb); err != nil {
			t.Errorf("outcome %q should be accepted: %v", outcome, err)
		}
	}
}

func TestCompileBooleanField(t *testing.T) {
	pb := newParamBuilder()
	_, err := RatelimitFilters.Compile([]FilterClause{
		{Field: "passed", Operator: OpIs, Value: "true"},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Binding name order: namespaceId and identifier are absent, passed
	// compiles last but is the only binding.
	var found bool
	for _, v := range pb.Bindings() {
		if b, ok := v.(bool); ok && b {
			found = true
		}
	}
	if !found {
		t.Fatalf("boolean field should bind a real bool, got %v", pb.Bindings())
	}

	pb = newParamBuilder()
	_, err = RatelimitFilters.Compile([]FilterClause{
		{Field: "passed", Operator: OpIs, Value: "maybe"},
	}, pb)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for non-boolean value, got %v", err)
	}
}

func TestCompileNumericField(t *testing.T) {
	pb := newParamBuilder()
	_, err := APIRequestFilters.Compile([]FilterClause{
		{Field: "responseStatus", Operator: OpIs, Value: float64(404)},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found bool
	for _, v := range pb.Bindings() {
		if n, ok := v.(int64); ok && n == 404 {
			found = true
		}
	}
	if !found {
		t.Fatalf("numeric field should bind int64, got %v", pb.Bindings())
	}

	pb = newParamBuilder()
	_, err = APIRequestFilters.Compile([]FilterClause{
		{Field: "responseStatus", Operator: OpIs, Value: "404"},
	}, pb)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for string on numeric field, got %v", err)
	}
}

func TestCompileBindingNamesAreUnique(t *testing.T) {
	pb := newParamBuilder()
	clauses := []FilterClause{
		{Field: "keyId", Operator: OpIs, Value: "a"},
		{Field: "keyId", Operator: OpIs, Value: "b"},
		{Field: "keyId", Operator: OpContains, Value: "c"},
		{Field: "outcome", Operator: OpIs, Value: OutcomeValid},
	}
	sql, err := VerificationFilters.Compile(clauses, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pb.Bindings()) != len(clauses) {
		t.Fatalf("expected %d distinct bindings, got %d: %v", len(clauses), len(pb.Bindings()), pb.Bindings())
	}
	for name := range pb.Bindings() {
		if !strings.Contains(sql, "@"+name) {
			t.Errorf("binding %q never referenced in %q", name, sql)
		}
	}
}

// sampleValue picks a legal value for a field/operator pair.
func sampleValue(spec fieldSpec, op Operator) any {
	if op != OpIs {
		return "sample"
	}
	switch {
	case spec.numeric:
		return 200
	case spec.boolean:
		return "true"
	case len(spec.enum) > 0:
		return spec.enum[0]
	default:
		return "sample"
	}
}

func TestEveryDeclaredFieldOperatorPairCompiles(t *testing.T) {
	sets := map[string]*FilterSet{
		"verifications":      VerificationFilters,
		"ratelimits":         RatelimitFilters,
		"api_requests":       APIRequestFilters,
		"api_request_rollup": APIRequestRollupFilters,
	}
	for name, fs := range sets {
		for _, field := range fs.Fields() {
			spec := fs.specs[field]
			for _, op := range spec.operators {
				pb := newParamBuilder()
				sql, err := fs.Compile([]FilterClause{
					{Field: field, Operator: op, Value: sampleValue(spec, op)},
				}, pb)
				if err != nil {
					t.Errorf("%s: %s %s: %v", name, field, op, err)
					continue
				}
				if !strings.Contains(sql, spec.column) {
					t.Errorf("%s: %s %s: compiled SQL %q does not reference column %q", name, field, op, sql, spec.column)
				}
			}
		}
	}
}

// evalPredicate interprets a compiled fragment against one synthetic
// row, covering exactly the forms the compiler emits: TRUE groups,
// parenthesized OR alternatives joined by AND, equality atoms and the
// three LIKE pattern shapes.
func evalPredicate(t *testing.T, sql string, bindings map[string]any, row map[string]any) bool {
	t.Helper()
	for _, group := range strings.Split(sql, " AND ") {
		if group == "TRUE" {
			continue
		}
		group = strings.TrimSuffix(strings.TrimPrefix(group, "("), ")")
		matched := false
		for _, alt := range strings.Split(group, " OR ") {
			if evalAtom(t, alt, bindings, row) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func evalAtom(t *testing.T, atom string, bindings map[string]any, row map[string]any) bool {
	t.Helper()
	bound := func(expr string) string {
		name := strings.TrimPrefix(expr, "@")
		v, ok := bindings[name]
		if !ok {
			t.Fatalf("atom %q references unbound parameter %q", atom, name)
		}
		return v.(string)
	}

	if col, ph, ok := strings.Cut(atom, " = "); ok {
		name := strings.TrimPrefix(ph, "@")
		v, present := bindings[name]
		if !present {
			t.Fatalf("atom %q references unbound parameter %q", atom, name)
		}
		return row[col] == v
	}

	col, pattern, ok := strings.Cut(atom, " LIKE ")
	if !ok {
		t.Fatalf("unrecognized atom %q", atom)
	}
	value, _ := row[col].(string)
	switch {
	case strings.HasPrefix(pattern, "'%' || ") && strings.HasSuffix(pattern, " || '%'"):
		return strings.Contains(value, bound(strings.TrimSuffix(strings.TrimPrefix(pattern, "'%' || "), " || '%'")))
	case strings.HasSuffix(pattern, " || '%'"):
		return strings.HasPrefix(value, bound(strings.TrimSuffix(pattern, " || '%'")))
	case strings.HasPrefix(pattern, "'%' || "):
		return strings.HasSuffix(value, bound(strings.TrimPrefix(pattern, "'%' || ")))
	}
	t.Fatalf("unrecognized pattern %q", pattern)
	return false
}

func TestFilterCompositionSemantics(t *testing.T) {
	pb := newParamBuilder()
	sql, err := VerificationFilters.Compile([]FilterClause{
		{Field: "outcome", Operator: OpIs, Value: OutcomeValid},
		{Field: "outcome", Operator: OpIs, Value: OutcomeExpired},
		{Field: "keyId", Operator: OpContains, Value: "bc"},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// (outcome=VALID OR outcome=EXPIRED) AND key_id contains "bc".
	rows := []struct {
		row  map[string]any
		want bool
	}{
		{map[string]any{"key_id": "abc123", "outcome": OutcomeValid}, true},
		{map[string]any{"key_id": "abc123", "outcome": OutcomeExpired}, true},
		{map[string]any{"key_id": "abc123", "outcome": OutcomeDisabled}, false},
		{map[string]any{"key_id": "xyz789", "outcome": OutcomeValid}, false},
		{map[string]any{"key_id": "bcd", "outcome": OutcomeExpired}, true},
	}
	for i, tc := range rows {
		if got := evalPredicate(t, sql, pb.Bindings(), tc.row); got != tc.want {
			t.Errorf("row %d %v: matched=%v, want %v (sql %q)", i, tc.row, got, tc.want, sql)
		}
	}
}

func TestFilterContainsSelectsOnlyMatchingRows(t *testing.T) {
	pb := newParamBuilder()
	sql, err := VerificationFilters.Compile([]FilterClause{
		{Field: "keyId", Operator: OpContains, Value: "abc"},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := []string{"abc123", "xyz789"}
	var matched []string
	for _, id := range stored {
		if evalPredicate(t, sql, pb.Bindings(), map[string]any{"key_id": id}) {
			matched = append(matched, id)
		}
	}
	if len(matched) != 1 || matched[0] != "abc123" {
		t.Fatalf("matched %v, want [abc123]", matched)
	}
}

func TestCompileNeverInlinesValues(t *testing.T) {
	pb := newParamBuilder()
	sql, err := APIRequestFilters.Compile([]FilterClause{
		{Field: "path", Operator: OpContains, Value: "'; DROP TABLE api_requests_raw; --"},
	}, pb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(sql, "DROP TABLE") {
		t.Fatalf("caller value leaked into SQL text: %q", sql)
	}
}
