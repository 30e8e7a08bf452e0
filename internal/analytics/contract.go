package analytics

import (
	"context"
)

// Params is implemented by typed request structs. Validate runs before
// any store I/O; a failure means the query is never executed.
type Params interface {
	Validate() error
}

// Row is implemented by typed result-row structs. Validate runs on every
// row coming back from the store.
type Row interface {
	Validate() error
}

// Querier is the store boundary. Implementations execute a parameterized
// template with named bindings and scan the result into dest (a pointer
// to a slice of row structs). There is no caching and no retrying here;
// a failed call surfaces immediately.
type Querier interface {
	Select(ctx context.Context, template string, bindings map[string]any, dest any) error
	Insert(ctx context.Context, table string, rows any) error
}

// Query validates params, executes the template through q and validates
// every returned row against the declared row type. A single row failing
// validation aborts the whole response: it signals store/schema drift
// that must not be tolerated silently.
func Query[R Row](ctx context.Context, q Querier, name string, params Params, template string, bindings map[string]any) ([]R, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var rows []R
	if err := q.Select(ctx, template, bindings, &rows); err != nil {
		return nil, &StoreError{Query: name, Err: err}
	}

	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return nil, &SchemaMismatchError{Query: name, Row: i, Reason: err.Error()}
		}
	}
	return rows, nil
}

// Insert validates every event up front and appends the batch to table.
// Validation failures are reported before anything is written.
func Insert[E Row](ctx context.Context, q Querier, table string, events []E) error {
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return err
		}
	}
	if len(events) == 0 {
		return nil
	}
	if err := q.Insert(ctx, table, events); err != nil {
		return &StoreError{Query: "insert " + table, Err: err}
	}
	return nil
}

// Noop satisfies Querier without a configured store: it accepts any valid
// input and returns empty results. Downstream components stay fully
// exercisable in tests and store-less deployments.
type Noop struct{}

func (Noop) Select(ctx context.Context, template string, bindings map[string]any, dest any) error {
	return nil
}

func (Noop) Insert(ctx context.Context, table string, rows any) error {
	return nil
}
