package analytics

import (
	"context"
	"time"
)

// BillingRequest identifies one calendar month of one workspace.
// Month is 1-12, not zero-indexed.
type BillingRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Year        int    `json:"year"`
	Month       int    `json:"month"`
}

func (r BillingRequest) Validate() error {
	if r.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	if r.Year < 1970 || r.Year > 9999 {
		return &ValidationError{Field: "year", Reason: "year out of range"}
	}
	if r.Month < 1 || r.Month > 12 {
		return &ValidationError{Field: "month", Reason: "month must be 1-12"}
	}
	return nil
}

// monthStart returns the ms epoch of the first instant of the period.
func (r BillingRequest) monthStart() int64 {
	return time.Date(r.Year, time.Month(r.Month), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// BillingUsage is the exact billable-event count for one period.
type BillingUsage struct {
	Verifications int64 `json:"verifications"`
	Ratelimits    int64 `json:"ratelimits"`
	Total         int64 `json:"total"`
}

// billingRow is the single-row shape of a monthly usage count.
type billingRow struct {
	Count int64
}

func (r billingRow) Validate() error {
	if r.Count < 0 {
		return &ValidationError{Field: "count", Reason: "negative usage count"}
	}
	return nil
}

func sumMonthlyRollup(ctx context.Context, q Querier, name string, req BillingRequest, table, extra string) (int64, error) {
	pb := newParamBuilder()
	template := "SELECT COALESCE(SUM(count), 0) AS count FROM " + table +
		" WHERE workspace_id = " + pb.bind("workspace_id", req.WorkspaceID) +
		" AND bucket_start = " + pb.bind("bucket_start", req.monthStart())
	if extra != "" {
		template += " AND " + extra
	}

	rows, err := Query[billingRow](ctx, q, name, req, template, pb.Bindings())
	if err != nil {
		return 0, err
	}
	// COALESCE guarantees one row; an empty result (Noop store) is a
	// legitimate zero, not an error.
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// BillableUsage returns the exact count of billable events for the
// period: successful verifications plus passed ratelimit decisions,
// summed across all sub-groupings of the tenant. Absent rollup rows
// mean zero usage. The call is read-only and idempotent.
func BillableUsage(ctx context.Context, q Querier, req BillingRequest) (BillingUsage, error) {
	if err := req.Validate(); err != nil {
		return BillingUsage{}, err
	}

	verifications, err := sumMonthlyRollup(ctx, q, "billing.verifications", req,
		TableVerificationsPerMonth, "outcome = '"+OutcomeValid+"'")
	if err != nil {
		return BillingUsage{}, err
	}

	ratelimits, err := sumMonthlyRollup(ctx, q, "billing.ratelimits", req,
		TableRatelimitsPerMonth, "passed")
	if err != nil {
		return BillingUsage{}, err
	}

	return BillingUsage{
		Verifications: verifications,
		Ratelimits:    ratelimits,
		Total:         verifications + ratelimits,
	}, nil
}
