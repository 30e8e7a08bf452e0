package analytics

import (
	"context"
)

// DataPoint is one bucket of a timeseries: the bucket start (ms epoch)
// and a named metric map. Within one response points are strictly
// ascending, one bucket width apart, with no missing buckets.
type DataPoint struct {
	X int64              `json:"x"`
	Y map[string]float64 `json:"y"`
}

// TimeseriesRequest asks for a gap-free bucketed series over [StartTime,
// EndTime) at the named granularity. Tenant scoping is mandatory: the
// workspace id lands in every compiled query.
type TimeseriesRequest struct {
	WorkspaceID string        `json:"workspace_id"`
	StartTime   int64         `json:"start_time"` // ms epoch, inclusive
	EndTime     int64         `json:"end_time"`   // ms epoch, exclusive
	Granularity string        `json:"granularity"`
	Filters     []FilterClause `json:"filters,omitempty"`
}

func (r TimeseriesRequest) Validate() error {
	if r.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	if r.StartTime <= 0 || r.EndTime <= 0 {
		return &ValidationError{Field: "start_time", Reason: "times must be positive ms epochs"}
	}
	if r.StartTime >= r.EndTime {
		return &ValidationError{Field: "start_time", Reason: "start_time must be before end_time"}
	}
	if r.Granularity == "" {
		return &ValidationError{Field: "granularity", Reason: "must not be empty"}
	}
	return nil
}

// buildBucketQuery assembles the shared SELECT skeleton: bucket
// expression, tenant scope, compiled filters and the bucket-start range.
// selectList must alias its first expression to the bucket expression
// via the returned placeholder name "x".
func buildBucketQuery(req TimeseriesRequest, iv Interval, fs *FilterSet, selectList string) (string, map[string]any, error) {
	pb := newParamBuilder()

	filterSQL, err := fs.Compile(req.Filters, pb)
	if err != nil {
		return "", nil, err
	}

	bucketExpr := "bucket_start"
	if iv.Unit != UnitMonth {
		bucketExpr = "bucket_start - (bucket_start % " + pb.bind("bucket_width", iv.WidthMillis()) + ")"
	}

	template := "SELECT " + bucketExpr + " AS x, " + selectList +
		" FROM " + iv.Table +
		" WHERE workspace_id = " + pb.bind("workspace_id", req.WorkspaceID) +
		" AND " + filterSQL +
		" AND bucket_start >= " + pb.bind("start_time", iv.BucketStart(req.StartTime)) +
		" AND bucket_start < " + pb.bind("end_time", req.EndTime) +
		" GROUP BY 1 ORDER BY 1 ASC"

	return template, pb.Bindings(), nil
}

// gapFill produces the complete ordered bucket list for [start, end) and
// fills buckets without source rows with zero-valued metrics. The series
// covers every bucket that intersects the window, starting at the
// epoch-aligned bucket containing start.
func gapFill(iv Interval, start, end int64, metrics []string, have map[int64]map[string]float64) []DataPoint {
	points := make([]DataPoint, 0, len(have))
	for x := iv.BucketStart(start); x < end; x = iv.Next(x) {
		y := have[x]
		if y == nil {
			y = make(map[string]float64, len(metrics))
			for _, m := range metrics {
				y[m] = 0
			}
		}
		points = append(points, DataPoint{X: x, Y: y})
	}
	return points
}

// verificationBucket is the result-row shape of a verification
// timeseries query.
type verificationBucket struct {
	X           int64
	Valid       int64
	RateLimited int64
	Expired     int64
	Disabled    int64
	Total       int64
}

func (r verificationBucket) Validate() error {
	if r.Valid < 0 || r.RateLimited < 0 || r.Expired < 0 || r.Disabled < 0 || r.Total < 0 {
		return &ValidationError{Field: "count", Reason: "negative aggregate count"}
	}
	if r.Total < r.Valid+r.RateLimited+r.Expired+r.Disabled {
		return &ValidationError{Field: "total", Reason: "total smaller than outcome sum"}
	}
	return nil
}

var verificationMetrics = []string{"valid", "rate_limited", "expired", "disabled", "other", "total"}

// VerificationTimeseries returns a gap-free series of verification
// outcomes per bucket.
func VerificationTimeseries(ctx context.Context, q Querier, req TimeseriesRequest) ([]DataPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	iv, err := VerificationIntervals.Resolve(req.Granularity)
	if err != nil {
		return nil, err
	}

	const selectList = "SUM(CASE WHEN outcome = 'VALID' THEN count ELSE 0 END) AS valid, " +
		"SUM(CASE WHEN outcome = 'RATE_LIMITED' THEN count ELSE 0 END) AS rate_limited, " +
		"SUM(CASE WHEN outcome = 'EXPIRED' THEN count ELSE 0 END) AS expired, " +
		"SUM(CASE WHEN outcome = 'DISABLED' THEN count ELSE 0 END) AS disabled, " +
		"SUM(count) AS total"

	template, bindings, err := buildBucketQuery(req, iv, VerificationFilters, selectList)
	if err != nil {
		return nil, err
	}

	rows, err := Query[verificationBucket](ctx, q, "verifications.timeseries", req, template, bindings)
	if err != nil {
		return nil, err
	}

	have := make(map[int64]map[string]float64, len(rows))
	for _, row := range rows {
		x := iv.BucketStart(row.X)
		y := have[x]
		if y == nil {
			y = map[string]float64{"valid": 0, "rate_limited": 0, "expired": 0, "disabled": 0, "other": 0, "total": 0}
			have[x] = y
		}
		y["valid"] += float64(row.Valid)
		y["rate_limited"] += float64(row.RateLimited)
		y["expired"] += float64(row.Expired)
		y["disabled"] += float64(row.Disabled)
		y["other"] += float64(row.Total - row.Valid - row.RateLimited - row.Expired - row.Disabled)
		y["total"] += float64(row.Total)
	}

	return gapFill(iv, req.StartTime, req.EndTime, verificationMetrics, have), nil
}

// ratelimitBucket is the result-row shape of a ratelimit timeseries query.
type ratelimitBucket struct {
	X      int64
	Passed int64
	Total  int64
}

func (r ratelimitBucket) Validate() error {
	if r.Passed < 0 || r.Total < 0 {
		return &ValidationError{Field: "count", Reason: "negative aggregate count"}
	}
	if r.Passed > r.Total {
		return &ValidationError{Field: "passed", Reason: "passed exceeds total"}
	}
	return nil
}

var ratelimitMetrics = []string{"passed", "total"}

// RatelimitTimeseries returns a gap-free series of ratelimit decisions
// per bucket.
func RatelimitTimeseries(ctx context.Context, q Querier, req TimeseriesRequest) ([]DataPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	iv, err := RatelimitIntervals.Resolve(req.Granularity)
	if err != nil {
		return nil, err
	}

	const selectList = "SUM(CASE WHEN passed THEN count ELSE 0 END) AS passed, SUM(count) AS total"

	template, bindings, err := buildBucketQuery(req, iv, RatelimitFilters, selectList)
	if err != nil {
		return nil, err
	}

	rows, err := Query[ratelimitBucket](ctx, q, "ratelimits.timeseries", req, template, bindings)
	if err != nil {
		return nil, err
	}

	have := make(map[int64]map[string]float64, len(rows))
	for _, row := range rows {
		x := iv.BucketStart(row.X)
		y := have[x]
		if y == nil {
			y = map[string]float64{"passed": 0, "total": 0}
			have[x] = y
		}
		y["passed"] += float64(row.Passed)
		y["total"] += float64(row.Total)
	}

	return gapFill(iv, req.StartTime, req.EndTime, ratelimitMetrics, have), nil
}

// apiRequestBucket carries the partial latency state of one source
// bucket. Coarser buckets are merge-combined from these partials, never
// recomputed from raw rows.
type apiRequestBucket struct {
	X            int64
	Total        int64
	Errors       int64
	LatencySum   float64
	LatencyCount int64
	LatencyMax   float64
	WeightedP99  float64 // SUM(latency_p99_ms * latency_count)
}

func (r apiRequestBucket) Validate() error {
	if r.Total < 0 || r.Errors < 0 || r.LatencyCount < 0 {
		return &ValidationError{Field: "count", Reason: "negative aggregate count"}
	}
	if r.Errors > r.Total {
		return &ValidationError{Field: "errors", Reason: "errors exceed total"}
	}
	return nil
}

var apiRequestMetrics = []string{"total", "errors", "avg_latency_ms", "p99_latency_ms", "max_latency_ms"}

// APIRequestTimeseries returns a gap-free series of request volume and
// latency aggregates per bucket. Percentiles over pre-aggregated rows are
// combined count-weighted from the stored partial states.
func APIRequestTimeseries(ctx context.Context, q Querier, req TimeseriesRequest) ([]DataPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	iv, err := APIRequestIntervals.Resolve(req.Granularity)
	if err != nil {
		return nil, err
	}

	const selectList = "SUM(count) AS total, " +
		"SUM(error_count) AS errors, " +
		"SUM(latency_sum_ms) AS latency_sum, " +
		"SUM(latency_count) AS latency_count, " +
		"MAX(latency_max_ms) AS latency_max, " +
		"SUM(latency_p99_ms * latency_count) AS weighted_p99"

	template, bindings, err := buildBucketQuery(req, iv, APIRequestRollupFilters, selectList)
	if err != nil {
		return nil, err
	}

	rows, err := Query[apiRequestBucket](ctx, q, "requests.timeseries", req, template, bindings)
	if err != nil {
		return nil, err
	}

	type partial struct {
		total, errors, latencyCount int64
		latencySum, latencyMax      float64
		weightedP99                 float64
	}
	partials := make(map[int64]*partial, len(rows))
	for _, row := range rows {
		x := iv.BucketStart(row.X)
		p := partials[x]
		if p == nil {
			p = &partial{}
			partials[x] = p
		}
		p.total += row.Total
		p.errors += row.Errors
		p.latencySum += row.LatencySum
		p.latencyCount += row.LatencyCount
		if row.LatencyMax > p.latencyMax {
			p.latencyMax = row.LatencyMax
		}
		p.weightedP99 += row.WeightedP99
	}

	have := make(map[int64]map[string]float64, len(partials))
	for x, p := range partials {
		avg, p99 := 0.0, 0.0
		if p.latencyCount > 0 {
			avg = p.latencySum / float64(p.latencyCount)
			p99 = p.weightedP99 / float64(p.latencyCount)
		}
		have[x] = map[string]float64{
			"total":          float64(p.total),
			"errors":         float64(p.errors),
			"avg_latency_ms": avg,
			"p99_latency_ms": p99,
			"max_latency_ms": p.latencyMax,
		}
	}

	return gapFill(iv, req.StartTime, req.EndTime, apiRequestMetrics, have), nil
}
