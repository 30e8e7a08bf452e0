package analytics

import (
	"context"
)

// Cursor identifies the last row of a page by its compound sort key.
// (time, request_id) is a total order over the event stream, so
// re-querying with a cursor always yields the next strictly-ordered
// slice regardless of concurrent inserts elsewhere in the range.
type Cursor struct {
	Time      int64  `json:"time"`
	RequestID string `json:"request_id"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// LogsRequest asks for one page of the request log within [StartTime,
// EndTime). A nil Cursor means the first page.
type LogsRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	StartTime   int64          `json:"start_time"`
	EndTime     int64          `json:"end_time"`
	Filters     []FilterClause `json:"filters,omitempty"`
	Limit       int            `json:"limit"`
	Cursor      *Cursor        `json:"cursor,omitempty"`

	// SortByLatency orders the page by service latency instead of time.
	// Pagination direction then switches to ascending so the cursor
	// predicate stays consistent; this is a known special case, not a
	// general rule.
	SortByLatency bool `json:"sort_by_latency,omitempty"`
}

func (r LogsRequest) Validate() error {
	if r.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	if r.StartTime <= 0 || r.EndTime <= 0 {
		return &ValidationError{Field: "start_time", Reason: "times must be positive ms epochs"}
	}
	if r.StartTime >= r.EndTime {
		return &ValidationError{Field: "start_time", Reason: "start_time must be before end_time"}
	}
	if r.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "limit must not be negative"}
	}
	if r.Cursor != nil && (r.Cursor.Time <= 0 || r.Cursor.RequestID == "") {
		return &ValidationError{Field: "cursor", Reason: "cursor requires both time and request_id"}
	}
	return nil
}

// pageSize clamps the caller-supplied limit into [1, maxPageSize].
func (r LogsRequest) pageSize() int {
	if r.Limit <= 0 {
		return defaultPageSize
	}
	if r.Limit > maxPageSize {
		return maxPageSize
	}
	return r.Limit
}

// RequestLog is one row of the paginated request log.
type RequestLog struct {
	RequestID        string `json:"request_id"`
	Time             int64  `json:"time"`
	Host             string `json:"host"`
	Method           string `json:"method"`
	Path             string `json:"path"`
	ResponseStatus   int    `json:"response_status"`
	ServiceLatencyMs int64  `json:"service_latency_ms"`
}

func (r RequestLog) Validate() error {
	if r.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "must not be empty"}
	}
	if r.Time <= 0 {
		return &ValidationError{Field: "time", Reason: "must be a positive ms epoch"}
	}
	return nil
}

// LogsPage is one page plus the cursor for the next one. NextCursor is
// nil once a short page signals the end of the range.
type LogsPage struct {
	Logs       []RequestLog `json:"logs"`
	NextCursor *Cursor      `json:"next_cursor,omitempty"`
}

// cursorPredicate renders the keyset predicate anchoring the page to the
// exact (time, request_id) of an already-returned row. No OFFSET is ever
// used, so concurrent inserts between fetched pages can neither skip nor
// duplicate rows.
func cursorPredicate(c *Cursor, ascending bool, pb *paramBuilder) string {
	if c == nil {
		return "TRUE"
	}
	cmp := "<"
	if ascending {
		cmp = ">"
	}
	t := pb.bind("cursor_time", c.Time)
	rid := pb.bind("cursor_request_id", c.RequestID)
	return "(time " + cmp + " " + t + " OR (time = " + t + " AND request_id " + cmp + " " + rid + "))"
}

// RequestLogs returns one page of the time-ordered request log. Ordering
// is (time, request_id) DESC by default; the latency sort special case
// traverses ascending.
func RequestLogs(ctx context.Context, q Querier, req LogsRequest) (LogsPage, error) {
	if err := req.Validate(); err != nil {
		return LogsPage{}, err
	}

	pb := newParamBuilder()
	filterSQL, err := APIRequestFilters.Compile(req.Filters, pb)
	if err != nil {
		return LogsPage{}, err
	}

	ascending := req.SortByLatency
	direction := "DESC"
	if ascending {
		direction = "ASC"
	}

	template := "SELECT request_id, time, host, method, path, response_status, service_latency_ms" +
		" FROM " + TableAPIRequestsRaw +
		" WHERE workspace_id = " + pb.bind("workspace_id", req.WorkspaceID) +
		" AND " + filterSQL +
		" AND time >= " + pb.bind("start_time", req.StartTime) +
		" AND time < " + pb.bind("end_time", req.EndTime) +
		" AND " + cursorPredicate(req.Cursor, ascending, pb) +
		" ORDER BY time " + direction + ", request_id " + direction +
		" LIMIT " + pb.bind("limit", req.pageSize())

	rows, err := Query[RequestLog](ctx, q, "requests.logs", req, template, pb.Bindings())
	if err != nil {
		return LogsPage{}, err
	}

	page := LogsPage{Logs: rows}
	if len(rows) == req.pageSize() {
		last := rows[len(rows)-1]
		page.NextCursor = &Cursor{Time: last.Time, RequestID: last.RequestID}
	}
	return page, nil
}
