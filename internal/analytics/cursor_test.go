package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestLogsRequestValidate(t *testing.T) {
	base := LogsRequest{
		WorkspaceID: "ws_1",
		StartTime:   ms(2024, time.March, 1, 0, 0),
		EndTime:     ms(2024, time.March, 2, 0, 0),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	r := base
	r.Cursor = &Cursor{Time: 123}
	var ve *ValidationError
	if err := r.Validate(); !errors.As(err, &ve) {
		t.Fatalf("partial cursor should be rejected, got %v", err)
	}

	r = base
	r.Limit = -1
	if err := r.Validate(); !errors.As(err, &ve) {
		t.Fatalf("negative limit should be rejected, got %v", err)
	}

	r = base
	r.StartTime = r.EndTime
	if err := r.Validate(); !errors.As(err, &ve) {
		t.Fatalf("empty window should be rejected, got %v", err)
	}
}

func TestPageSizeClamp(t *testing.T) {
	tests := []struct{ limit, want int }{
		{0, defaultPageSize},
		{1, 1},
		{999, 999},
		{maxPageSize, maxPageSize},
		{maxPageSize + 1, maxPageSize},
	}
	for _, tc := range tests {
		r := LogsRequest{Limit: tc.limit}
		if got := r.pageSize(); got != tc.want {
			t.Errorf("pageSize(limit=%d) = %d, want %d", tc.limit, got, tc.want)
		}
	}
}

func TestCursorPredicate(t *testing.T) {
	pb := newParamBuilder()
	if got := cursorPredicate(nil, false, pb); got != "TRUE" {
		t.Fatalf("nil cursor should compile to TRUE, got %q", got)
	}

	pb = newParamBuilder()
	c := &Cursor{Time: 1000, RequestID: "req_9"}
	desc := cursorPredicate(c, false, pb)
	want := "(time < @cursor_time_0 OR (time = @cursor_time_0 AND request_id < @cursor_request_id_1))"
	if desc != want {
		t.Fatalf("descending predicate = %q, want %q", desc, want)
	}

	pb = newParamBuilder()
	asc := cursorPredicate(c, true, pb)
	if !strings.Contains(asc, "time > @") || !strings.Contains(asc, "request_id > @") {
		t.Fatalf("ascending predicate should use >, got %q", asc)
	}
}

// bindingByPrefix finds the single binding whose generated name starts
// with prefix followed by the counter separator.
func bindingByPrefix(bindings map[string]any, prefix string) (any, bool) {
	for name, v := range bindings {
		rest := strings.TrimPrefix(name, prefix+"_")
		if rest != name && !strings.Contains(rest, "_") {
			return v, true
		}
	}
	return nil, false
}

// memLogStore evaluates the compiled log query against in-memory rows,
// honoring window, cursor predicate, ordering and limit the way the real
// store would.
type memLogStore struct {
	rows []RequestLog
}

func (m *memLogStore) Insert(_ context.Context, _ string, _ any) error { return nil }

func (m *memLogStore) Select(_ context.Context, template string, bindings map[string]any, dest any) error {
	out := dest.(*[]RequestLog)
	ascending := strings.Contains(template, "ORDER BY time ASC")

	startV, _ := bindingByPrefix(bindings, "start_time")
	endV, _ := bindingByPrefix(bindings, "end_time")
	limitV, _ := bindingByPrefix(bindings, "limit")
	start, end, limit := startV.(int64), endV.(int64), limitV.(int)

	var cursorTime int64
	var cursorRID string
	hasCursor := false
	if ct, ok := bindingByPrefix(bindings, "cursor_time"); ok {
		rid, _ := bindingByPrefix(bindings, "cursor_request_id")
		cursorTime, cursorRID = ct.(int64), rid.(string)
		hasCursor = true
	}

	sorted := make([]RequestLog, len(m.rows))
	copy(sorted, m.rows)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ascending {
			if a.Time != b.Time {
				return a.Time < b.Time
			}
			return a.RequestID < b.RequestID
		}
		if a.Time != b.Time {
			return a.Time > b.Time
		}
		return a.RequestID > b.RequestID
	})

	for _, r := range sorted {
		if r.Time < start || r.Time >= end {
			continue
		}
		if hasCursor {
			after := r.Time < cursorTime || (r.Time == cursorTime && r.RequestID < cursorRID)
			if ascending {
				after = r.Time > cursorTime || (r.Time == cursorTime && r.RequestID > cursorRID)
			}
			if !after {
				continue
			}
		}
		*out = append(*out, r)
		if len(*out) == limit {
			break
		}
	}
	return nil
}

func makeLogRows(n int, base int64) []RequestLog {
	rows := make([]RequestLog, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, RequestLog{
			RequestID:        fmt.Sprintf("req_%03d", i),
			Time:             base + int64(i)*1000,
			Host:             "api.example.com",
			Method:           "GET",
			Path:             "/v1/things",
			ResponseStatus:   200,
			ServiceLatencyMs: int64(10 + i),
		})
	}
	return rows
}

func TestRequestLogsPagination(t *testing.T) {
	base := ms(2024, time.March, 1, 12, 0)
	store := &memLogStore{rows: makeLogRows(5, base)}

	req := LogsRequest{
		WorkspaceID: "ws_1",
		StartTime:   base,
		EndTime:     base + 3_600_000,
		Limit:       2,
	}

	var seen []string
	pages := 0
	for {
		page, err := RequestLogs(context.Background(), store, req)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		for _, l := range page.Logs {
			seen = append(seen, l.RequestID)
		}
		if page.NextCursor == nil {
			if len(page.Logs) == req.pageSize() {
				t.Fatal("full page must carry a next cursor")
			}
			break
		}
		req.Cursor = page.NextCursor
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages of [2 2 1], got %d", pages)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 rows total, got %d: %v", len(seen), seen)
	}
	// Default order is time-descending, so the newest id comes first.
	want := []string{"req_004", "req_003", "req_002", "req_001", "req_000"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("row %d = %s, want %s (full: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestRequestLogsStableUnderConcurrentInserts(t *testing.T) {
	base := ms(2024, time.March, 1, 12, 0)
	store := &memLogStore{rows: makeLogRows(4, base)}

	req := LogsRequest{
		WorkspaceID: "ws_1",
		StartTime:   base,
		EndTime:     base + 3_600_000,
		Limit:       2,
	}

	first, err := RequestLogs(context.Background(), store, req)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Logs) != 2 || first.NextCursor == nil {
		t.Fatalf("unexpected first page: %+v", first)
	}

	// A newer event arrives between page fetches. OFFSET pagination would
	// now re-serve an already-seen row; the keyset cursor must not.
	store.rows = append(store.rows, RequestLog{
		RequestID:      "req_new",
		Time:           base + 10*1000,
		Host:           "api.example.com",
		Method:         "GET",
		Path:           "/v1/things",
		ResponseStatus: 200,
	})

	req.Cursor = first.NextCursor
	second, err := RequestLogs(context.Background(), store, req)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}

	seen := map[string]bool{}
	for _, l := range first.Logs {
		seen[l.RequestID] = true
	}
	for _, l := range second.Logs {
		if seen[l.RequestID] {
			t.Fatalf("row %s served twice", l.RequestID)
		}
		if l.RequestID == "req_new" {
			t.Fatal("row inserted after the cursor position leaked into the page")
		}
		seen[l.RequestID] = true
	}
	for _, id := range []string{"req_003", "req_002", "req_001", "req_000"} {
		if !seen[id] {
			t.Fatalf("original row %s skipped: %v", id, seen)
		}
	}
}

func TestRequestLogsLatencySortTraversesAscending(t *testing.T) {
	base := ms(2024, time.March, 1, 12, 0)
	q := &stubQuerier{}

	_, err := RequestLogs(context.Background(), q, LogsRequest{
		WorkspaceID:   "ws_1",
		StartTime:     base,
		EndTime:       base + 3_600_000,
		SortByLatency: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(q.template, "ORDER BY time ASC, request_id ASC") {
		t.Fatalf("latency sort should traverse ascending, got %q", q.template)
	}

	q = &stubQuerier{}
	_, err = RequestLogs(context.Background(), q, LogsRequest{
		WorkspaceID: "ws_1",
		StartTime:   base,
		EndTime:     base + 3_600_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(q.template, "ORDER BY time DESC, request_id DESC") {
		t.Fatalf("default order should be descending, got %q", q.template)
	}
}

func TestRequestLogsLimitIsBound(t *testing.T) {
	q := &stubQuerier{}
	_, err := RequestLogs(context.Background(), q, LogsRequest{
		WorkspaceID: "ws_1",
		StartTime:   1,
		EndTime:     2,
		Limit:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(q.template, "LIMIT 7") {
		t.Fatalf("limit inlined instead of bound: %q", q.template)
	}
	v, ok := bindingByPrefix(q.bindings, "limit")
	if !ok || v.(int) != 7 {
		t.Fatalf("limit binding missing: %v", q.bindings)
	}
}
