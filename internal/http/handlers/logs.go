package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// RequestLogs serves one keyset-paginated page of the request log.
// The cursor round-trips as the last row's (time, request_id) pair.
func RequestLogs(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}
		start, end := parseTimeRange(ctx)

		limit := 0
		if s := string(ctx.QueryArgs().Peek("limit")); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				limit = n
			}
		}

		var cursor *analytics.Cursor
		cursorTime := string(ctx.QueryArgs().Peek("cursor_time"))
		cursorRequestID := string(ctx.QueryArgs().Peek("cursor_request_id"))
		if cursorTime != "" || cursorRequestID != "" {
			t, err := strconv.ParseInt(cursorTime, 10, 64)
			if err != nil || cursorRequestID == "" {
				errResponse(ctx, fasthttp.StatusBadRequest, "cursor requires both cursor_time and cursor_request_id")
				return
			}
			cursor = &analytics.Cursor{Time: t, RequestID: cursorRequestID}
		}

		var clauses []analytics.FilterClause
		clauses = filterArg(ctx, clauses, "request_id", "requestId", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "host", "host", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "method", "method", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "path", "path", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "path_contains", "path", analytics.OpContains)
		for _, v := range ctx.QueryArgs().PeekMulti("response_status") {
			if n, err := strconv.Atoi(string(v)); err == nil {
				clauses = append(clauses, analytics.FilterClause{Field: "responseStatus", Operator: analytics.OpIs, Value: n})
			}
		}

		req := analytics.LogsRequest{
			WorkspaceID:   wk.WorkspaceID,
			StartTime:     start,
			EndTime:       end,
			Filters:       clauses,
			Limit:         limit,
			Cursor:        cursor,
			SortByLatency: string(ctx.QueryArgs().Peek("sort")) == "latency",
		}

		defer observeQuery("requests.logs", time.Now())
		page, err := analytics.RequestLogs(ctx, q, req)
		if err != nil {
			writeQueryError(ctx, err)
			return
		}

		resp := map[string]any{"logs": page.Logs}
		if page.NextCursor != nil {
			resp["next_cursor"] = page.NextCursor
		}
		jsonResponse(ctx, resp)
	}
}
