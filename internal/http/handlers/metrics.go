package handlers

import (
	"log"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

// parseTimeRange reads "start"/"end" (ms epochs) from the query string.
// Defaults to the trailing 24 hours when absent; range validation is the
// engine's job, not the handler's.
func parseTimeRange(ctx *fasthttp.RequestCtx) (start, end int64) {
	now := time.Now().UnixMilli()
	end = now
	if s := string(ctx.QueryArgs().Peek("end")); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			end = v
		}
	}
	start = end - 24*time.Hour.Milliseconds()
	if s := string(ctx.QueryArgs().Peek("start")); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			start = v
		}
	}
	return start, end
}

func granularityArg(ctx *fasthttp.RequestCtx) string {
	if g := string(ctx.QueryArgs().Peek("granularity")); g != "" {
		return g
	}
	return "hour"
}

// filterArg appends one clause per occurrence of a repeatable query arg.
func filterArg(ctx *fasthttp.RequestCtx, clauses []analytics.FilterClause, arg, field string, op analytics.Operator) []analytics.FilterClause {
	for _, v := range ctx.QueryArgs().PeekMulti(arg) {
		if len(v) == 0 {
			continue
		}
		clauses = append(clauses, analytics.FilterClause{Field: field, Operator: op, Value: string(v)})
	}
	return clauses
}

// VerificationTimeseries serves the verification outcome series for the
// caller's workspace.
func VerificationTimeseries(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}
		start, end := parseTimeRange(ctx)

		var clauses []analytics.FilterClause
		clauses = filterArg(ctx, clauses, "key_id", "keyId", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "key_id_contains", "keyId", analytics.OpContains)
		clauses = filterArg(ctx, clauses, "key_space_id", "keySpaceId", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "outcome", "outcome", analytics.OpIs)

		req := analytics.TimeseriesRequest{
			WorkspaceID: wk.WorkspaceID,
			StartTime:   start,
			EndTime:     end,
			Granularity: granularityArg(ctx),
			Filters:     clauses,
		}

		defer observeQuery("verifications.timeseries", time.Now())
		points, err := analytics.VerificationTimeseries(ctx, q, req)
		if err != nil {
			writeQueryError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"series": points})
	}
}

// RatelimitTimeseries serves the ratelimit decision series for the
// caller's workspace.
func RatelimitTimeseries(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}
		start, end := parseTimeRange(ctx)

		var clauses []analytics.FilterClause
		clauses = filterArg(ctx, clauses, "namespace_id", "namespaceId", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "identifier", "identifier", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "identifier_contains", "identifier", analytics.OpContains)
		clauses = filterArg(ctx, clauses, "passed", "passed", analytics.OpIs)

		req := analytics.TimeseriesRequest{
			WorkspaceID: wk.WorkspaceID,
			StartTime:   start,
			EndTime:     end,
			Granularity: granularityArg(ctx),
			Filters:     clauses,
		}

		defer observeQuery("ratelimits.timeseries", time.Now())
		points, err := analytics.RatelimitTimeseries(ctx, q, req)
		if err != nil {
			writeQueryError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"series": points})
	}
}

// APIRequestTimeseries serves request volume and latency series for the
// caller's workspace.
func APIRequestTimeseries(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}
		start, end := parseTimeRange(ctx)

		var clauses []analytics.FilterClause
		clauses = filterArg(ctx, clauses, "host", "host", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "method", "method", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "path", "path", analytics.OpIs)
		clauses = filterArg(ctx, clauses, "path_starts_with", "path", analytics.OpStartsWith)

		req := analytics.TimeseriesRequest{
			WorkspaceID: wk.WorkspaceID,
			StartTime:   start,
			EndTime:     end,
			Granularity: granularityArg(ctx),
			Filters:     clauses,
		}

		defer observeQuery("requests.timeseries", time.Now())
		points, err := analytics.APIRequestTimeseries(ctx, q, req)
		if err != nil {
			writeQueryError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"series": points})
	}
}
