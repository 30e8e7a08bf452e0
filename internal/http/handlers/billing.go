package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// BillingUsage serves the exact billable-event count for one calendar
// month of the caller's workspace. Month is 1-12.
func BillingUsage(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}

		now := time.Now().UTC()
		year, month := now.Year(), int(now.Month())
		if s := string(ctx.QueryArgs().Peek("year")); s != "" {
			if v, err := strconv.Atoi(s); err == nil {
				year = v
			}
		}
		if s := string(ctx.QueryArgs().Peek("month")); s != "" {
			if v, err := strconv.Atoi(s); err == nil {
				month = v
			}
		}

		req := analytics.BillingRequest{
			WorkspaceID: wk.WorkspaceID,
			Year:        year,
			Month:       month,
		}

		defer observeQuery("billing.usage", time.Now())
		usage, err := analytics.BillableUsage(ctx, q, req)
		if err != nil {
			writeQueryError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"workspace_id":  wk.WorkspaceID,
			"year":          year,
			"month":         month,
			"verifications": usage.Verifications,
			"ratelimits":    usage.Ratelimits,
			"total":         usage.Total,
		})
	}
}
