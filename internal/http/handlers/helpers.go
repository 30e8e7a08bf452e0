package handlers

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
	dbpkg "github.com/unkeyed/unkey-sub010/internal/db"
	httpctx "github.com/unkeyed/unkey-sub010/internal/http/ctx"
)

// MustWorkspaceKey returns the authenticated workspace key from context,
// or sends 401 and returns (nil, false).
func MustWorkspaceKey(ctx *fasthttp.RequestCtx) (*dbpkg.WorkspaceKey, bool) {
	wk, ok := httpctx.WorkspaceKeyFromCtx(ctx)
	if !ok || wk == nil {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	return wk, true
}

func jsonResponse(ctx *fasthttp.RequestCtx, data map[string]any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// writeQueryError maps the analytics error taxonomy onto HTTP statuses:
// caller mistakes are 400, everything else is a 500-class failure.
func writeQueryError(ctx *fasthttp.RequestCtx, err error) {
	var validation *analytics.ValidationError
	if errors.As(err, &validation) {
		errResponse(ctx, fasthttp.StatusBadRequest, validation.Error())
		return
	}

	var store *analytics.StoreError
	if errors.As(err, &store) {
		errResponse(ctx, fasthttp.StatusBadGateway, "store query failed")
		return
	}

	// CompilationError and SchemaMismatchError are internal defects;
	// don't leak the details.
	errResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
}
