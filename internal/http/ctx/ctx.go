package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "github.com/unkeyed/unkey-sub010/internal/db"
)

const (
	WorkspaceKeyKey = "workspaceKey"
)

func SetWorkspaceKey(ctx *fasthttp.RequestCtx, key *dbpkg.WorkspaceKey) {
	ctx.SetUserValue(WorkspaceKeyKey, key)
}

func WorkspaceKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.WorkspaceKey, bool) {
	v := ctx.UserValue(WorkspaceKeyKey)
	if v == nil {
		return nil, false
	}
	wk, ok := v.(*dbpkg.WorkspaceKey)
	return wk, ok
}
