package middleware

import (
	"bytes"
	"strings"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "github.com/unkeyed/unkey-sub010/internal/db"
	httpctx "github.com/unkeyed/unkey-sub010/internal/http/ctx"
)

// BearerAuth validates Bearer tokens against the stored workspace key
// hashes and puts the matching key on the request context. Every
// downstream query is scoped to that key's workspace.
func BearerAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			auth := ctx.Request.Header.Peek("Authorization")
			if len(auth) == 0 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid Authorization header")
				return
			}

			token := strings.TrimSpace(string(auth[len(prefix):]))
			if token == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("empty bearer token")
				return
			}

			key, err := dbpkg.FindKeyByToken(db, token)
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}
			if key == nil {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid API key")
				return
			}

			httpctx.SetWorkspaceKey(ctx, key)
			next(ctx)
		}
	}
}
