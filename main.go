package main

import (
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/config"
	"github.com/unkeyed/unkey-sub010/internal/db"
	"github.com/unkeyed/unkey-sub010/internal/http/handlers"
	appmw "github.com/unkeyed/unkey-sub010/internal/http/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	db.StartRetentionWorker(sqlDB, cfg.RetentionDays)
	db.StartRollupWorker(sqlDB)

	if err := db.EnsureBootstrapKey(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap key: %v", err)
	}

	handlers.InitPrometheusMetrics()

	store := db.NewStore(sqlDB)
	auth := appmw.BearerAuth(sqlDB)

	r := router.New()

	ingestURL := "http://localhost" + cfg.ListenAddr + "/v1/events"
	if cfg.ListenAddr != "" && cfg.ListenAddr[0] != ':' {
		ingestURL = "http://" + cfg.ListenAddr + "/v1/events"
	}

	// Global middleware chain: request logger, then self reporting, then router.
	handler := handlers.RequestLogger(appmw.SelfReport(cfg, ingestURL)(r.Handler))

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/v1/events", auth(handlers.IngestHandler(store)))

	r.GET("/v1/analytics/verifications/timeseries", auth(handlers.VerificationTimeseries(store)))
	r.GET("/v1/analytics/ratelimits/timeseries", auth(handlers.RatelimitTimeseries(store)))
	r.GET("/v1/analytics/requests/timeseries", auth(handlers.APIRequestTimeseries(store)))
	r.GET("/v1/analytics/requests/logs", auth(handlers.RequestLogs(store)))
	r.GET("/v1/analytics/billing/usage", auth(handlers.BillingUsage(store)))

	r.GET("/v1/metrics", auth(handlers.WorkspaceMetricsHandler()))

	log.Printf("analytics listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
