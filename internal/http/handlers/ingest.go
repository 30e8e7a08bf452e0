package handlers

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

var (
	eventsIngestedTotal *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
)

func InitPrometheusMetrics() {
	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Name:      "events_ingested_total",
			Help:      "Total number of ingested events.",
		},
		[]string{"workspace", "event_type"},
	)
	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analytics",
			Name:      "query_duration_seconds",
			Help:      "Histogram of analytics query durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"query"},
	)
	prometheus.MustRegister(eventsIngestedTotal, queryDuration)
}

// observeQuery times one analytics call for the query histogram.
func observeQuery(name string, start time.Time) {
	if queryDuration != nil {
		queryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

type ingestRequest struct {
	Verifications []analytics.VerificationEvent `json:"verifications"`
	Ratelimits    []analytics.RatelimitEvent    `json:"ratelimits"`
	APIRequests   []analytics.APIRequestEvent   `json:"api_requests"`
}

// IngestHandler accepts batches of raw events and appends them through
// the execution contract. The authenticated workspace overrides whatever
// workspace id the payload claims; events are immutable once written.
func IngestHandler(q analytics.Querier) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}

		var payload ingestRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		total := len(payload.Verifications) + len(payload.Ratelimits) + len(payload.APIRequests)
		if total == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no events provided")
			return
		}

		now := time.Now().UnixMilli()
		for i := range payload.Verifications {
			fillEventDefaults(&payload.Verifications[i].RequestID, &payload.Verifications[i].Time, now)
			payload.Verifications[i].WorkspaceID = wk.WorkspaceID
		}
		for i := range payload.Ratelimits {
			fillEventDefaults(&payload.Ratelimits[i].RequestID, &payload.Ratelimits[i].Time, now)
			payload.Ratelimits[i].WorkspaceID = wk.WorkspaceID
		}
		for i := range payload.APIRequests {
			fillEventDefaults(&payload.APIRequests[i].RequestID, &payload.APIRequests[i].Time, now)
			payload.APIRequests[i].WorkspaceID = wk.WorkspaceID
		}

		if err := analytics.Insert(ctx, q, analytics.TableVerificationsRaw, payload.Verifications); err != nil {
			writeIngestError(ctx, err)
			return
		}
		if err := analytics.Insert(ctx, q, analytics.TableRatelimitsRaw, payload.Ratelimits); err != nil {
			writeIngestError(ctx, err)
			return
		}
		if err := analytics.Insert(ctx, q, analytics.TableAPIRequestsRaw, payload.APIRequests); err != nil {
			writeIngestError(ctx, err)
			return
		}

		if eventsIngestedTotal != nil {
			eventsIngestedTotal.WithLabelValues(wk.WorkspaceID, "verification").Add(float64(len(payload.Verifications)))
			eventsIngestedTotal.WithLabelValues(wk.WorkspaceID, "ratelimit").Add(float64(len(payload.Ratelimits)))
			eventsIngestedTotal.WithLabelValues(wk.WorkspaceID, "api_request").Add(float64(len(payload.APIRequests)))
		}

		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"status":"accepted","count":` + strconv.Itoa(total) + `}`)
	}
}

// fillEventDefaults mints a request id and stamps the server time when
// the producer left them empty.
func fillEventDefaults(requestID *string, t *int64, now int64) {
	if *requestID == "" {
		*requestID = uuid.NewString()
	}
	if *t == 0 {
		*t = now
	}
}

func writeIngestError(ctx *fasthttp.RequestCtx, err error) {
	log.Printf("ingest error: %v", err)
	writeQueryError(ctx, err)
}
