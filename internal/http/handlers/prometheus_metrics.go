package handlers

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

// WorkspaceMetricsHandler exposes the process metrics in Prometheus text
// format, with workspace-labeled families filtered down to the caller's
// workspace so one tenant cannot read another's ingest volumes.
func WorkspaceMetricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		wk, ok := MustWorkspaceKey(ctx)
		if !ok {
			return
		}

		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to gather metrics")
			return
		}

		filtered := make([]*dto.MetricFamily, 0, len(metricFamilies))
		for _, mf := range metricFamilies {
			hasWorkspaceLabel := false
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "workspace" {
						hasWorkspaceLabel = true
						break
					}
				}
				if hasWorkspaceLabel {
					break
				}
			}

			if !hasWorkspaceLabel {
				filtered = append(filtered, mf)
				continue
			}

			var kept []*dto.Metric
			for _, m := range mf.GetMetric() {
				include := false
				for _, l := range m.GetLabel() {
					if l.GetName() == "workspace" && l.GetValue() == wk.WorkspaceID {
						include = true
						break
					}
				}
				if include {
					kept = append(kept, m)
				}
			}

			if len(kept) == 0 {
				continue
			}

			filtered = append(filtered, &dto.MetricFamily{
				Name:   mf.Name,
				Help:   mf.Help,
				Type:   mf.Type,
				Metric: kept,
			})
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filtered {
			if err := encoder.Encode(mf); err != nil {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
