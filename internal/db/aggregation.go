package db

import (
	"log"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// The rollup worker materializes the pre-aggregated tables the analytics
// layer reads: raw events are folded into minute rollups, and each
// coarser granularity merges the partial states of the next finer one.
// Latency percentiles are computed once from raw at minute granularity
// and merge-combined (count-weighted) upwards, never recomputed.

var (
	minuteInterval = analytics.Interval{Unit: analytics.UnitMinute, Multiple: 1}
	hourInterval   = analytics.Interval{Unit: analytics.UnitHour, Multiple: 1}
	dayInterval    = analytics.Interval{Unit: analytics.UnitDay, Multiple: 1}
	monthInterval  = analytics.Interval{Unit: analytics.UnitMonth, Multiple: 1}
)

// latencyPartial is the mergeable latency state carried by API request
// rollup rows.
type latencyPartial struct {
	Sum   float64
	Count int64
	Max   float64
	P99   float64
}

// mergeLatency folds src into dest. The percentile is combined as a
// count-weighted average of the partial percentiles.
func mergeLatency(dest *latencyPartial, src latencyPartial) {
	if src.Count == 0 {
		return
	}
	total := dest.Count + src.Count
	dest.P99 = (dest.P99*float64(dest.Count) + src.P99*float64(src.Count)) / float64(total)
	dest.Sum += src.Sum
	dest.Count = total
	if src.Max > dest.Max {
		dest.Max = src.Max
	}
}

// latencyFromRaw computes the partial state for one minute bucket from
// raw latencies.
func latencyFromRaw(latencies []int64) latencyPartial {
	p := latencyPartial{}
	if len(latencies) == 0 {
		return p
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	for _, l := range latencies {
		p.Sum += float64(l)
		if float64(l) > p.Max {
			p.Max = float64(l)
		}
	}
	p.Count = int64(len(latencies))
	idx := (len(latencies) * 99) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p.P99 = float64(latencies[idx])
	return p
}

// runVerificationMinuteRollup aggregates raw verifications for the
// minute starting at bucketStart (ms epoch) into the per-minute table.
func runVerificationMinuteRollup(db *gorm.DB, bucketStart int64) error {
	bucketEnd := minuteInterval.Next(bucketStart)

	var events []analytics.VerificationEvent
	if err := db.Where("time >= ? AND time < ?", bucketStart, bucketEnd).
		Select("workspace_id", "key_space_id", "key_id", "outcome").
		Find(&events).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		KeySpaceID  string
		KeyID       string
		Outcome     string
	}
	counts := make(map[key]int64)
	for _, e := range events {
		counts[key{e.WorkspaceID, e.KeySpaceID, e.KeyID, e.Outcome}]++
	}

	for k, count := range counts {
		row := VerificationRollup{
			WorkspaceID: k.WorkspaceID,
			KeySpaceID:  k.KeySpaceID,
			KeyID:       k.KeyID,
			Outcome:     k.Outcome,
			BucketStart: bucketStart,
			Count:       count,
		}
		if err := upsertVerificationRollup(db, analytics.TableVerificationsPerMinute, row); err != nil {
			return err
		}
	}
	return nil
}

// coarsenVerificationRollup merges finer verification rollups covering
// the coarse bucket starting at bucketStart into the coarser table.
func coarsenVerificationRollup(db *gorm.DB, fromTable, toTable string, iv analytics.Interval, bucketStart int64) error {
	bucketEnd := iv.Next(bucketStart)

	var finer []VerificationRollup
	if err := db.Table(fromTable).
		Where("bucket_start >= ? AND bucket_start < ?", bucketStart, bucketEnd).
		Find(&finer).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		KeySpaceID  string
		KeyID       string
		Outcome     string
	}
	counts := make(map[key]int64)
	for _, r := range finer {
		counts[key{r.WorkspaceID, r.KeySpaceID, r.KeyID, r.Outcome}] += r.Count
	}

	for k, count := range counts {
		row := VerificationRollup{
			WorkspaceID: k.WorkspaceID,
			KeySpaceID:  k.KeySpaceID,
			KeyID:       k.KeyID,
			Outcome:     k.Outcome,
			BucketStart: bucketStart,
			Count:       count,
		}
		if err := upsertVerificationRollup(db, toTable, row); err != nil {
			return err
		}
	}
	return nil
}

func upsertVerificationRollup(db *gorm.DB, table string, row VerificationRollup) error {
	var existing VerificationRollup
	err := db.Table(table).
		Where("workspace_id = ? AND key_space_id = ? AND key_id = ? AND outcome = ? AND bucket_start = ?",
			row.WorkspaceID, row.KeySpaceID, row.KeyID, row.Outcome, row.BucketStart).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.Table(table).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return db.Table(table).
		Where("workspace_id = ? AND key_space_id = ? AND key_id = ? AND outcome = ? AND bucket_start = ?",
			row.WorkspaceID, row.KeySpaceID, row.KeyID, row.Outcome, row.BucketStart).
		Update("count", row.Count).Error
}

// runRatelimitMinuteRollup aggregates raw ratelimit decisions for one
// minute into the per-minute table.
func runRatelimitMinuteRollup(db *gorm.DB, bucketStart int64) error {
	bucketEnd := minuteInterval.Next(bucketStart)

	var events []analytics.RatelimitEvent
	if err := db.Where("time >= ? AND time < ?", bucketStart, bucketEnd).
		Select("workspace_id", "namespace_id", "identifier", "passed").
		Find(&events).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		NamespaceID string
		Identifier  string
		Passed      bool
	}
	counts := make(map[key]int64)
	for _, e := range events {
		counts[key{e.WorkspaceID, e.NamespaceID, e.Identifier, e.Passed}]++
	}

	for k, count := range counts {
		row := RatelimitRollup{
			WorkspaceID: k.WorkspaceID,
			NamespaceID: k.NamespaceID,
			Identifier:  k.Identifier,
			Passed:      k.Passed,
			BucketStart: bucketStart,
			Count:       count,
		}
		if err := upsertRatelimitRollup(db, analytics.TableRatelimitsPerMinute, row); err != nil {
			return err
		}
	}
	return nil
}

func coarsenRatelimitRollup(db *gorm.DB, fromTable, toTable string, iv analytics.Interval, bucketStart int64) error {
	bucketEnd := iv.Next(bucketStart)

	var finer []RatelimitRollup
	if err := db.Table(fromTable).
		Where("bucket_start >= ? AND bucket_start < ?", bucketStart, bucketEnd).
		Find(&finer).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		NamespaceID string
		Identifier  string
		Passed      bool
	}
	counts := make(map[key]int64)
	for _, r := range finer {
		counts[key{r.WorkspaceID, r.NamespaceID, r.Identifier, r.Passed}] += r.Count
	}

	for k, count := range counts {
		row := RatelimitRollup{
			WorkspaceID: k.WorkspaceID,
			NamespaceID: k.NamespaceID,
			Identifier:  k.Identifier,
			Passed:      k.Passed,
			BucketStart: bucketStart,
			Count:       count,
		}
		if err := upsertRatelimitRollup(db, toTable, row); err != nil {
			return err
		}
	}
	return nil
}

func upsertRatelimitRollup(db *gorm.DB, table string, row RatelimitRollup) error {
	var existing RatelimitRollup
	err := db.Table(table).
		Where("workspace_id = ? AND namespace_id = ? AND identifier = ? AND passed = ? AND bucket_start = ?",
			row.WorkspaceID, row.NamespaceID, row.Identifier, row.Passed, row.BucketStart).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.Table(table).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return db.Table(table).
		Where("workspace_id = ? AND namespace_id = ? AND identifier = ? AND passed = ? AND bucket_start = ?",
			row.WorkspaceID, row.NamespaceID, row.Identifier, row.Passed, row.BucketStart).
		Update("count", row.Count).Error
}

// runAPIRequestMinuteRollup aggregates raw API requests for one minute,
// computing the latency percentile from raw latencies.
func runAPIRequestMinuteRollup(db *gorm.DB, bucketStart int64) error {
	bucketEnd := minuteInterval.Next(bucketStart)

	var events []analytics.APIRequestEvent
	if err := db.Where("time >= ? AND time < ?", bucketStart, bucketEnd).
		Select("workspace_id", "host", "method", "path", "response_status", "service_latency_ms").
		Find(&events).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		Host        string
		Method      string
		Path        string
	}
	type group struct {
		count, errors int64
		latencies     []int64
	}
	groups := make(map[key]*group)
	for _, e := range events {
		k := key{e.WorkspaceID, e.Host, e.Method, e.Path}
		g := groups[k]
		if g == nil {
			g = &group{}
			groups[k] = g
		}
		g.count++
		if e.ResponseStatus >= 400 {
			g.errors++
		}
		g.latencies = append(g.latencies, e.ServiceLatencyMs)
	}

	for k, g := range groups {
		p := latencyFromRaw(g.latencies)
		row := APIRequestRollup{
			WorkspaceID:  k.WorkspaceID,
			Host:         k.Host,
			Method:       k.Method,
			Path:         k.Path,
			BucketStart:  bucketStart,
			Count:        g.count,
			ErrorCount:   g.errors,
			LatencySumMs: p.Sum,
			LatencyCount: p.Count,
			LatencyMaxMs: p.Max,
			LatencyP99Ms: p.P99,
		}
		if err := upsertAPIRequestRollup(db, analytics.TableAPIRequestsPerMinute, row); err != nil {
			return err
		}
	}
	return nil
}

func coarsenAPIRequestRollup(db *gorm.DB, fromTable, toTable string, iv analytics.Interval, bucketStart int64) error {
	bucketEnd := iv.Next(bucketStart)

	var finer []APIRequestRollup
	if err := db.Table(fromTable).
		Where("bucket_start >= ? AND bucket_start < ?", bucketStart, bucketEnd).
		Find(&finer).Error; err != nil {
		return err
	}

	type key struct {
		WorkspaceID string
		Host        string
		Method      string
		Path        string
	}
	type group struct {
		count, errors int64
		latency       latencyPartial
	}
	groups := make(map[key]*group)
	for _, r := range finer {
		k := key{r.WorkspaceID, r.Host, r.Method, r.Path}
		g := groups[k]
		if g == nil {
			g = &group{}
			groups[k] = g
		}
		g.count += r.Count
		g.errors += r.ErrorCount
		mergeLatency(&g.latency, latencyPartial{
			Sum:   r.LatencySumMs,
			Count: r.LatencyCount,
			Max:   r.LatencyMaxMs,
			P99:   r.LatencyP99Ms,
		})
	}

	for k, g := range groups {
		row := APIRequestRollup{
			WorkspaceID:  k.WorkspaceID,
			Host:         k.Host,
			Method:       k.Method,
			Path:         k.Path,
			BucketStart:  bucketStart,
			Count:        g.count,
			ErrorCount:   g.errors,
			LatencySumMs: g.latency.Sum,
			LatencyCount: g.latency.Count,
			LatencyMaxMs: g.latency.Max,
			LatencyP99Ms: g.latency.P99,
		}
		if err := upsertAPIRequestRollup(db, toTable, row); err != nil {
			return err
		}
	}
	return nil
}

func upsertAPIRequestRollup(db *gorm.DB, table string, row APIRequestRollup) error {
	var existing APIRequestRollup
	err := db.Table(table).
		Where("workspace_id = ? AND host = ? AND method = ? AND path = ? AND bucket_start = ?",
			row.WorkspaceID, row.Host, row.Method, row.Path, row.BucketStart).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.Table(table).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return db.Table(table).
		Where("workspace_id = ? AND host = ? AND method = ? AND path = ? AND bucket_start = ?",
			row.WorkspaceID, row.Host, row.Method, row.Path, row.BucketStart).
		Updates(map[string]interface{}{
			"count":          row.Count,
			"error_count":    row.ErrorCount,
			"latency_sum_ms": row.LatencySumMs,
			"latency_count":  row.LatencyCount,
			"latency_max_ms": row.LatencyMaxMs,
			"latency_p99_ms": row.LatencyP99Ms,
		}).Error
}

// runMinuteRollups materializes one minute bucket for all event types.
func runMinuteRollups(db *gorm.DB, bucketStart int64) error {
	if err := runVerificationMinuteRollup(db, bucketStart); err != nil {
		return err
	}
	if err := runRatelimitMinuteRollup(db, bucketStart); err != nil {
		return err
	}
	return runAPIRequestMinuteRollup(db, bucketStart)
}

// runCoarsen cascades one coarse bucket for all event types.
func runCoarsen(db *gorm.DB, iv analytics.Interval, fromIdx, toIdx int, bucketStart int64) error {
	if err := coarsenVerificationRollup(db, verificationRollupTables[fromIdx], verificationRollupTables[toIdx], iv, bucketStart); err != nil {
		return err
	}
	if err := coarsenRatelimitRollup(db, ratelimitRollupTables[fromIdx], ratelimitRollupTables[toIdx], iv, bucketStart); err != nil {
		return err
	}
	if toIdx < len(apiRequestRollupTables) {
		return coarsenAPIRequestRollup(db, apiRequestRollupTables[fromIdx], apiRequestRollupTables[toIdx], iv, bucketStart)
	}
	return nil
}

// refreshCoarseRollups re-derives the hour, day and month buckets
// containing t from the next finer granularity. Rerunning is safe: the
// upserts overwrite with the freshly merged state.
func refreshCoarseRollups(db *gorm.DB, t int64) error {
	if err := runCoarsen(db, hourInterval, 0, 1, hourInterval.BucketStart(t)); err != nil {
		return err
	}
	if err := runCoarsen(db, dayInterval, 1, 2, dayInterval.BucketStart(t)); err != nil {
		return err
	}
	return runCoarsen(db, monthInterval, 2, 3, monthInterval.BucketStart(t))
}

// StartRollupWorker backfills recent buckets at startup, then
// materializes the previous minute every minute and refreshes the
// containing hour/day/month buckets so month-to-date billing stays
// current. Buckets are in UTC.
func StartRollupWorker(db *gorm.DB) {
	go func() {
		now := time.Now().UTC().UnixMilli()
		start := minuteInterval.BucketStart(now - 2*time.Hour.Milliseconds())
		for b := start; b < minuteInterval.BucketStart(now); b = minuteInterval.Next(b) {
			if err := runMinuteRollups(db, b); err != nil {
				log.Printf("rollup error (startup) for %d: %v", b, err)
			}
		}
		if err := refreshCoarseRollups(db, now); err != nil {
			log.Printf("rollup refresh error (startup): %v", err)
		}

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for t := range ticker.C {
			prev := minuteInterval.BucketStart(t.UTC().UnixMilli()) - minuteInterval.WidthMillis()
			if err := runMinuteRollups(db, prev); err != nil {
				log.Printf("rollup error for %d: %v", prev, err)
			}
			if err := refreshCoarseRollups(db, prev); err != nil {
				log.Printf("rollup refresh error for %d: %v", prev, err)
			}
		}
	}()
}
