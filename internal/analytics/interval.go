package analytics

import (
	"fmt"
	"time"
)

// BucketUnit is the base unit of a timeseries bucket.
type BucketUnit int

const (
	UnitMinute BucketUnit = iota
	UnitHour
	UnitDay
	// UnitMonth buckets follow the calendar and have no fixed width;
	// bucket math goes through time.Date instead of epoch arithmetic.
	UnitMonth
)

func (u BucketUnit) String() string {
	switch u {
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	case UnitDay:
		return "day"
	case UnitMonth:
		return "month"
	}
	return "unknown"
}

// Millis returns the unit width in milliseconds, or 0 for calendar months.
func (u BucketUnit) Millis() int64 {
	switch u {
	case UnitMinute:
		return 60_000
	case UnitHour:
		return 3_600_000
	case UnitDay:
		return 86_400_000
	}
	return 0
}

// Interval maps a logical granularity to the pre-aggregated table that
// serves it and the exact bucket width. The rollup granularity and the
// query granularity match 1:1; the engine never aggregates up from a
// finer table than the catalog entry names.
type Interval struct {
	Granularity string
	Table       string
	Unit        BucketUnit
	Multiple    int
}

// WidthMillis is Multiple x Unit in milliseconds, or 0 for months.
func (iv Interval) WidthMillis() int64 {
	return iv.Unit.Millis() * int64(iv.Multiple)
}

// BucketStart truncates t (ms epoch) to the start of its bucket. Buckets
// are aligned to the epoch, never to the query window: a two-hour series
// lands on even two-hour boundaries regardless of the requested start.
func (iv Interval) BucketStart(t int64) int64 {
	if iv.Unit == UnitMonth {
		tt := time.UnixMilli(t).UTC()
		idx := (tt.Year()-1970)*12 + int(tt.Month()) - 1
		idx -= idx % iv.Multiple
		return time.Date(1970+idx/12, time.Month(idx%12+1), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	width := iv.WidthMillis()
	return t - t%width
}

// Next returns the start of the bucket following the one starting at x.
// x must itself be a bucket start.
func (iv Interval) Next(x int64) int64 {
	if iv.Unit == UnitMonth {
		tt := time.UnixMilli(x).UTC()
		return time.Date(tt.Year(), tt.Month()+time.Month(iv.Multiple), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return x + iv.WidthMillis()
}

// Catalog is a static registry of granularities. It is built once at
// process start and treated as read-only afterwards; adding a granularity
// is a catalog-entry addition, not an engine change.
type Catalog struct {
	entries map[string]Interval
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Interval)}
}

// Register adds an interval to the catalog. It rejects duplicates and
// malformed entries so misconfiguration fails during init, not per query.
func (c *Catalog) Register(iv Interval) error {
	if iv.Granularity == "" || iv.Table == "" {
		return fmt.Errorf("interval catalog: granularity and table are required")
	}
	if iv.Multiple < 1 {
		return fmt.Errorf("interval catalog: %s: multiple must be >= 1", iv.Granularity)
	}
	if _, exists := c.entries[iv.Granularity]; exists {
		return fmt.Errorf("interval catalog: duplicate granularity %s", iv.Granularity)
	}
	c.entries[iv.Granularity] = iv
	return nil
}

func (c *Catalog) mustRegister(iv Interval) *Catalog {
	if err := c.Register(iv); err != nil {
		panic(err)
	}
	return c
}

// Resolve returns the interval for a requested granularity. Unknown
// granularities are caller errors, rejected before any query is built.
func (c *Catalog) Resolve(granularity string) (Interval, error) {
	iv, ok := c.entries[granularity]
	if !ok {
		return Interval{}, &ValidationError{Field: "granularity", Reason: "unknown granularity " + granularity}
	}
	return iv, nil
}

// VerificationIntervals serves key-verification timeseries.
var VerificationIntervals = NewCatalog().
	mustRegister(Interval{Granularity: "minute", Table: TableVerificationsPerMinute, Unit: UnitMinute, Multiple: 1}).
	mustRegister(Interval{Granularity: "hour", Table: TableVerificationsPerHour, Unit: UnitHour, Multiple: 1}).
	mustRegister(Interval{Granularity: "day", Table: TableVerificationsPerDay, Unit: UnitDay, Multiple: 1}).
	mustRegister(Interval{Granularity: "month", Table: TableVerificationsPerMonth, Unit: UnitMonth, Multiple: 1})

// RatelimitIntervals serves ratelimit timeseries.
var RatelimitIntervals = NewCatalog().
	mustRegister(Interval{Granularity: "minute", Table: TableRatelimitsPerMinute, Unit: UnitMinute, Multiple: 1}).
	mustRegister(Interval{Granularity: "hour", Table: TableRatelimitsPerHour, Unit: UnitHour, Multiple: 1}).
	mustRegister(Interval{Granularity: "day", Table: TableRatelimitsPerDay, Unit: UnitDay, Multiple: 1}).
	mustRegister(Interval{Granularity: "month", Table: TableRatelimitsPerMonth, Unit: UnitMonth, Multiple: 1})

// APIRequestIntervals serves request-volume and latency timeseries. The
// twelve-hour entry reads the hourly rollup with a 12x multiple; buckets
// stay epoch-aligned.
var APIRequestIntervals = NewCatalog().
	mustRegister(Interval{Granularity: "minute", Table: TableAPIRequestsPerMinute, Unit: UnitMinute, Multiple: 1}).
	mustRegister(Interval{Granularity: "hour", Table: TableAPIRequestsPerHour, Unit: UnitHour, Multiple: 1}).
	mustRegister(Interval{Granularity: "12hours", Table: TableAPIRequestsPerHour, Unit: UnitHour, Multiple: 12}).
	mustRegister(Interval{Granularity: "day", Table: TableAPIRequestsPerDay, Unit: UnitDay, Multiple: 1})
