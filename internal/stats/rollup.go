package stats

import (
	"context"
	"strconv"
	"time"

	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/store"
	"github.com/burrowlabs/burrow/pkg/logger"
)

type hourKey struct {
	tunnelID string
	hour     time.Time
}

// aggregate groups samples into per-(tunnel, UTC hour) batches with
// top-10 mappings and distinct-visitor counts.
func aggregate(samples []*Sample) []*store.HourlyBatch {
	type accumulator struct {
		batch     *store.HourlyBatch
		totalTime float64
		paths     map[string]int64
		countries map[string]int64
		statuses  map[string]int64
		visitors  map[string]struct{}
	}

	groups := make(map[hourKey]*accumulator)
	for _, s := range samples {
		key := hourKey{tunnelID: s.TunnelID, hour: s.Timestamp.UTC().Truncate(time.Hour)}
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{
				batch:     &store.HourlyBatch{TunnelID: key.tunnelID, Hour: key.hour},
				paths:     make(map[string]int64),
				countries: make(map[string]int64),
				statuses:  make(map[string]int64),
				visitors:  make(map[string]struct{}),
			}
			groups[key] = acc
		}

		acc.batch.TotalRequests++
		if s.StatusCode >= 400 {
			acc.batch.ErrorRequests++
		} else {
			acc.batch.SuccessRequests++
		}
		acc.batch.TotalBandwidth += s.RequestSize + s.ResponseSize
		acc.totalTime += s.ResponseTimeMs

		acc.paths[s.Method+" "+s.Path]++
		if s.Country != "" {
			acc.countries[s.Country]++
		}
		acc.statuses[strconv.Itoa(s.StatusCode)]++
		if s.ClientIP != "" {
			acc.visitors[s.ClientIP] = struct{}{}
		}
	}

	batches := make([]*store.HourlyBatch, 0, len(groups))
	for _, acc := range groups {
		b := acc.batch
		if b.TotalRequests > 0 {
			b.AvgResponseTime = acc.totalTime / float64(b.TotalRequests)
		}
		b.UniqueVisitors = int64(len(acc.visitors))
		b.TopPaths = topK(acc.paths)
		b.TopCountries = topK(acc.countries)
		b.StatusCodes = topK(acc.statuses)
		batches = append(batches, b)
	}
	return batches
}

func topK(counts map[string]int64) models.CounterList {
	list := make(models.CounterList, 0, len(counts))
	for key, count := range counts {
		list = append(list, models.CounterEntry{Key: key, Count: count})
	}
	return models.MergeCounters(list, nil, store.TopKLimit)
}

// RollupDaily condenses the hourly rows of one local calendar day into a
// daily row per tunnel. Idempotent: rerunning a day overwrites with the
// recomputed values.
func (p *Pipeline) RollupDaily(ctx context.Context, day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)

	rows, err := p.store.ListHourlyStatsForRange(ctx, from.UTC(), to.UTC())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	type dayAcc struct {
		row       *models.DailyStats
		sumAvg    float64
		hours     int
		peakCount int64
	}

	perTunnel := make(map[string]*dayAcc)
	for i := range rows {
		hr := &rows[i]
		acc, ok := perTunnel[hr.TunnelID]
		if !ok {
			acc = &dayAcc{row: &models.DailyStats{TunnelID: hr.TunnelID, Date: from}}
			perTunnel[hr.TunnelID] = acc
		}

		acc.row.TotalRequests += hr.TotalRequests
		acc.row.SuccessRequests += hr.SuccessRequests
		acc.row.ErrorRequests += hr.ErrorRequests
		acc.row.TotalBandwidth += hr.TotalBandwidth
		acc.row.UniqueVisitors += hr.UniqueVisitors
		acc.sumAvg += hr.AvgResponseTime
		acc.hours++

		if hr.TotalRequests > acc.peakCount {
			acc.peakCount = hr.TotalRequests
			acc.row.PeakHour = hr.Hour.In(day.Location()).Hour()
		}
	}

	for tunnelID, acc := range perTunnel {
		if acc.hours > 0 {
			acc.row.AvgResponseTime = acc.sumAvg / float64(acc.hours)
		}
		if err := p.store.UpsertDailyStats(ctx, acc.row); err != nil {
			logger.ErrorEvent().
				Err(err).
				Str("tunnel_id", tunnelID).
				Time("date", from).
				Msg("Failed to upsert daily stats")
		}
	}

	logger.InfoEvent().
		Time("date", from).
		Int("tunnels", len(perTunnel)).
		Msg("Completed daily stats rollup")
	return nil
}
