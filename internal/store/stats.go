package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/burrowlabs/burrow/internal/db/models"
	pkgerrors "github.com/burrowlabs/burrow/pkg/errors"
)

// TopKLimit caps the ordered mappings persisted on hourly rows.
const TopKLimit = 10

// HourlyBatch is one flushed aggregation group for a (tunnel, UTC hour)
// key.
type HourlyBatch struct {
	TunnelID string
	Hour     time.Time

	TotalRequests   int64
	SuccessRequests int64
	ErrorRequests   int64
	AvgResponseTime float64
	TotalBandwidth  int64
	UniqueVisitors  int64

	TopPaths     models.CounterList
	TopCountries models.CounterList
	StatusCodes  models.CounterList
}

// UpsertLiveStats applies one completed request to the tunnel's rolling
// counters. Increments happen in the database so concurrent request paths
// cannot lose updates; avg_response_time is last-wins and error_rate is an
// accumulator by design of the existing dashboards.
func (s *Store) UpsertLiveStats(ctx context.Context, tunnelID string, responseTimeMs float64, isError bool) error {
	now := time.Now()
	var errDelta float64
	if isError {
		errDelta = 1
	}

	row := models.LiveStats{
		TunnelID:          tunnelID,
		RequestsLast5Min:  1,
		RequestsLast1Hour: 1,
		AvgResponseTime:   responseTimeMs,
		ErrorRate:         errDelta,
		LastUpdated:       now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tunnel_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"requests_last_5min":  gorm.Expr("requests_last_5min + 1"),
			"requests_last_1hour": gorm.Expr("requests_last_1hour + 1"),
			"avg_response_time":   responseTimeMs,
			"error_rate":          gorm.Expr("error_rate + ?", errDelta),
			"last_updated":        now,
		}),
	}).Create(&row).Error
	return pkgerrors.Wrap(err, "failed to upsert live stats")
}

// ResetStaleLiveStats zeroes the rolling window counters of rows not
// updated since the cutoff. Approximate decay, documented limitation.
func (s *Store) ResetStaleLiveStats(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.LiveStats{}).
		Where("last_updated < ? AND (requests_last_5min > 0 OR requests_last_1hour > 0)", cutoff).
		Updates(map[string]interface{}{
			"requests_last_5min":  0,
			"requests_last_1hour": 0,
		})
	if result.Error != nil {
		return 0, pkgerrors.Wrap(result.Error, "failed to reset stale live stats")
	}
	return result.RowsAffected, nil
}

// UpsertHourlyStats writes one aggregation group. The create branch sets
// absolute values; the update branch increments the counters, merges the
// top-k mappings with the stored ones and sets avg_response_time to the
// batch mean. Flushes are serialised per key by the caller, so the
// read-modify-write on the JSON columns is safe.
func (s *Store) UpsertHourlyStats(ctx context.Context, batch *HourlyBatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.HourlyStats
		err := tx.Where("tunnel_id = ? AND hour = ?", batch.TunnelID, batch.Hour).First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row, buildErr := batch.toModel()
			if buildErr != nil {
				return buildErr
			}
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}

		topPaths, err := mergeColumn(existing.TopPaths, batch.TopPaths)
		if err != nil {
			return err
		}
		topCountries, err := mergeColumn(existing.TopCountries, batch.TopCountries)
		if err != nil {
			return err
		}
		statusCodes, err := mergeColumn(existing.StatusCodes, batch.StatusCodes)
		if err != nil {
			return err
		}

		return tx.Model(&models.HourlyStats{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"total_requests":    gorm.Expr("total_requests + ?", batch.TotalRequests),
				"success_requests":  gorm.Expr("success_requests + ?", batch.SuccessRequests),
				"error_requests":    gorm.Expr("error_requests + ?", batch.ErrorRequests),
				"total_bandwidth":   gorm.Expr("total_bandwidth + ?", batch.TotalBandwidth),
				"unique_visitors":   gorm.Expr("unique_visitors + ?", batch.UniqueVisitors),
				"avg_response_time": batch.AvgResponseTime,
				"top_paths":         topPaths,
				"top_countries":     topCountries,
				"status_codes":      statusCodes,
				"updated_at":        time.Now(),
			}).Error
	})
}

func (b *HourlyBatch) toModel() (*models.HourlyStats, error) {
	topPaths, err := models.EncodeCounters(b.TopPaths)
	if err != nil {
		return nil, err
	}
	topCountries, err := models.EncodeCounters(b.TopCountries)
	if err != nil {
		return nil, err
	}
	statusCodes, err := models.EncodeCounters(b.StatusCodes)
	if err != nil {
		return nil, err
	}

	return &models.HourlyStats{
		TunnelID:        b.TunnelID,
		Hour:            b.Hour,
		TotalRequests:   b.TotalRequests,
		SuccessRequests: b.SuccessRequests,
		ErrorRequests:   b.ErrorRequests,
		AvgResponseTime: b.AvgResponseTime,
		TotalBandwidth:  b.TotalBandwidth,
		UniqueVisitors:  b.UniqueVisitors,
		TopPaths:        topPaths,
		TopCountries:    topCountries,
		StatusCodes:     statusCodes,
	}, nil
}

func mergeColumn(stored datatypes.JSON, batch models.CounterList) (datatypes.JSON, error) {
	existing, err := models.DecodeCounters(stored)
	if err != nil {
		return nil, err
	}
	merged := models.MergeCounters(existing, batch, TopKLimit)
	return models.EncodeCounters(merged)
}

// GetHourlyStats fetches one bucket, mainly for tests and the daily rollup.
func (s *Store) GetHourlyStats(ctx context.Context, tunnelID string, hour time.Time) (*models.HourlyStats, error) {
	var row models.HourlyStats
	err := s.db.WithContext(ctx).
		Where("tunnel_id = ? AND hour = ?", tunnelID, hour).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query hourly stats")
	}
	return &row, nil
}

// ListHourlyStatsForRange returns hourly rows with from <= hour < to,
// ordered by tunnel then hour, for the daily rollup.
func (s *Store) ListHourlyStatsForRange(ctx context.Context, from, to time.Time) ([]models.HourlyStats, error) {
	var rows []models.HourlyStats
	err := s.db.WithContext(ctx).
		Where("hour >= ? AND hour < ?", from, to).
		Order("tunnel_id, hour").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list hourly stats")
	}
	return rows, nil
}

// UpsertDailyStats writes a daily rollup row. The rollup recomputes from
// hourly rows every run, so conflicts overwrite with absolute values.
func (s *Store) UpsertDailyStats(ctx context.Context, row *models.DailyStats) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tunnel_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_requests":    row.TotalRequests,
			"success_requests":  row.SuccessRequests,
			"error_requests":    row.ErrorRequests,
			"avg_response_time": row.AvgResponseTime,
			"total_bandwidth":   row.TotalBandwidth,
			"unique_visitors":   row.UniqueVisitors,
			"peak_hour":         row.PeakHour,
			"updated_at":        time.Now(),
		}),
	}).Create(row).Error
	return pkgerrors.Wrap(err, "failed to upsert daily stats")
}

// GetDailyStats fetches one daily row.
func (s *Store) GetDailyStats(ctx context.Context, tunnelID string, date time.Time) (*models.DailyStats, error) {
	var row models.DailyStats
	err := s.db.WithContext(ctx).
		Where("tunnel_id = ? AND date = ?", tunnelID, date).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query daily stats")
	}
	return &row, nil
}

// InsertRequestLog records one completed public request.
func (s *Store) InsertRequestLog(ctx context.Context, row *models.RequestLog) error {
	err := s.db.WithContext(ctx).Create(row).Error
	return pkgerrors.Wrap(err, "failed to insert request log")
}

// GetLiveStats fetches the rolling counters for a tunnel.
func (s *Store) GetLiveStats(ctx context.Context, tunnelID string) (*models.LiveStats, error) {
	var row models.LiveStats
	err := s.db.WithContext(ctx).
		Where("tunnel_id = ?", tunnelID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTunnelNotFound
		}
		return nil, pkgerrors.Wrap(err, "failed to query live stats")
	}
	return &row, nil
}
