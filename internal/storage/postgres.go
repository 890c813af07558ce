package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GardenConfig is the persisted automation configuration of one garden.
type GardenConfig struct {
	Mode models.Mode
	// Timezone is the IANA zone the garden's schedules are written in. Empty means the engine default.
	Timezone   string
	Thresholds []models.Threshold
	Schedules  []models.Schedule
}

// ConfigStore loads garden configuration at actor start and records changes made through the API.
type ConfigStore interface {
	ListGardens(ctx context.Context) ([]string, error)
	LoadGarden(ctx context.Context, gardenID string) (GardenConfig, error)
	SaveMode(ctx context.Context, gardenID string, mode models.Mode) error
	SaveThreshold(ctx context.Context, t models.Threshold) error
	SaveSchedule(ctx context.Context, s models.Schedule) error
	DeleteSchedule(ctx context.Context, gardenID, scheduleID string) error
}

// Querier is the subset of pgxpool.Pool used by PostgresConfigStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfigStore reads and writes the gardens, garden_thresholds and garden_schedules tables.
type PostgresConfigStore struct {
	db Querier
}

// NewPostgresConfigStore creates a store on top of a pool or connection.
func NewPostgresConfigStore(db Querier) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

// NewPool opens a pgx connection pool and checks that the database answers.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// ListGardens returns the ids of every garden with a stored row.
func (s *PostgresConfigStore) ListGardens(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM gardens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query gardens: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan garden id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// LoadGarden returns the configuration of a garden. An unknown garden yields manual mode with
// no thresholds and no schedules.
func (s *PostgresConfigStore) LoadGarden(ctx context.Context, gardenID string) (GardenConfig, error) {
	cfg := GardenConfig{Mode: models.ModeManual}

	var mode string
	err := s.db.QueryRow(ctx, `SELECT mode, COALESCE(timezone, '') FROM gardens WHERE id = $1`, gardenID).
		Scan(&mode, &cfg.Timezone)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return cfg, fmt.Errorf("failed to query garden mode: %w", err)
	default:
		m, err := models.ParseMode(mode)
		if err != nil {
			return cfg, fmt.Errorf("garden %s: %w", gardenID, err)
		}
		cfg.Mode = m
	}

	if cfg.Thresholds, err = s.loadThresholds(ctx, gardenID); err != nil {
		return cfg, err
	}
	if cfg.Schedules, err = s.loadSchedules(ctx, gardenID); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *PostgresConfigStore) loadThresholds(ctx context.Context, gardenID string) ([]models.Threshold, error) {
	query := `
		SELECT metric, low_bound, high_bound, device
		FROM garden_thresholds
		WHERE garden_id = $1
		ORDER BY metric
	`
	rows, err := s.db.Query(ctx, query, gardenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	defer rows.Close()

	var out []models.Threshold
	for rows.Next() {
		var metric, device string
		t := models.Threshold{GardenID: gardenID}
		if err := rows.Scan(&metric, &t.LowBound, &t.HighBound, &device); err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}
		if t.Metric, err = models.ParseMetric(metric); err != nil {
			return nil, fmt.Errorf("garden %s threshold: %w", gardenID, err)
		}
		if device != "" {
			if t.Device, err = models.ParseDevice(device); err != nil {
				return nil, fmt.Errorf("garden %s threshold: %w", gardenID, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *PostgresConfigStore) loadSchedules(ctx context.Context, gardenID string) ([]models.Schedule, error) {
	query := `
		SELECT id, device, action, hour, minute, days_of_week, active
		FROM garden_schedules
		WHERE garden_id = $1
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query, gardenID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var device, action string
		var days []int32
		sc := models.Schedule{GardenID: gardenID}
		if err := rows.Scan(&sc.ID, &device, &action, &sc.Hour, &sc.Minute, &days, &sc.Active); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		if sc.Device, err = models.ParseDevice(device); err != nil {
			return nil, fmt.Errorf("garden %s schedule %s: %w", gardenID, sc.ID, err)
		}
		if sc.Action, err = models.ParseAction(action); err != nil {
			return nil, fmt.Errorf("garden %s schedule %s: %w", gardenID, sc.ID, err)
		}
		for _, d := range days {
			sc.DaysOfWeek = append(sc.DaysOfWeek, int(d))
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// SaveMode upserts the garden row.
func (s *PostgresConfigStore) SaveMode(ctx context.Context, gardenID string, mode models.Mode) error {
	query := `
		INSERT INTO gardens (id, mode) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET mode = EXCLUDED.mode
	`
	if _, err := s.db.Exec(ctx, query, gardenID, string(mode)); err != nil {
		return fmt.Errorf("failed to save garden mode: %w", err)
	}
	return nil
}

// SaveThreshold upserts one metric band.
func (s *PostgresConfigStore) SaveThreshold(ctx context.Context, t models.Threshold) error {
	query := `
		INSERT INTO garden_thresholds (garden_id, metric, low_bound, high_bound, device)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (garden_id, metric) DO UPDATE
		SET low_bound = EXCLUDED.low_bound, high_bound = EXCLUDED.high_bound, device = EXCLUDED.device
	`
	_, err := s.db.Exec(ctx, query, t.GardenID, string(t.Metric), t.LowBound, t.HighBound, string(t.Device))
	if err != nil {
		return fmt.Errorf("failed to save threshold: %w", err)
	}
	return nil
}

// SaveSchedule upserts one schedule.
func (s *PostgresConfigStore) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	days := make([]int32, 0, len(sc.DaysOfWeek))
	for _, d := range sc.DaysOfWeek {
		days = append(days, int32(d))
	}
	query := `
		INSERT INTO garden_schedules (id, garden_id, device, action, hour, minute, days_of_week, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (garden_id, id) DO UPDATE
		SET device = EXCLUDED.device, action = EXCLUDED.action, hour = EXCLUDED.hour,
			minute = EXCLUDED.minute, days_of_week = EXCLUDED.days_of_week, active = EXCLUDED.active
	`
	_, err := s.db.Exec(ctx, query, sc.ID, sc.GardenID, string(sc.Device), string(sc.Action), sc.Hour, sc.Minute, days, sc.Active)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes one schedule. Deleting a missing schedule is not an error.
func (s *PostgresConfigStore) DeleteSchedule(ctx context.Context, gardenID, scheduleID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM garden_schedules WHERE garden_id = $1 AND id = $2`, gardenID, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}
