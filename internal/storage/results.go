package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertHealthCheck stores one probe outcome.
func (db *DB) InsertHealthCheck(ctx context.Context, r *HealthCheckResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	query := `
		INSERT INTO health_check_results (id, project_id, check_type, url, success, status_code,
			response_time_ms, error_message, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		r.ID, r.ProjectID, r.CheckType, r.URL, r.Success, r.StatusCode,
		r.ResponseTimeMS, r.ErrorMessage, r.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting health check: %w", err)
	}
	return nil
}

// InsertE2EResult stores one suite run.
func (db *DB) InsertE2EResult(ctx context.Context, r *E2EResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	query := `
		INSERT INTO e2e_results (id, project_id, success, total_tests, passed, failed, skipped,
			duration_ms, spec_files, output, error, max_memory_mb, avg_cpu_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := db.pool.Exec(ctx, query,
		r.ID, nullable(r.ProjectID), r.Success, r.TotalTests, r.Passed, r.Failed, r.Skipped,
		r.DurationMS, r.SpecFiles,
		truncateTail(r.Output, MaxStoredOutput),
		r.Error, r.MaxMemoryMB, r.AvgCPUMs, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting e2e result: %w", err)
	}
	return nil
}

const healthColumns = `id, project_id, check_type, url, success, status_code, response_time_ms,
	error_message, checked_at`

const e2eColumns = `id, COALESCE(project_id, ''), success, total_tests, passed, failed, skipped,
	duration_ms, spec_files, output, error, max_memory_mb, avg_cpu_ms, created_at`

func scanHealth(row rowScanner) (*HealthCheckResult, error) {
	var r HealthCheckResult
	if err := row.Scan(
		&r.ID, &r.ProjectID, &r.CheckType, &r.URL, &r.Success, &r.StatusCode,
		&r.ResponseTimeMS, &r.ErrorMessage, &r.CheckedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanE2E(row rowScanner) (*E2EResult, error) {
	var r E2EResult
	if err := row.Scan(
		&r.ID, &r.ProjectID, &r.Success, &r.TotalTests, &r.Passed, &r.Failed, &r.Skipped,
		&r.DurationMS, &r.SpecFiles, &r.Output, &r.Error, &r.MaxMemoryMB, &r.AvgCPUMs, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// mergedHistory unions both result tables into one time-ordered stream.
// $1 type, $2 project, $3 start, $4 end.
const mergedHistory = `
	SELECT 'health_check' AS type, h.id, h.project_id, COALESCE(p.name, '') AS project_name,
		h.success, h.checked_at AS created_at
	FROM health_check_results h
	LEFT JOIN projects p ON p.id = h.project_id
	WHERE ($1::text = '' OR $1::text = 'health_check')
	  AND ($2::text = '' OR h.project_id = $2::text)
	  AND ($3::timestamptz IS NULL OR h.checked_at >= $3::timestamptz)
	  AND ($4::timestamptz IS NULL OR h.checked_at <= $4::timestamptz)
	UNION ALL
	SELECT 'e2e' AS type, e.id, COALESCE(e.project_id, ''), COALESCE(p.name, ''),
		e.success, e.created_at
	FROM e2e_results e
	LEFT JOIN projects p ON p.id = e.project_id
	WHERE ($1::text = '' OR $1::text = 'e2e')
	  AND ($2::text = '' OR e.project_id = $2::text)
	  AND ($3::timestamptz IS NULL OR e.created_at >= $3::timestamptz)
	  AND ($4::timestamptz IS NULL OR e.created_at <= $4::timestamptz)`

// History returns one page of merged health check and e2e history, newest
// first.
func (db *DB) History(ctx context.Context, f HistoryFilter) (*HistoryPage, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}
	args := []any{f.Type, f.ProjectID, f.Start, f.End}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM (`+mergedHistory+`) m`, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting history: %w", err)
	}

	query := `SELECT type, id, project_id, project_name, success, created_at
		FROM (` + mergedHistory + `) m
		ORDER BY created_at DESC, id
		LIMIT $5 OFFSET $6`

	rows, err := db.pool.Query(ctx, query, append(args, f.PageSize, f.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}

	var (
		items     []HistoryItem
		healthIDs []string
		e2eIDs    []string
		ids       []string
	)
	for rows.Next() {
		var it HistoryItem
		var id string
		if err := rows.Scan(&it.Type, &id, &it.ProjectID, &it.ProjectName, &it.Success, &it.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		items = append(items, it)
		ids = append(ids, id)
		if it.Type == HistoryHealthCheck {
			healthIDs = append(healthIDs, id)
		} else {
			e2eIDs = append(e2eIDs, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	health, err := db.healthByID(ctx, healthIDs)
	if err != nil {
		return nil, err
	}
	e2e, err := db.e2eByID(ctx, e2eIDs)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Type == HistoryHealthCheck {
			items[i].HealthCheck = health[ids[i]]
		} else {
			items[i].E2E = e2e[ids[i]]
		}
	}

	return newHistoryPage(items, total, f), nil
}

func (db *DB) healthByID(ctx context.Context, ids []string) (map[string]*HealthCheckResult, error) {
	out := make(map[string]*HealthCheckResult, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+healthColumns+` FROM health_check_results WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying health checks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning health check row: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

func (db *DB) e2eByID(ctx context.Context, ids []string) (map[string]*E2EResult, error) {
	out := make(map[string]*E2EResult, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+e2eColumns+` FROM e2e_results WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying e2e results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanE2E(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning e2e row: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
