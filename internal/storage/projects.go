package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, name, base_url, monitoring_types, status, is_active,
	last_check_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	if err := row.Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.MonitoringTypes, &p.Status, &p.IsActive,
		&p.LastCheckAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject validates in and inserts a new active project with
// unknown status.
func (db *DB) CreateProject(ctx context.Context, in ProjectInput) (*Project, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Project{
		ID:              uuid.New().String(),
		Name:            in.Name,
		BaseURL:         in.BaseURL,
		MonitoringTypes: in.MonitoringTypes,
		Status:          StatusUnknown,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	query := `
		INSERT INTO projects (id, name, base_url, monitoring_types, status, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := db.pool.Exec(ctx, query,
		p.ID, p.Name, p.BaseURL, p.MonitoringTypes, p.Status, p.IsActive, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns projects ordered by name. activeOnly filters out
// deactivated projects.
func (db *DB) ListProjects(ctx context.Context, activeOnly bool) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE ($1 = FALSE OR is_active)
		ORDER BY name`

	rows, err := db.pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ListActiveProjects is ListProjects(ctx, true).
func (db *DB) ListActiveProjects(ctx context.Context) ([]Project, error) {
	return db.ListProjects(ctx, true)
}

// UpdateProject applies a partial update and returns the stored project.
func (db *DB) UpdateProject(ctx context.Context, id string, u ProjectUpdate) (*Project, error) {
	p, err := db.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := u.Apply(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE projects
		SET name = $2, base_url = $3, monitoring_types = $4, is_active = $5, updated_at = $6
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query, p.ID, p.Name, p.BaseURL, p.MonitoringTypes, p.IsActive, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// DeleteProject removes a project and, by cascade, its health check history.
func (db *DB) DeleteProject(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateProjectStatus records the outcome of the latest check.
func (db *DB) UpdateProjectStatus(ctx context.Context, id, status string, checkedAt time.Time) error {
	switch status {
	case StatusHealthy, StatusUnhealthy, StatusUnknown:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProject, status)
	}

	query := `
		UPDATE projects SET status = $2, last_check_at = $3, updated_at = $3
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query, id, status, checkedAt)
	if err != nil {
		return fmt.Errorf("updating project %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
