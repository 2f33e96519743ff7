package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"windsite/internal/domain"
)

// Store is the project store: get/put of project records keyed by id, with
// a version check on put so concurrent writers cannot clobber each other.
type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the record changed since it was read; callers
	// re-read and retry.
	ErrConflict = errors.New("version conflict")
)

const projectColumns = `id,name,owner,terrain_status,layout_status,simulation_status,report_status,
terrain_result_json,layout_result_json,simulation_result_json,report_result_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var terrainStatus, layoutStatus, simulationStatus, reportStatus string
	var terrainRes, layoutRes, simulationRes, reportRes sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Owner, &terrainStatus, &layoutStatus, &simulationStatus, &reportStatus,
		&terrainRes, &layoutRes, &simulationRes, &reportRes, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.StageStatus = map[domain.Stage]string{
		domain.StageTerrain:    terrainStatus,
		domain.StageLayout:     layoutStatus,
		domain.StageSimulation: simulationStatus,
		domain.StageReport:     reportStatus,
	}
	if terrainRes.Valid {
		p.TerrainResultJSON = &terrainRes.String
	}
	if layoutRes.Valid {
		p.LayoutResultJSON = &layoutRes.String
	}
	if simulationRes.Valid {
		p.SimulationResultJSON = &simulationRes.String
	}
	if reportRes.Valid {
		p.ReportResultJSON = &reportRes.String
	}
	return p, nil
}

// Get returns the project with the given id.
func (s Store) Get(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// GetByName returns the owner's project with the given name.
func (s Store) GetByName(ctx context.Context, owner, name string) (domain.Project, error) {
	return scanProject(s.DB.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner=? AND name=?`, owner, name))
}

// List returns the owner's projects, newest first. An empty owner lists all.
func (s Store) List(ctx context.Context, owner string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC, id DESC`
	var args []any
	if owner != "" {
		query = `SELECT ` + projectColumns + ` FROM projects WHERE owner=? ORDER BY created_at DESC, id DESC`
		args = append(args, owner)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Insert writes a brand-new project record at version 1. A duplicate id or
// owner/name pair surfaces as ErrConflict so the caller can re-read the
// record a concurrent request just created.
func (s Store) Insert(ctx context.Context, p domain.Project) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Owner,
		p.Status(domain.StageTerrain), p.Status(domain.StageLayout), p.Status(domain.StageSimulation), p.Status(domain.StageReport),
		nullableStringPtr(p.TerrainResultJSON), nullableStringPtr(p.LayoutResultJSON),
		nullableStringPtr(p.SimulationResultJSON), nullableStringPtr(p.ReportResultJSON),
		1, p.CreatedAt, p.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Put persists the full record in one statement, guarded by the version the
// caller read. Either the whole row is replaced and the version bumped, or
// nothing changes and ErrConflict is returned.
func (s Store) Put(ctx context.Context, p domain.Project) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET
name=?, owner=?,
terrain_status=?, layout_status=?, simulation_status=?, report_status=?,
terrain_result_json=?, layout_result_json=?, simulation_result_json=?, report_result_json=?,
version=version+1, updated_at=?
WHERE id=? AND version=?`,
		p.Name, p.Owner,
		p.Status(domain.StageTerrain), p.Status(domain.StageLayout), p.Status(domain.StageSimulation), p.Status(domain.StageReport),
		nullableStringPtr(p.TerrainResultJSON), nullableStringPtr(p.LayoutResultJSON),
		nullableStringPtr(p.SimulationResultJSON), nullableStringPtr(p.ReportResultJSON),
		p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(ctx, p.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// LatestEvents returns the most recent event rows for a project.
func (s Store) LatestEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),owner,payload_json FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.Owner, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for webhook delivery.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),owner,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.Owner, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to one
// project.
func (s Store) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}
