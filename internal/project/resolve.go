package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"windsite/internal/domain"
	"windsite/internal/intent"
	"windsite/internal/store"
)

// NotFoundError means the caller referenced a project id that does not exist.
type NotFoundError struct {
	Ref string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("project %s not found", e.Ref)
}

func (e NotFoundError) Kind() string { return "project_not_found" }

// Resolver finds or creates the project a request refers to.
//
// Resolution order: explicit id, exact name match for the owner, identity
// derived from coordinates, then a fresh project with a generated name.
// Coordinate identity is namespaced per owner: two owners analyzing the
// same spot get separate projects, the same owner always gets the same one.
type Resolver struct {
	Store store.Store
	Now   func() time.Time
	NewID func() string
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Resolver) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// DeriveID computes the deterministic project id for an owner/coordinate
// pair. Coordinates are rounded to four decimals (~11m) so that repeated
// requests for the same spot converge on one project.
func DeriveID(owner string, lat, lon float64) string {
	key := fmt.Sprintf("%s|%.4f|%.4f", owner, lat, lon)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// SiteName is the generated human-readable name for a coordinate pair.
func SiteName(lat, lon float64) string {
	return fmt.Sprintf("site-%.4f_%.4f", lat, lon)
}

func coords(hints intent.Hints, params map[string]any) (float64, float64, bool) {
	if hints.Latitude != nil && hints.Longitude != nil {
		return *hints.Latitude, *hints.Longitude, true
	}
	lat, okLat := params["latitude"].(float64)
	lon, okLon := params["longitude"].(float64)
	return lat, lon, okLat && okLon
}

// Peek finds the referenced project without creating anything. It returns
// nil when no existing project matches and creation would be needed; a
// missing explicit id is an error, not a reason to create.
func (r Resolver) Peek(ctx context.Context, owner string, hints intent.Hints, params map[string]any) (*domain.Project, error) {
	if hints.ProjectID != "" {
		p, err := r.Store.Get(ctx, hints.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError{Ref: hints.ProjectID}
		}
		if err != nil {
			return nil, err
		}
		if p.Owner != owner {
			// another owner's project id stays indistinguishable from a
			// missing one
			return nil, NotFoundError{Ref: hints.ProjectID}
		}
		return &p, nil
	}
	if hints.ProjectName != "" {
		p, err := r.Store.GetByName(ctx, owner, hints.ProjectName)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	if lat, lon, ok := coords(hints, params); ok {
		p, err := r.Store.Get(ctx, DeriveID(owner, lat, lon))
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, nil
}

// Resolve returns the project for the request, creating and persisting a new
// record (all stages not_started) when none exists yet. The second return
// reports whether the project was created by this call.
func (r Resolver) Resolve(ctx context.Context, owner string, hints intent.Hints, params map[string]any) (domain.Project, bool, error) {
	existing, err := r.Peek(ctx, owner, hints, params)
	if err != nil {
		return domain.Project{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := r.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		Owner:       owner,
		StageStatus: domain.NewStageStatus(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if lat, lon, ok := coords(hints, params); ok {
		p.ID = DeriveID(owner, lat, lon)
		p.Name = SiteName(lat, lon)
	} else {
		p.ID = r.newID()
		p.Name = "project-" + shortID(p.ID)
	}
	if hints.ProjectName != "" {
		p.Name = hints.ProjectName
	}

	if err := r.Store.Insert(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// a concurrent request created it first; use that record
			raced, getErr := r.Store.Get(ctx, p.ID)
			if getErr == nil {
				return raced, false, nil
			}
			raced, getErr = r.Store.GetByName(ctx, owner, p.Name)
			if getErr == nil {
				return raced, false, nil
			}
		}
		return domain.Project{}, false, err
	}
	return p, true, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
