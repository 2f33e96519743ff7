package engine

import (
	"errors"
	"fmt"

	"windsite/internal/domain"
	"windsite/internal/intent"
	"windsite/internal/project"
	"windsite/internal/tools"
)

// StageDependencyError means the requested stage's prerequisite has not
// completed. No tool is invoked and no state is touched.
type StageDependencyError struct {
	Stage   domain.Stage
	Missing domain.Stage
}

func (e StageDependencyError) Error() string {
	return fmt.Sprintf("cannot run %s: the %s stage is not complete; run %s first", e.Stage, e.Missing, e.Missing)
}

func (e StageDependencyError) Kind() string { return "stage_dependency" }

// PersistenceConflictError is surfaced after the bounded re-read/re-merge
// loop keeps losing to concurrent writers.
type PersistenceConflictError struct {
	ProjectID string
}

func (e PersistenceConflictError) Error() string {
	return fmt.Sprintf("project %s was modified concurrently too many times; please retry", e.ProjectID)
}

func (e PersistenceConflictError) Kind() string { return "persistence_conflict" }

// ErrorInfo is the structured error surface handed to transport layers:
// enough to render an actionable message without knowing about HTTP.
type ErrorInfo struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	MissingStage string `json:"missing_stage,omitempty"`
}

// Describe classifies any error from Analyze into the fixed taxonomy.
func Describe(err error) ErrorInfo {
	var (
		ambiguous  intent.AmbiguousIntentError
		notFound   project.NotFoundError
		dependency StageDependencyError
		validation tools.ValidationError
		infra      tools.InfraError
		conflict   PersistenceConflictError
	)
	switch {
	case errors.As(err, &ambiguous):
		return ErrorInfo{Kind: ambiguous.Kind(), Message: ambiguous.Error()}
	case errors.As(err, &notFound):
		return ErrorInfo{Kind: notFound.Kind(), Message: notFound.Error()}
	case errors.As(err, &dependency):
		return ErrorInfo{Kind: dependency.Kind(), Message: dependency.Error(), MissingStage: string(dependency.Missing)}
	case errors.As(err, &validation):
		return ErrorInfo{Kind: validation.Kind(), Message: validation.Error()}
	case errors.As(err, &infra):
		return ErrorInfo{Kind: infra.Kind(), Message: infra.Error()}
	case errors.As(err, &conflict):
		return ErrorInfo{Kind: conflict.Kind(), Message: conflict.Error()}
	default:
		return ErrorInfo{Kind: "internal", Message: err.Error()}
	}
}
