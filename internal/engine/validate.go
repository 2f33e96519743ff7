package engine

import "windsite/internal/domain"

// ValidateStage checks the fixed dependency chain
// terrain -> layout -> simulation -> report against the project's status.
// Pure function; the state merge runs the same check right before writing.
func ValidateStage(p domain.Project, target domain.Stage) error {
	prereq, ok := target.Prerequisite()
	if !ok {
		return nil
	}
	if p.Status(prereq) != domain.StatusComplete {
		return StageDependencyError{Stage: target, Missing: prereq}
	}
	return nil
}
