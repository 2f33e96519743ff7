package engine

import (
	"encoding/json"
	"fmt"

	"windsite/internal/domain"
)

// ArtifactType names the structured artifact produced by each stage.
func ArtifactType(s domain.Stage) string {
	switch s {
	case domain.StageTerrain:
		return "wind_farm_terrain_analysis"
	case domain.StageLayout:
		return "wind_farm_layout"
	case domain.StageSimulation:
		return "wind_farm_wake_simulation"
	case domain.StageReport:
		return "wind_farm_report"
	}
	return ""
}

// StageCheck is one row of the project checklist.
type StageCheck struct {
	Stage  domain.Stage `json:"stage"`
	Status string       `json:"status"`
}

// Checklist returns the project's stage statuses in pipeline order.
func Checklist(p domain.Project) []StageCheck {
	checks := make([]StageCheck, 0, 4)
	for _, s := range domain.Stages() {
		checks = append(checks, StageCheck{Stage: s, Status: p.Status(s)})
	}
	return checks
}

type statusArtifact struct {
	ProjectID string       `json:"project_id"`
	Name      string       `json:"name"`
	Stages    []StageCheck `json:"stages"`
	NextStage string       `json:"next_stage,omitempty"`
	Complete  bool         `json:"pipeline_complete"`
}

// assemble builds the response payload from already-validated data. It is a
// pure formatting step and cannot fail.
func assemble(p domain.Project, stage domain.Stage, data json.RawMessage, steps []domain.ThoughtStep, meta Metadata) Response {
	status := statusArtifact{
		ProjectID: p.ID,
		Name:      p.Name,
		Stages:    Checklist(p),
	}
	var message string
	if next, ok := p.NextStage(); ok {
		status.NextStage = string(next)
		message = fmt.Sprintf("Completed the %s stage for project %q. Next up: %s (%s).",
			stage, p.Name, next, next.ToolName())
	} else {
		status.Complete = true
		message = fmt.Sprintf("Completed the %s stage for project %q. The pipeline is complete.", stage, p.Name)
	}
	statusData, _ := json.Marshal(status)
	return Response{
		Success: true,
		Message: message,
		Artifacts: []domain.Artifact{
			{Type: ArtifactType(stage), Data: data},
			{Type: "project_status", Data: statusData},
		},
		ThoughtSteps: steps,
		Metadata:     meta,
	}
}
