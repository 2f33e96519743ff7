package server

import (
	"encoding/json"

	"windsite/internal/domain"
	"windsite/internal/engine"
)

// Request payloads

type AnalyzeRequest struct {
	Query     string          `json:"query"`
	SessionID string          `json:"session_id,omitempty"`
	Context   *AnalyzeContext `json:"context,omitempty"`
}

type AnalyzeContext struct {
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	Stage       string         `json:"stage,omitempty" enum:",terrain,layout,simulation,report"`
	Latitude    *float64       `json:"latitude,omitempty"`
	Longitude   *float64       `json:"longitude,omitempty"`
	RadiusKm    *float64       `json:"radius_km,omitempty"`
	Hints       map[string]any `json:"hints,omitempty"`
}

// Response payloads

type ArtifactResponse struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ThoughtStepResponse struct {
	Description string `json:"description"`
	Timestamp   string `json:"timestamp" format:"date-time"`
}

type AnalyzeMetadata struct {
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	ToolsUsed       []string `json:"tools_used"`
	ProjectName     string   `json:"project_name"`
}

type AnalyzeResponse struct {
	Success      bool                  `json:"success"`
	Message      string                `json:"message"`
	Artifacts    []ArtifactResponse    `json:"artifacts"`
	ThoughtSteps []ThoughtStepResponse `json:"thought_steps"`
	Metadata     AnalyzeMetadata       `json:"metadata"`
}

type ProjectResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	StageStatus map[string]string `json:"stage_status"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
}

type ProjectStatusResponse struct {
	ProjectID string              `json:"project_id"`
	Name      string              `json:"name"`
	Stages    []engine.StageCheck `json:"stages"`
	NextStage string              `json:"next_stage,omitempty"`
	Complete  bool                `json:"pipeline_complete"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Conversion helpers

func analyzeResponse(res engine.Response) AnalyzeResponse {
	out := AnalyzeResponse{
		Success: res.Success,
		Message: res.Message,
		Metadata: AnalyzeMetadata{
			ExecutionTimeMs: res.Metadata.ExecutionTimeMs,
			ToolsUsed:       res.Metadata.ToolsUsed,
			ProjectName:     res.Metadata.ProjectName,
		},
	}
	for _, a := range res.Artifacts {
		out.Artifacts = append(out.Artifacts, ArtifactResponse{Type: a.Type, Data: a.Data})
	}
	for _, s := range res.ThoughtSteps {
		out.ThoughtSteps = append(out.ThoughtSteps, ThoughtStepResponse{Description: s.Description, Timestamp: s.Timestamp})
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	status := make(map[string]string, 4)
	for _, s := range domain.Stages() {
		status[string(s)] = p.Status(s)
	}
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Owner:       p.Owner,
		StageStatus: status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func projectStatusResponse(p domain.Project) ProjectStatusResponse {
	res := ProjectStatusResponse{
		ProjectID: p.ID,
		Name:      p.Name,
		Stages:    engine.Checklist(p),
	}
	if next, ok := p.NextStage(); ok {
		res.NextStage = string(next)
	} else {
		res.Complete = true
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
