package domain

import "encoding/json"

// Stage is one of the four ordered steps of the siting pipeline.
type Stage string

const (
	StageTerrain    Stage = "terrain"
	StageLayout     Stage = "layout"
	StageSimulation Stage = "simulation"
	StageReport     Stage = "report"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageTerrain, StageLayout, StageSimulation, StageReport}
}

// ParseStage maps a stage name to its Stage value.
func ParseStage(name string) (Stage, bool) {
	switch Stage(name) {
	case StageTerrain, StageLayout, StageSimulation, StageReport:
		return Stage(name), true
	}
	return "", false
}

// Prerequisite returns the stage that must be complete before s may run.
// Terrain has no prerequisite.
func (s Stage) Prerequisite() (Stage, bool) {
	switch s {
	case StageLayout:
		return StageTerrain, true
	case StageSimulation:
		return StageLayout, true
	case StageReport:
		return StageSimulation, true
	}
	return "", false
}

// Next returns the stage that follows s in the pipeline.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageTerrain:
		return StageLayout, true
	case StageLayout:
		return StageSimulation, true
	case StageSimulation:
		return StageReport, true
	}
	return "", false
}

// ToolName is the name of the compute tool implementing the stage.
func (s Stage) ToolName() string {
	switch s {
	case StageTerrain:
		return "terrain_analysis"
	case StageLayout:
		return "layout_optimization"
	case StageSimulation:
		return "wake_simulation"
	case StageReport:
		return "report_generation"
	}
	return ""
}

// Stage status values. A stage is either untouched or finished; a failed
// tool call leaves the stage not_started.
const (
	StatusNotStarted = "not_started"
	StatusComplete   = "complete"
)

// Project is the durable unit of workflow state for one site.
type Project struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Owner                string           `json:"owner"`
	StageStatus          map[Stage]string `json:"stage_status"`
	TerrainResultJSON    *string          `json:"terrain_result_json,omitempty"`
	LayoutResultJSON     *string          `json:"layout_result_json,omitempty"`
	SimulationResultJSON *string          `json:"simulation_result_json,omitempty"`
	ReportResultJSON     *string          `json:"report_result_json,omitempty"`
	Version              int64            `json:"version"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

// NewStageStatus returns the initial status map with every stage not_started.
func NewStageStatus() map[Stage]string {
	m := make(map[Stage]string, 4)
	for _, s := range Stages() {
		m[s] = StatusNotStarted
	}
	return m
}

// Status returns the status of a stage, defaulting to not_started.
func (p Project) Status(s Stage) string {
	if v, ok := p.StageStatus[s]; ok && v != "" {
		return v
	}
	return StatusNotStarted
}

// ResultJSON returns the stored result payload for a stage.
func (p Project) ResultJSON(s Stage) *string {
	switch s {
	case StageTerrain:
		return p.TerrainResultJSON
	case StageLayout:
		return p.LayoutResultJSON
	case StageSimulation:
		return p.SimulationResultJSON
	case StageReport:
		return p.ReportResultJSON
	}
	return nil
}

// SetResultJSON stores the result payload for a stage.
func (p *Project) SetResultJSON(s Stage, payload string) {
	switch s {
	case StageTerrain:
		p.TerrainResultJSON = &payload
	case StageLayout:
		p.LayoutResultJSON = &payload
	case StageSimulation:
		p.SimulationResultJSON = &payload
	case StageReport:
		p.ReportResultJSON = &payload
	}
}

// NextStage returns the earliest stage that is not yet complete, or false
// when the whole pipeline is done.
func (p Project) NextStage() (Stage, bool) {
	for _, s := range Stages() {
		if p.Status(s) != StatusComplete {
			return s, true
		}
	}
	return "", false
}

// ThoughtStep is one ordered, human-readable unit of orchestrator work.
// It lives only in the response; nothing reads it back.
type ThoughtStep struct {
	Description string `json:"description"`
	Timestamp   string `json:"timestamp" format:"date-time"`
}

// Artifact is a stage-specific structured payload returned to the caller.
type Artifact struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one append-only log entry describing a project state change.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	Owner     string `json:"owner"`
	Payload   string `json:"payload_json"`
}
