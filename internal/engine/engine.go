package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"windsite/internal/config"
	"windsite/internal/domain"
	"windsite/internal/events"
	"windsite/internal/intent"
	"windsite/internal/project"
	"windsite/internal/store"
	"windsite/internal/tools"
)

// Engine is the pipeline orchestrator. One Engine serves the whole process;
// every collaborator is an explicit field so tests can substitute fakes.
type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Tools  tools.Dispatcher
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

// New wires an Engine over an opened database, with one shared HTTP client
// for all tool invokers. Its lifetime is the process, not a request.
func New(db *sql.DB, cfg *config.Config) Engine {
	client := &http.Client{}
	invokers := make(map[string]tools.Invoker, 4)
	for _, s := range domain.Stages() {
		invokers[s.ToolName()] = tools.HTTPInvoker{URL: cfg.Tool(s).URL, Client: client}
	}
	return Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Tools:  tools.Dispatcher{Invokers: invokers, Policy: tools.RetryPolicy{Attempts: cfg.Retry.Attempts}},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RequestContext carries the structured hints that may accompany a query.
type RequestContext struct {
	ProjectID   string         `json:"project_id,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	Latitude    *float64       `json:"latitude,omitempty"`
	Longitude   *float64       `json:"longitude,omitempty"`
	RadiusKm    *float64       `json:"radius_km,omitempty"`
	Hints       map[string]any `json:"hints,omitempty"`
}

// Request is one orchestration request from the transport layer.
type Request struct {
	Query     string         `json:"query"`
	Owner     string         `json:"owner"`
	SessionID string         `json:"session_id,omitempty"`
	Context   RequestContext `json:"context,omitempty"`
}

// Metadata summarizes how a request was executed.
type Metadata struct {
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	ToolsUsed       []string `json:"tools_used"`
	ProjectName     string   `json:"project_name"`
}

// Response is the success payload: a message, the stage artifact plus the
// project checklist, and the ordered trace of orchestrator work.
type Response struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message"`
	Artifacts    []domain.Artifact    `json:"artifacts"`
	ThoughtSteps []domain.ThoughtStep `json:"thought_steps"`
	Metadata     Metadata             `json:"metadata"`
}

func (r Request) hints() intent.Hints {
	return intent.Hints{
		ProjectID:   r.Context.ProjectID,
		ProjectName: r.Context.ProjectName,
		Stage:       r.Context.Stage,
		Latitude:    r.Context.Latitude,
		Longitude:   r.Context.Longitude,
		RadiusKm:    r.Context.RadiusKm,
		Extra:       r.Context.Hints,
	}
}

// trace accumulates ThoughtSteps for one request.
type trace struct {
	now   func() time.Time
	steps []domain.ThoughtStep
}

func (t *trace) add(format string, args ...any) {
	t.steps = append(t.steps, domain.ThoughtStep{
		Description: fmt.Sprintf(format, args...),
		Timestamp:   t.now().UTC().Format(time.RFC3339),
	})
}

// Analyze runs one request through the pipeline: intent, project context,
// dependency validation, tool dispatch, state merge, response assembly.
// Every error is terminal for the request; a failed tool call or a lost
// merge leaves the stored project exactly as it was.
func (e Engine) Analyze(ctx context.Context, req Request) (Response, error) {
	start := e.now()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.RequestTimeout())
		defer cancel()
	}
	if req.Owner == "" {
		req.Owner = "local-user"
	}
	tr := &trace{now: e.now}
	hints := req.hints()
	queryParams := intent.ExtractParams(req.Query)
	resolver := project.Resolver{Store: e.Store, Now: e.Now}

	tr.add("resolving project context")
	existing, err := resolver.Peek(ctx, req.Owner, hints, queryParams)
	if err != nil {
		return Response{}, err
	}

	tr.add("interpreting request")
	var status map[domain.Stage]string
	if existing != nil {
		status = existing.StageStatus
	}
	resolution, err := intent.Resolve(req.Query, hints, status, e.Config.Intent.MinConfidence)
	if err != nil {
		return Response{}, err
	}
	tr.add("targeting the %s stage (confidence %.2f)", resolution.Stage, resolution.Confidence)

	var p domain.Project
	if existing != nil {
		p = *existing
		tr.add("using project %q", p.Name)
	} else {
		var created bool
		p, created, err = resolver.Resolve(ctx, req.Owner, hints, resolution.Params)
		if err != nil {
			return Response{}, err
		}
		if created {
			tr.add("created project %q", p.Name)
			e.appendEvent(ctx, "project.created", p, events.EventPayload{"name": p.Name})
		} else {
			tr.add("using project %q", p.Name)
		}
	}

	if err := ValidateStage(p, resolution.Stage); err != nil {
		return Response{}, err
	}

	toolName := resolution.Stage.ToolName()
	tr.add("calling the %s tool", toolName)
	inv := tools.Invocation{
		ToolName: toolName,
		Input:    e.buildInput(p, resolution.Params),
		Timeout:  e.Config.Tool(resolution.Stage).Timeout(),
	}
	result, retries, err := e.Tools.Dispatch(ctx, inv)
	if retries > 0 {
		tr.add("retried the %s tool %d time(s)", toolName, retries)
	}
	if err != nil {
		return Response{}, err
	}

	tr.add("merging %s result into project state", resolution.Stage)
	p, rerun, err := e.merge(ctx, p, resolution.Stage, result)
	if err != nil {
		return Response{}, err
	}
	evtType := "stage.completed"
	if rerun {
		evtType = "stage.rerun"
	}
	e.appendEvent(ctx, evtType, p, events.EventPayload{"stage": resolution.Stage})

	tr.add("assembling response")
	meta := Metadata{
		ExecutionTimeMs: e.now().Sub(start).Milliseconds(),
		ToolsUsed:       []string{toolName},
		ProjectName:     p.Name,
	}
	return assemble(p, resolution.Stage, result.Data, tr.steps, meta), nil
}

// buildInput assembles the tool input: extracted parameters, project
// identity, and the prior stages' result payloads the tool builds on.
func (e Engine) buildInput(p domain.Project, params map[string]any) map[string]any {
	input := make(map[string]any, len(params)+6)
	for k, v := range params {
		input[k] = v
	}
	input["project_id"] = p.ID
	input["project_name"] = p.Name
	for _, s := range domain.Stages() {
		if res := p.ResultJSON(s); res != nil && p.Status(s) == domain.StatusComplete {
			input[string(s)+"_result"] = json.RawMessage(*res)
		}
	}
	return input
}

// merge is the only writer of stage-status transitions. It re-checks the
// dependency chain right before writing and persists through a versioned
// put; on conflict it re-reads, re-validates and retries a bounded number
// of times before giving up.
func (e Engine) merge(ctx context.Context, p domain.Project, stage domain.Stage, result tools.Result) (domain.Project, bool, error) {
	rerun := p.Status(stage) == domain.StatusComplete
	retries := e.Config.Request.ConflictRetries
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ValidateStage(p, stage); err != nil {
			return p, false, err
		}
		if p.StageStatus == nil {
			p.StageStatus = domain.NewStageStatus()
		}
		p.StageStatus[stage] = domain.StatusComplete
		p.SetResultJSON(stage, string(result.Data))
		p.UpdatedAt = e.now().UTC().Format(time.RFC3339)

		err := e.Store.Put(ctx, p)
		if err == nil {
			p.Version++
			return p, rerun, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return p, false, err
		}
		fresh, getErr := e.Store.Get(ctx, p.ID)
		if getErr != nil {
			return p, false, getErr
		}
		p = fresh
		rerun = p.Status(stage) == domain.StatusComplete
	}
	return p, false, PersistenceConflictError{ProjectID: p.ID}
}

func (e Engine) appendEvent(ctx context.Context, evtType string, p domain.Project, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, p.ID, p.Owner, payload); err != nil {
		log.Printf("events: append %s for %s failed: %v", evtType, p.ID, err)
	}
}
