package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"windsite/internal/config"
	"windsite/internal/db"
	"windsite/internal/domain"
	"windsite/internal/engine"
	"windsite/internal/intent"
	"windsite/internal/tools"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

// fakeTool registers an in-process invoker for a stage's tool.
func (env *testEnv) fakeTool(stage domain.Stage, fn tools.InvokerFunc) {
	env.Engine.Tools.Invokers[stage.ToolName()] = fn
}

func staticResult(data string) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		return tools.Result{Data: json.RawMessage(data)}, nil
	}
}

// seedProject creates a project with the given completed stages.
func (env *testEnv) seedProject(t *testing.T, name string, completed ...domain.Stage) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:          "proj-" + name,
		Name:        name,
		Owner:       "local-user",
		StageStatus: domain.NewStageStatus(),
		CreatedAt:   "2026-03-01T00:00:00Z",
		UpdatedAt:   "2026-03-01T00:00:00Z",
	}
	for _, s := range completed {
		p.StageStatus[s] = domain.StatusComplete
		res := `{"seeded":"` + string(s) + `"}`
		p.SetResultJSON(s, res)
	}
	if err := env.Engine.Store.Insert(env.Ctx, p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	p.Version = 1
	return p
}

func hasStep(steps []domain.ThoughtStep, substr string) bool {
	for _, s := range steps {
		if strings.Contains(s.Description, substr) {
			return true
		}
	}
	return false
}

func TestAnalyzeCreatesProjectAndRunsTerrain(t *testing.T) {
	env := newTestEnv(t)
	var gotInput map[string]any
	env.fakeTool(domain.StageTerrain, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		gotInput = inv.Input
		return tools.Result{Data: json.RawMessage(`{"grid":"64x64","mean_slope":4.2}`)}, nil
	})

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query: "analyze terrain at 45.5, -122.6",
		Owner: "local-user",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}
	if !strings.Contains(res.Message, "terrain") || !strings.Contains(res.Message, "layout") {
		t.Fatalf("message should name the stage and the next one: %q", res.Message)
	}
	if len(res.Artifacts) != 2 || res.Artifacts[0].Type != "wind_farm_terrain_analysis" || res.Artifacts[1].Type != "project_status" {
		t.Fatalf("unexpected artifacts: %+v", res.Artifacts)
	}
	if lat, ok := gotInput["latitude"].(float64); !ok || lat != 45.5 {
		t.Fatalf("tool input missing extracted latitude: %v", gotInput)
	}

	// ordered trace: project context first, then intent, then the tool call
	steps := res.ThoughtSteps
	if len(steps) < 4 || !strings.Contains(steps[0].Description, "resolving project context") {
		t.Fatalf("unexpected trace: %+v", steps)
	}
	if !hasStep(steps, "created project") || !hasStep(steps, "calling the terrain_analysis tool") {
		t.Fatalf("trace missing steps: %+v", steps)
	}

	// state persisted
	items, err := env.Engine.Store.List(env.Ctx, "local-user")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one project: %v %d", err, len(items))
	}
	p := items[0]
	if p.Status(domain.StageTerrain) != domain.StatusComplete {
		t.Fatalf("terrain should be complete")
	}
	if p.TerrainResultJSON == nil || !strings.Contains(*p.TerrainResultJSON, "64x64") {
		t.Fatalf("terrain result not stored")
	}

	evts, err := env.Engine.Store.LatestEvents(env.Ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != "stage.completed" || types[1] != "project.created" {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestAnalyzeBlocksOnMissingDependency(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "gorge", domain.StageTerrain)
	env.fakeTool(domain.StageSimulation, staticResult(`{"aep":1}`))

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "run the wake simulation",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	var depErr engine.StageDependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected StageDependencyError, got %v", err)
	}
	if depErr.Missing != domain.StageLayout {
		t.Fatalf("expected missing layout, got %s", depErr.Missing)
	}

	// the record is untouched
	fresh, err := env.Engine.Store.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Version != 1 || fresh.Status(domain.StageSimulation) != domain.StatusNotStarted {
		t.Fatalf("record changed on blocked request: %+v", fresh)
	}
}

func TestAmbiguousQueryTouchesNoState(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query: "please just do the thing",
		Owner: "local-user",
	})
	var ambErr intent.AmbiguousIntentError
	if !errors.As(err, &ambErr) {
		t.Fatalf("expected AmbiguousIntentError, got %v", err)
	}
	items, err := env.Engine.Store.List(env.Ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("ambiguous request must not create projects")
	}
}

func TestTransientToolFailureIsRetriedOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "ridge", domain.StageTerrain)
	calls := 0
	env.fakeTool(domain.StageLayout, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		calls++
		if calls == 1 {
			return tools.Result{}, tools.InfraError{Tool: inv.ToolName, Message: "connection reset"}
		}
		return tools.Result{Data: json.RawMessage(`{"turbines":12}`)}, nil
	})

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "optimize the turbine layout",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if !hasStep(res.ThoughtSteps, "retried the layout_optimization tool 1 time(s)") {
		t.Fatalf("trace must record the retry: %+v", res.ThoughtSteps)
	}
	fresh, _ := env.Engine.Store.Get(env.Ctx, p.ID)
	if fresh.Status(domain.StageLayout) != domain.StatusComplete {
		t.Fatalf("layout should be complete after retry")
	}
}

func TestRepeatedToolFailureLeavesRecordUnchanged(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "mesa", domain.StageTerrain)
	env.fakeTool(domain.StageLayout, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		return tools.Result{}, tools.InfraError{Tool: inv.ToolName, Message: "upstream down"}
	})

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "optimize the turbine layout",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	var infra tools.InfraError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfraError, got %v", err)
	}
	if engine.Describe(err).Kind != "tool_infra" {
		t.Fatalf("expected tool_infra kind")
	}
	fresh, _ := env.Engine.Store.Get(env.Ctx, p.ID)
	if fresh.Version != 1 || fresh.Status(domain.StageLayout) != domain.StatusNotStarted {
		t.Fatalf("record changed on failed dispatch: %+v", fresh)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "flats")
	calls := 0
	env.fakeTool(domain.StageTerrain, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		calls++
		return tools.Result{}, tools.ValidationError{Tool: inv.ToolName, Message: "latitude out of range"}
	})

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "analyze terrain here",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	var valErr tools.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("validation failures must not retry, got %d calls", calls)
	}
}

func TestRerunOverwritesResultAndLogsRerun(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "bluff", domain.StageTerrain)
	env.fakeTool(domain.StageTerrain, staticResult(`{"grid":"128x128"}`))

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "redo the terrain analysis",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID, Stage: "terrain"},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Success {
		t.Fatalf("re-running a complete stage is allowed")
	}
	fresh, _ := env.Engine.Store.Get(env.Ctx, p.ID)
	if fresh.TerrainResultJSON == nil || !strings.Contains(*fresh.TerrainResultJSON, "128x128") {
		t.Fatalf("rerun must overwrite the stored result")
	}
	evts, _ := env.Engine.Store.LatestEvents(env.Ctx, p.ID, 5)
	if len(evts) == 0 || evts[0].Type != "stage.rerun" {
		t.Fatalf("expected stage.rerun event, got %+v", evts)
	}
}

// A concurrent writer lands between the engine's read and its merge; the
// merge must detect the version conflict, re-read, and retry.
func TestMergeRetriesAfterConcurrentWrite(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "plateau", domain.StageTerrain)
	env.fakeTool(domain.StageLayout, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		// sneak in a competing write while the tool call is in flight
		rival, err := env.Engine.Store.Get(ctx, p.ID)
		if err != nil {
			return tools.Result{}, err
		}
		rival.Name = "plateau-renamed"
		if err := env.Engine.Store.Put(ctx, rival); err != nil {
			return tools.Result{}, err
		}
		return tools.Result{Data: json.RawMessage(`{"turbines":9}`)}, nil
	})

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "optimize the turbine layout",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	if err != nil {
		t.Fatalf("analyze should survive one conflict: %v", err)
	}
	fresh, _ := env.Engine.Store.Get(env.Ctx, p.ID)
	if fresh.Status(domain.StageLayout) != domain.StatusComplete {
		t.Fatalf("layout should be complete")
	}
	if fresh.Name != "plateau-renamed" {
		t.Fatalf("merge must build on the fresh record, not the stale one")
	}
	if fresh.Version != 3 {
		t.Fatalf("expected version 3 after rival write plus merge, got %d", fresh.Version)
	}
}

// With the retry budget at zero, a single lost race is terminal: the merge
// must give up with a conflict error and leave the rival's write standing.
func TestConflictRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Request.ConflictRetries = 0
	p := env.seedProject(t, "saddle", domain.StageTerrain)
	env.fakeTool(domain.StageLayout, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		rival, err := env.Engine.Store.Get(ctx, p.ID)
		if err != nil {
			return tools.Result{}, err
		}
		rival.Name = "saddle-renamed"
		if err := env.Engine.Store.Put(ctx, rival); err != nil {
			return tools.Result{}, err
		}
		return tools.Result{Data: json.RawMessage(`{"turbines":7}`)}, nil
	})

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "optimize the turbine layout",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	var conflict engine.PersistenceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PersistenceConflictError, got %v", err)
	}
	if conflict.ProjectID != p.ID {
		t.Fatalf("conflict error names the wrong project: %s", conflict.ProjectID)
	}
	if engine.Describe(err).Kind != "persistence_conflict" {
		t.Fatalf("expected persistence_conflict kind")
	}

	fresh, getErr := env.Engine.Store.Get(env.Ctx, p.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if fresh.Name != "saddle-renamed" || fresh.Version != 2 {
		t.Fatalf("the rival's write must stand: %+v", fresh)
	}
	if fresh.Status(domain.StageLayout) != domain.StatusNotStarted {
		t.Fatalf("failed merge must not land")
	}
	evts, _ := env.Engine.Store.LatestEvents(env.Ctx, p.ID, 5)
	if len(evts) != 0 {
		t.Fatalf("failed merge must not log events: %+v", evts)
	}
}

func TestPriorResultsFlowIntoToolInput(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "basin", domain.StageTerrain, domain.StageLayout)
	var gotInput map[string]any
	env.fakeTool(domain.StageSimulation, func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		gotInput = inv.Input
		return tools.Result{Data: json.RawMessage(`{"aep_gwh":410.5}`)}, nil
	})

	_, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "simulate the wake losses",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if gotInput["project_id"] != p.ID {
		t.Fatalf("tool input missing project id")
	}
	for _, key := range []string{"terrain_result", "layout_result"} {
		if _, ok := gotInput[key]; !ok {
			t.Fatalf("tool input missing %s: %v", key, gotInput)
		}
	}
	if _, ok := gotInput["simulation_result"]; ok {
		t.Fatalf("incomplete stages must not leak into tool input")
	}
}

func TestPipelineCompleteMessage(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, "summit", domain.StageTerrain, domain.StageLayout, domain.StageSimulation)
	env.fakeTool(domain.StageReport, staticResult(`{"report_url":"file:///tmp/report.pdf"}`))

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{
		Query:   "generate the final report",
		Owner:   "local-user",
		Context: engine.RequestContext{ProjectID: p.ID},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(res.Message, "complete") {
		t.Fatalf("finishing the last stage should announce completion: %q", res.Message)
	}
	if res.Artifacts[0].Type != "wind_farm_report" {
		t.Fatalf("unexpected artifact type %s", res.Artifacts[0].Type)
	}
}
