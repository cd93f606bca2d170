package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maretto/aegis/internal/agent"
	"github.com/maretto/aegis/internal/store"
	"github.com/maretto/aegis/pkg/schema"
)

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu     sync.Mutex
	execs  map[string]*store.ExecutionRecord
	cps    map[string]map[int]*store.StepCheckpoint
	events map[string][]*schema.RunEvent

	failCheckpoints bool
}

func newMemStore() *memStore {
	return &memStore{
		execs:  make(map[string]*store.ExecutionRecord),
		cps:    make(map[string]map[int]*store.StepCheckpoint),
		events: make(map[string][]*schema.RunEvent),
	}
}

func (m *memStore) CreateExecution(_ context.Context, rec *store.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[rec.RunID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", rec.RunID)
	}
	cp := *rec
	m.execs[rec.RunID] = &cp
	return nil
}

func (m *memStore) GetExecution(_ context.Context, runID string) (*store.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.execs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) UpdateExecution(_ context.Context, runID string, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.execs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.CurrentStep != nil {
		rec.CurrentStep = *u.CurrentStep
	}
	if u.CompletedSteps != nil {
		rec.CompletedSteps = *u.CompletedSteps
	}
	if u.Backend != nil {
		rec.Backend = *u.Backend
	}
	if u.Outputs != nil {
		rec.Outputs = u.Outputs
	}
	if u.Error != nil {
		rec.Error = *u.Error
	}
	if u.CompletedAt != nil {
		rec.CompletedAt = u.CompletedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*store.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ExecutionRecord
	for _, rec := range m.execs {
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != nil && rec.Status != *f.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp *store.StepCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCheckpoints {
		return schema.NewError(schema.ErrCodePersistence, "checkpoint write failed")
	}
	if m.cps[cp.RunID] == nil {
		m.cps[cp.RunID] = make(map[int]*store.StepCheckpoint)
	}
	c := *cp
	m.cps[cp.RunID][cp.StepIndex] = &c
	return nil
}

func (m *memStore) GetCheckpoints(_ context.Context, runID string) ([]*store.StepCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepCheckpoint
	for _, cp := range m.cps[runID] {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (m *memStore) GetResumePoint(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := -1
	for idx, cp := range m.cps[runID] {
		if cp.Status == schema.StepStatusCompleted && idx > max {
			max = idx
		}
	}
	return max + 1, nil
}

func (m *memStore) AppendEvent(_ context.Context, ev *schema.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *ev
	e.Sequence = int64(len(m.events[ev.RunID]) + 1)
	e.CreatedAt = time.Now().UTC()
	m.events[ev.RunID] = append(m.events[ev.RunID], &e)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.RunEvent
	for _, ev := range m.events[runID] {
		if ev.Sequence > since {
			e := *ev
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *memStore) CleanupOldRecords(_ context.Context, _ int) (*store.CleanupResult, error) {
	return &store.CleanupResult{}, nil
}
func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Vacuum(_ context.Context) error  { return nil }
func (m *memStore) Ping(_ context.Context) error    { return nil }
func (m *memStore) Close() error                    { return nil }

func (m *memStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events[runID] {
		out = append(out, ev.Type)
	}
	return out
}

// panicAdapter blows up on execution, exercising panic recovery.
type panicAdapter struct{ name string }

func (p panicAdapter) Name() string                         { return p.name }
func (p panicAdapter) Kind() string                         { return agent.KindMock }
func (p panicAdapter) Capabilities() []string               { return []string{"*"} }
func (p panicAdapter) Initialize(context.Context) error     { return nil }
func (p panicAdapter) Cleanup(context.Context) error        { return nil }
func (p panicAdapter) ExecuteStep(context.Context, agent.StepRequest) (*agent.StepOutput, error) {
	panic("adapter exploded")
}

func newTestEngine(t *testing.T, st store.Store, primary string, mutate func(*Options), adapters ...agent.Adapter) *Engine {
	t.Helper()
	reg := agent.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	opts := Options{
		Store:    st,
		Backends: reg,
		Primary:  primary,
		Retry:    fastRetry(2),
		Logger:   discardLogger(),
		Sleep:    noSleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func threeStepWorkflow(policy schema.FailurePolicy) *schema.Workflow {
	return &schema.Workflow{
		ID:            "pipeline",
		FailurePolicy: policy,
		Steps: []schema.Step{
			{ID: "fetch", Action: "fetch", OutputVar: "data"},
			{ID: "transform", Action: "transform", Inputs: map[string]any{
				"source": "${{ steps.fetch.output }}",
			}},
			{ID: "publish", Action: "publish"},
		},
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(agent.NewScripted("primary")))

	cases := []struct {
		name string
		opts Options
	}{
		{"nil store", Options{Backends: reg, Primary: "primary"}},
		{"nil backends", Options{Store: newMemStore(), Primary: "primary"}},
		{"empty backends", Options{Store: newMemStore(), Backends: agent.NewRegistry(), Primary: "primary"}},
		{"no primary", Options{Store: newMemStore(), Backends: reg}},
		{"unknown primary", Options{Store: newMemStore(), Backends: reg, Primary: "ghost"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			require.Error(t, err)
			var aerr *schema.Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, schema.ErrCodeEngineConfig, aerr.Code)
		})
	}
}

func TestExecute_HappyPath(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: map[string]any{"rows": float64(3)}})
	primary.Script("transform", agent.Outcome{Output: "transformed"})
	primary.Script("publish", agent.Outcome{Output: "published"})

	e := newTestEngine(t, st, "primary", nil, primary)
	result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.False(t, result.HadFailures)
	assert.Equal(t, "pipeline", result.WorkflowID)
	assert.Equal(t, "primary", result.BackendName)
	require.Len(t, result.StepResults, 3)
	for _, sr := range result.StepResults {
		assert.Equal(t, schema.StepStatusCompleted, sr.Status)
		assert.Equal(t, "primary", sr.SucceededBackend)
	}
	assert.Equal(t, map[string]any{"rows": float64(3)}, result.FinalOutput["data"])

	// The second step saw the first step's interpolated output.
	calls := primary.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, map[string]any{"rows": float64(3)}, calls[1].Inputs["source"])

	// Persisted record reached completed with all steps counted.
	rec, err := e.Status(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.CompletedSteps)
	assert.NotNil(t, rec.CompletedAt)

	cps, err := st.GetCheckpoints(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 3)

	types := st.eventTypes(result.RunID)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunFinished, types[len(types)-1])
	assert.Contains(t, types, schema.EventStepCompleted)
}

func TestExecute_ValidationFailurePersistsNothing(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, "primary", nil, agent.NewScripted("primary"))

	wf := threeStepWorkflow("")
	wf.Inputs = map[string]schema.InputSpec{"token": {Required: true}}

	result, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeValidation, aerr.Code)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Empty(t, st.execs)
	assert.Empty(t, st.events)
}

func TestExecute_UnknownBackendOverride(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, "primary", nil, agent.NewScripted("primary"))

	_, err := e.Execute(context.Background(), threeStepWorkflow(""), nil,
		ExecuteOptions{BackendOverride: "ghost"})
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeBackendUnavailable, aerr.Code)
	assert.Empty(t, st.execs)
}

func TestExecute_StopPolicyHaltsRun(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: "ok"})
	primary.Script("transform",
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "boom")},
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "boom")},
	)

	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
	}, primary)

	result, err := e.Execute(context.Background(), threeStepWorkflow(schema.FailurePolicyStop), nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "boom")
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, schema.StepStatusCompleted, result.StepResults[0].Status)
	assert.Equal(t, schema.StepStatusFailed, result.StepResults[1].Status)

	// Step three never ran, so it has no checkpoint.
	cps, err := st.GetCheckpoints(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 2)

	rec, err := e.Status(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, rec.Status)
}

func TestExecute_ContinuePolicyRunsAllSteps(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: "ok"})
	primary.Script("transform",
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "boom")},
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "boom")},
	)
	primary.Script("publish", agent.Outcome{Output: "published"})

	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
	}, primary)

	result, err := e.Execute(context.Background(), threeStepWorkflow(schema.FailurePolicyContinue), nil, ExecuteOptions{})
	require.NoError(t, err)

	// Under continue the run completes but flags the failures.
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.True(t, result.HadFailures)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, schema.StepStatusFailed, result.StepResults[1].Status)
	assert.Equal(t, schema.StepStatusCompleted, result.StepResults[2].Status)
}

func TestExecute_RollbackPolicyInvokesCompensator(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary").AlwaysFail("service unavailable")

	var compensated *schema.WorkflowResult
	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
		o.Compensator = compensatorFunc(func(_ context.Context, _ *schema.Workflow, r *schema.WorkflowResult) error {
			compensated = r
			return nil
		})
	}, primary)

	result, err := e.Execute(context.Background(), threeStepWorkflow(schema.FailurePolicyRollback), nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, compensated)
	assert.Equal(t, result.RunID, compensated.RunID)
}

func TestExecute_ConditionSkipsStep(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: map[string]any{"count": float64(1)}})

	wf := threeStepWorkflow("")
	wf.Steps[1].Conditions = []schema.Condition{
		{Left: "${{ steps.fetch.output.count }}", Operator: ">=", Right: "5"},
	}

	e := newTestEngine(t, st, "primary", nil, primary)
	result, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, schema.StepStatusSkipped, result.StepResults[1].Status)
	assert.NotEmpty(t, result.StepResults[1].SkipReason)

	// Skips leave no checkpoint and touch no breaker state.
	cps, err := st.GetCheckpoints(context.Background(), result.RunID)
	require.NoError(t, err)
	for _, cp := range cps {
		assert.NotEqual(t, 1, cp.StepIndex)
	}
	assert.Contains(t, st.eventTypes(result.RunID), schema.EventStepSkipped)
}

func TestExecute_FailoverMidRun(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: "ok"})
	primary.AlwaysFail("service unavailable")
	fallback := agent.NewScripted("fallback")
	fallback.Script("transform", agent.Outcome{Output: "t"})
	fallback.Script("publish", agent.Outcome{Output: "p"})

	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{
			Enabled:            true,
			Fallbacks:          []string{"fallback"},
			MaxFailovers:       3,
			HealthCheckTimeout: time.Second,
			RetryPrimaryAfter:  time.Hour,
		}
	}, primary, fallback)

	result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, result.Failovers)
	assert.Equal(t, "fallback", result.StepResults[1].SucceededBackend)
	assert.Equal(t, "fallback", result.StepResults[2].SucceededBackend)
	assert.Contains(t, st.eventTypes(result.RunID), schema.EventFailover)
}

func TestExecute_ResumeSkipsCompletedSteps(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: map[string]any{"rows": float64(7)}})
	primary.Script("transform",
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "flaky")},
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "flaky")},
	)

	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
	}, primary)

	wf := threeStepWorkflow(schema.FailurePolicyStop)
	first, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)

	// The backend recovers; resume picks up at the failed step.
	primary.Script("transform", agent.Outcome{Output: "t"})
	primary.Script("publish", agent.Outcome{Output: "p"})

	resumed, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{ResumeFrom: first.RunID})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Equal(t, first.RunID, resumed.RunID)
	require.Len(t, resumed.StepResults, 2, "completed steps are not re-reported")
	assert.Equal(t, "transform", resumed.StepResults[0].StepID)

	// fetch ran exactly once across both executions, and its output
	// was replayed into the resumed scope.
	fetchCalls := 0
	for _, c := range primary.Calls() {
		if c.StepID == "fetch" {
			fetchCalls++
		}
	}
	assert.Equal(t, 1, fetchCalls)
	assert.Equal(t, map[string]any{"rows": float64(7)}, resumed.FinalOutput["data"])

	assert.Contains(t, st.eventTypes(first.RunID), schema.EventRunResumed)
}

func TestExecute_ResumeUnknownRun(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, "primary", nil, agent.NewScripted("primary"))

	_, err := e.Execute(context.Background(), threeStepWorkflow(""), nil,
		ExecuteOptions{ResumeFrom: "run-nope"})
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeNotFound, aerr.Code)
}

func TestExecute_ResumeCompletedRunConflicts(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	e := newTestEngine(t, st, "primary", nil, primary)

	wf := threeStepWorkflow("")
	first, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, first.Status)

	_, err = e.Execute(context.Background(), wf, nil, ExecuteOptions{ResumeFrom: first.RunID})
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeConflict, aerr.Code)
}

func TestExecute_ResumeWrongWorkflowConflicts(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary").AlwaysFail("service unavailable")
	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
	}, primary)

	first, err := e.Execute(context.Background(), threeStepWorkflow(schema.FailurePolicyStop), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)

	other := threeStepWorkflow("")
	other.ID = "different-pipeline"
	_, err = e.Execute(context.Background(), other, nil, ExecuteOptions{ResumeFrom: first.RunID})
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeConflict, aerr.Code)
}

func TestExecute_CheckpointFailureIsFatal(t *testing.T) {
	st := newMemStore()
	st.failCheckpoints = true
	primary := agent.NewScripted("primary")

	e := newTestEngine(t, st, "primary", nil, primary)
	result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "checkpoint write failed")
	require.Len(t, result.StepResults, 1, "run stops at the first unpersistable step")
}

func TestExecute_PanicRecovered(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, "primary", nil, panicAdapter{name: "primary"})

	result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "panic")

	rec, err := e.Status(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, rec.Status)

	// The running slot was released despite the panic.
	assert.NoError(t, errIfRunning(e, result.RunID))
}

func errIfRunning(e *Engine, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[runID]; ok {
		return assert.AnError
	}
	return nil
}

func TestExecute_ContextCancellation(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: "ok", Delay: 50 * time.Millisecond})

	e := newTestEngine(t, st, "primary", nil, primary)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := e.Execute(ctx, threeStepWorkflow(schema.FailurePolicyContinue), nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	assert.Less(t, len(result.StepResults), 3)
}

func TestCancel_UnknownRun(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, "primary", nil, agent.NewScripted("primary"))

	err := e.Cancel("run-ghost")
	require.Error(t, err)
	var aerr *schema.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeNotFound, aerr.Code)
}

// gateAdapter reports the run id when its first step starts and blocks
// that step until released, so tests can act on a live run.
type gateAdapter struct {
	name    string
	started chan string
	release chan struct{}
}

func (g *gateAdapter) Name() string                     { return g.name }
func (g *gateAdapter) Kind() string                     { return agent.KindMock }
func (g *gateAdapter) Capabilities() []string           { return []string{"*"} }
func (g *gateAdapter) Initialize(context.Context) error { return nil }
func (g *gateAdapter) Cleanup(context.Context) error    { return nil }
func (g *gateAdapter) ExecuteStep(ctx context.Context, req agent.StepRequest) (*agent.StepOutput, error) {
	if req.StepIndex == 0 {
		g.started <- req.RunID
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agent.StepOutput{Output: "ok"}, nil
}

func TestCancel_CooperativeMidRun(t *testing.T) {
	st := newMemStore()
	gate := &gateAdapter{
		name:    "primary",
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, st, "primary", nil, gate)

	type outcome struct {
		result *schema.WorkflowResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
		done <- outcome{result, err}
	}()

	runID := <-gate.started
	require.NoError(t, e.Cancel(runID))
	close(gate.release)

	out := <-done
	require.NoError(t, out.err)
	result := out.result
	assert.Equal(t, schema.RunStatusCancelled, result.Status)

	// The in-flight step finished; nothing after the boundary ran.
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, "fetch", result.StepResults[0].StepID)
	assert.Equal(t, schema.StepStatusCompleted, result.StepResults[0].Status)

	rec, err := st.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, rec.Status)
}

func TestExecute_ResumePersistsTotalCompletedCount(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch", agent.Outcome{Output: "rows"})
	primary.Script("transform",
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "flaky")},
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "flaky")},
	)

	e := newTestEngine(t, st, "primary", func(o *Options) {
		o.Failover = schema.FailoverPolicy{Enabled: false}
	}, primary)

	wf := threeStepWorkflow(schema.FailurePolicyStop)
	first, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)

	rec, err := st.GetExecution(context.Background(), first.RunID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.CompletedSteps)

	primary.Script("transform", agent.Outcome{Output: "t"})
	primary.Script("publish", agent.Outcome{Output: "p"})

	resumed, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{ResumeFrom: first.RunID})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, resumed.Status)

	// The resumed session only executed two steps, but the record
	// counts progress across both sessions.
	rec, err = st.GetExecution(context.Background(), first.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.CompletedSteps)
	assert.Equal(t, 3, rec.TotalSteps)
}

func TestExecute_RetryAppearsInEventLog(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")
	primary.Script("fetch",
		agent.Outcome{Err: schema.NewError(schema.ErrCodeStepExecution, "transient")},
		agent.Outcome{Output: "rows"},
	)

	e := newTestEngine(t, st, "primary", nil, primary)

	result, err := e.Execute(context.Background(), threeStepWorkflow(""), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, result.Status)
	require.Equal(t, 1, result.StepResults[0].RetryCount)

	assert.Contains(t, st.eventTypes(result.RunID), schema.EventStepRetrying)
}

func TestExecute_InputDefaultsReachSteps(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")

	wf := &schema.Workflow{
		ID: "greeter",
		Inputs: map[string]schema.InputSpec{
			"name": {Default: "world"},
		},
		Steps: []schema.Step{
			{ID: "greet", Action: "say", Inputs: map[string]any{
				"text": "hello ${{ inputs.name }}",
			}},
		},
	}

	e := newTestEngine(t, st, "primary", nil, primary)
	result, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, result.Success())

	calls := primary.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello world", calls[0].Inputs["text"])
}

func TestExecute_InterpolationErrorFailsStep(t *testing.T) {
	st := newMemStore()
	primary := agent.NewScripted("primary")

	wf := &schema.Workflow{
		ID: "broken",
		Steps: []schema.Step{
			{ID: "first", Action: "noop"},
			{ID: "second", Action: "use", Inputs: map[string]any{
				"value": "${{ vars.never_set }}",
			}},
		},
		FailurePolicy: schema.FailurePolicyStop,
	}

	e := newTestEngine(t, st, "primary", nil, primary)
	result, err := e.Execute(context.Background(), wf, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, schema.StepStatusFailed, result.StepResults[1].Status)
	// The backend was never called for the unresolvable step.
	require.Len(t, primary.Calls(), 1)
}

// compensatorFunc adapts a function to the Compensator interface.
type compensatorFunc func(context.Context, *schema.Workflow, *schema.WorkflowResult) error

func (f compensatorFunc) Compensate(ctx context.Context, wf *schema.Workflow, r *schema.WorkflowResult) error {
	return f(ctx, wf, r)
}
