package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
	auditinmem "github.com/McKhanster/autoninja-sub001/runtime/audit/inmem"
	"github.com/McKhanster/autoninja-sub001/runtime/controller"
	"github.com/McKhanster/autoninja-sub001/runtime/model"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline/inmem"
	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
	rlinmem "github.com/McKhanster/autoninja-sub001/runtime/ratelimit/inmem"
)

// stubInteractor answers stage interactions from per-stage scripts.
type stubInteractor struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(ctx context.Context, in controller.Interaction, call int) (*controller.Result, error)
}

func (s *stubInteractor) Run(ctx context.Context, in controller.Interaction) (*controller.Result, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[in.Stage]++
	n := s.calls[in.Stage]
	s.mu.Unlock()
	if s.script != nil {
		return s.script(ctx, in, n)
	}
	return &controller.Result{Output: json.RawMessage(`{"is_valid":true}`)}, nil
}

func (s *stubInteractor) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

type emptyTrail struct{}

func (emptyTrail) Query(_ context.Context, f audit.Filter) (*audit.Trail, error) {
	return &audit.Trail{RunID: f.RunID}, nil
}

func newCoordinator(t *testing.T, ctrl pipeline.Interactor, mutate ...func(*pipeline.Options)) (*pipeline.Coordinator, *inmem.RunStore, *inmem.Recorder) {
	t.Helper()
	runs := inmem.NewRunStore()
	events := &inmem.Recorder{}
	opts := pipeline.Options{
		Controller: ctrl,
		Trail:      emptyTrail{},
		Runs:       runs,
		Events:     events,
		Gate:       pipeline.DefaultGate(0),
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := pipeline.New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, runs, events
}

func stageNames() []string {
	var names []string
	for _, s := range pipeline.DefaultStages() {
		names = append(names, s.Name)
	}
	return names
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := pipeline.New(pipeline.Options{Trail: emptyTrail{}, Runs: inmem.NewRunStore()})
	assert.Error(t, err)
	_, err = pipeline.New(pipeline.Options{
		Controller: &stubInteractor{},
		Trail:      emptyTrail{},
		Runs:       inmem.NewRunStore(),
		Stages:     []pipeline.Stage{{Name: "a"}, {Name: "a"}},
	})
	assert.ErrorContains(t, err, "duplicate stage")
	_, err = pipeline.New(pipeline.Options{
		Controller: &stubInteractor{},
		Trail:      emptyTrail{},
		Runs:       inmem.NewRunStore(),
		Stages:     []pipeline.Stage{{Name: "a", Schema: "{"}},
	})
	assert.Error(t, err)
}

func TestRunCompletesAllStages(t *testing.T) {
	stub := &stubInteractor{}
	c, _, events := newCoordinator(t, stub)

	st, err := c.Run(context.Background(), pipeline.Input{Request: "I want a friend agent", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, st.Status)
	assert.Equal(t, pipeline.StageDeployment, st.Stage)
	assert.Equal(t, 1, st.Attempt)
	for _, ss := range st.Stages {
		assert.Equal(t, pipeline.StatusSuccess, ss.Status, ss.Name)
		assert.Equal(t, 1, ss.Attempts, ss.Name)
	}
	for _, name := range stageNames() {
		assert.Equal(t, 1, stub.count(name), name)
	}

	evs := events.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, pipeline.EventRunStarted, evs[0].Type)
	assert.Equal(t, pipeline.EventRunFinished, evs[len(evs)-1].Type)
	assert.Equal(t, pipeline.StatusSuccess, evs[len(evs)-1].Status)
}

func TestStagesReceivePriorOutputs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]controller.Params{}
	)
	stub := &stubInteractor{script: func(_ context.Context, in controller.Interaction, _ int) (*controller.Result, error) {
		mu.Lock()
		seen[in.Stage] = in.Proposal.Actions[0].Params
		mu.Unlock()
		return &controller.Result{Output: json.RawMessage(`{"is_valid":true,"from":"` + in.Stage + `"}`)}, nil
	}}
	c, _, _ := newCoordinator(t, stub)

	_, err := c.Run(context.Background(), pipeline.Input{Request: "build a support bot", RunID: "run-1"})
	require.NoError(t, err)

	deploy := seen[pipeline.StageDeployment]
	assert.Equal(t, "build a support bot", deploy["request"])
	assert.Equal(t, "run-1", deploy["job_name"])
	for _, name := range stageNames()[:4] {
		assert.Contains(t, deploy, name)
	}
	assert.NotContains(t, seen[pipeline.StageRequirements], pipeline.StageCode)
}

func TestMalformedOutputIsRetriedUpToTheCap(t *testing.T) {
	stub := &stubInteractor{script: func(_ context.Context, in controller.Interaction, call int) (*controller.Result, error) {
		if in.Stage == pipeline.StageCode && call <= 2 {
			return nil, controller.ErrMalformedOutput
		}
		return &controller.Result{Output: json.RawMessage(`{"is_valid":true}`)}, nil
	}}
	c, _, _ := newCoordinator(t, stub)

	st, err := c.Run(context.Background(), pipeline.Input{Request: "chat assistant", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFatalError, st.Status)
	assert.Equal(t, pipeline.StageCode, st.Stage)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, 2, stub.count(pipeline.StageCode))
	assert.Zero(t, stub.count(pipeline.StageArchitecture))
	assert.Contains(t, st.Error, "malformed output")

	code, ok := st.StageByName(pipeline.StageCode)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusFatalError, code.Status)
	req, _ := st.StageByName(pipeline.StageRequirements)
	assert.Equal(t, pipeline.StatusSuccess, req.Status)
	for _, name := range stageNames()[2:] {
		ss, _ := st.StageByName(name)
		assert.Equal(t, pipeline.StatusSkipped, ss.Status, name)
	}
}

func TestRetrySucceedsWithinTheCap(t *testing.T) {
	stub := &stubInteractor{script: func(_ context.Context, in controller.Interaction, call int) (*controller.Result, error) {
		if in.Stage == pipeline.StageArchitecture && call == 1 {
			return nil, ratelimit.ErrDeadlineExceeded
		}
		assert.Equal(t, call, in.Attempt)
		return &controller.Result{Output: json.RawMessage(`{"is_valid":true}`)}, nil
	}}
	c, _, _ := newCoordinator(t, stub)

	st, err := c.Run(context.Background(), pipeline.Input{Request: "x", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, st.Status)
	arch, _ := st.StageByName(pipeline.StageArchitecture)
	assert.Equal(t, 2, arch.Attempts)
}

func TestNonRetryableFailureStopsImmediately(t *testing.T) {
	stub := &stubInteractor{script: func(_ context.Context, in controller.Interaction, _ int) (*controller.Result, error) {
		if in.Stage == pipeline.StageRequirements {
			return nil, &model.ProviderError{Provider: "fake", Kind: model.ProviderErrorKindAuth, HTTPStatus: 403}
		}
		return &controller.Result{}, nil
	}}
	c, _, _ := newCoordinator(t, stub, func(o *pipeline.Options) { o.MaxAttempts = 5 })

	st, err := c.Run(context.Background(), pipeline.Input{Request: "x", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFatalError, st.Status)
	assert.Equal(t, 1, stub.count(pipeline.StageRequirements))
	assert.Equal(t, 1, st.Attempt)
}

func TestGateErrorIsFatal(t *testing.T) {
	stub := &stubInteractor{}
	c, _, _ := newCoordinator(t, stub, func(o *pipeline.Options) {
		o.Gate = func(context.Context, json.RawMessage) (bool, string, error) { return false, "", errors.New("boom") }
	})
	st, err := c.Run(context.Background(), pipeline.Input{Request: "x", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFatalError, st.Status)
	assert.Zero(t, stub.count(pipeline.StageDeployment))
}

func TestStartRunAndCancel(t *testing.T) {
	started := make(chan struct{})
	stub := &stubInteractor{script: func(ctx context.Context, in controller.Interaction, _ int) (*controller.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, errors.Join(controller.ErrCancelled, ctx.Err())
	}}
	c, _, events := newCoordinator(t, stub)

	ctx, cancelRequest := context.WithCancel(context.Background())
	id, err := c.StartRun(ctx, pipeline.Input{Request: "I need a customer support agent"})
	require.NoError(t, err)
	assert.Regexp(t, `^run-customer-\d{8}-\d{6}$`, id)
	// The run outlives the request that started it.
	cancelRequest()

	<-started
	st, err := c.GetRunStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, st.Status)

	require.NoError(t, c.Cancel(context.Background(), id))
	require.Eventually(t, func() bool {
		st, err := c.GetRunStatus(context.Background(), id)
		return err == nil && st.Status == pipeline.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	st, err = c.GetRunStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRequirements, st.Stage)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, 1, stub.count(pipeline.StageRequirements))

	require.Eventually(t, func() bool {
		evs := events.Events()
		return len(evs) > 0 && evs[len(evs)-1].Type == pipeline.EventRunFinished
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelling a finished run is a no-op.
	assert.NoError(t, c.Cancel(context.Background(), id))
}

func TestRunIDs(t *testing.T) {
	c, _, _ := newCoordinator(t, &stubInteractor{})

	_, err := c.Run(context.Background(), pipeline.Input{Request: "x", RunID: "run-1"})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), pipeline.Input{Request: "x", RunID: "run-1"})
	assert.ErrorIs(t, err, pipeline.ErrRunExists)

	now := time.Date(2025, 10, 13, 14, 30, 22, 0, time.UTC)
	c2, _, _ := newCoordinator(t, &stubInteractor{}, func(o *pipeline.Options) { o.Now = func() time.Time { return now } })
	first, err := c2.Run(context.Background(), pipeline.Input{Request: "a friend bot"})
	require.NoError(t, err)
	assert.Equal(t, "run-friend-20251013-143022", first.RunID)
	second, err := c2.Run(context.Background(), pipeline.Input{Request: "a friend bot"})
	require.NoError(t, err)
	assert.Regexp(t, `^run-friend-20251013-143022-[0-9a-f]{8}$`, second.RunID)

	_, err = c2.Run(context.Background(), pipeline.Input{})
	assert.Error(t, err)
}

func TestUnknownRuns(t *testing.T) {
	c, _, _ := newCoordinator(t, &stubInteractor{})
	_, err := c.GetRunStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
	_, err = c.GetAuditTrail(context.Background(), "nope")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
	assert.ErrorIs(t, c.Cancel(context.Background(), "nope"), pipeline.ErrRunNotFound)
}

func TestCloseRejectsNewRuns(t *testing.T) {
	c, _, _ := newCoordinator(t, &stubInteractor{})
	c.Close()
	_, err := c.StartRun(context.Background(), pipeline.Input{Request: "x"})
	assert.ErrorIs(t, err, pipeline.ErrClosed)
}

// endToEnd wires the coordinator to a real controller, limiter and audit log
// over a scripted model.
type endToEnd struct {
	coord *pipeline.Coordinator
	audit *audit.Log
}

type verdictModel struct {
	mu    sync.Mutex
	calls []string
	text  string
}

func (m *verdictModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.System)
	m.mu.Unlock()
	return &model.Response{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: m.text}}}}}, nil
}

func newEndToEnd(t *testing.T, m model.Client) *endToEnd {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2025, 10, 13, 14, 30, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
		return ctx.Err()
	}
	lim, err := ratelimit.New(rlinmem.New(), ratelimit.Options{SkewMargin: -1, Jitter: -1, Now: clock, Sleep: sleep})
	require.NoError(t, err)
	log, err := audit.New(auditinmem.NewRecordStore(), auditinmem.NewArtifactStore(), audit.Options{Now: clock})
	require.NoError(t, err)
	ctrl, err := controller.New(controller.Options{Model: m, Limiter: lim, Audit: log, Now: clock})
	require.NoError(t, err)
	coord, err := pipeline.New(pipeline.Options{
		Controller: ctrl,
		Trail:      log,
		Runs:       inmem.NewRunStore(),
		Gate:       pipeline.DefaultGate(0),
		Now:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return &endToEnd{coord: coord, audit: log}
}

func TestEndToEndSuccess(t *testing.T) {
	m := &verdictModel{text: "```json\n{\"is_valid\": true, \"score\": 95}\n```"}
	e := newEndToEnd(t, m)

	st, err := e.coord.Run(context.Background(), pipeline.Input{Request: "friend agent", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, st.Status)
	assert.Len(t, m.calls, 5)

	trail, err := e.coord.GetAuditTrail(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trail.Records, 5)
	assert.Empty(t, trail.Incomplete)
	assert.Len(t, trail.Artifacts, 10)
	for i, rec := range trail.Records {
		assert.Equal(t, stageNames()[i], rec.Stage)
		assert.Equal(t, audit.StatusSuccess, rec.Status)
		assert.Len(t, rec.ArtifactRefs, 2)
	}
	dep, _ := st.StageByName(pipeline.StageDeployment)
	assert.Equal(t, []string{
		"run-1/deployment/deployment-manager/raw/deployment.json",
		"run-1/deployment/deployment-manager/converted/deployment.json",
	}, dep.Artifacts)
}

func TestEndToEndQualityGateBlocks(t *testing.T) {
	m := &verdictModel{text: `{"is_valid": false, "issues": ["no tests"]}`}
	e := newEndToEnd(t, m)

	st, err := e.coord.Run(context.Background(), pipeline.Input{Request: "friend agent", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusBlocked, st.Status)
	assert.Equal(t, pipeline.StageDeployment, st.Stage)
	assert.Contains(t, st.Error, "1 issue")
	assert.Len(t, m.calls, 4)

	trail, err := e.audit.Query(context.Background(), audit.Filter{RunID: "run-1", Stage: pipeline.StageDeployment})
	require.NoError(t, err)
	assert.Empty(t, trail.Records)
	dep, _ := st.StageByName(pipeline.StageDeployment)
	assert.Equal(t, pipeline.StatusSkipped, dep.Status)
}

func TestEndToEndMalformedOutputAttempts(t *testing.T) {
	m := &verdictModel{text: "I could not produce JSON this time."}
	e := newEndToEnd(t, m)

	st, err := e.coord.Run(context.Background(), pipeline.Input{Request: "friend agent", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFatalError, st.Status)
	assert.Equal(t, pipeline.StageRequirements, st.Stage)
	assert.Equal(t, 2, st.Attempt)
	assert.Len(t, m.calls, 2)

	trail, err := e.coord.GetAuditTrail(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trail.Records, 2)
	assert.Equal(t, 1, trail.Records[0].Attempt)
	assert.Equal(t, 2, trail.Records[1].Attempt)
	for _, rec := range trail.Records {
		assert.Equal(t, audit.StatusError, rec.Status)
	}
}

func TestInvalidRunIDsAreRejectedBeforeAnyWork(t *testing.T) {
	ctx := context.Background()
	stub := &stubInteractor{}
	c, runs, events := newCoordinator(t, stub)

	for _, id := range []string{"team/a", "a#b", "..", "run 1"} {
		_, err := c.Run(ctx, pipeline.Input{Request: "friend agent", RunID: id})
		assert.ErrorIs(t, err, pipeline.ErrInvalidRunID, id)
		_, err = c.StartRun(ctx, pipeline.Input{Request: "friend agent", RunID: id})
		assert.ErrorIs(t, err, pipeline.ErrInvalidRunID, id)
		_, err = runs.Load(ctx, id)
		assert.ErrorIs(t, err, pipeline.ErrRunNotFound, id)
	}
	for _, name := range stageNames() {
		assert.Zero(t, stub.count(name), name)
	}
	assert.Empty(t, events.Events())
}

// slowLoadStore blocks loads of one run id until released.
type slowLoadStore struct {
	*inmem.RunStore
	id      string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowLoadStore) Load(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if runID == s.id {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.RunStore.Load(ctx, runID)
}

func TestSlowRunStoreDoesNotSerializeRuns(t *testing.T) {
	ctx := context.Background()
	store := &slowLoadStore{
		RunStore: inmem.NewRunStore(),
		id:       "run-slow",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	c, _, _ := newCoordinator(t, &stubInteractor{}, func(o *pipeline.Options) { o.Runs = store })
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(store.release) }) }
	t.Cleanup(unblock)

	done := make(chan *pipeline.RunStatus, 1)
	go func() {
		st, err := c.Run(ctx, pipeline.Input{Request: "friend agent", RunID: "run-slow"})
		assert.NoError(t, err)
		done <- st
	}()
	<-store.entered

	// The id is reserved while its store lookup is in flight.
	_, err := c.StartRun(ctx, pipeline.Input{Request: "friend agent", RunID: "run-slow"})
	assert.ErrorIs(t, err, pipeline.ErrRunExists)

	st, err := c.Run(ctx, pipeline.Input{Request: "friend agent", RunID: "run-fast"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, st.Status)
	assert.NoError(t, c.Cancel(ctx, "run-fast"))

	unblock()
	select {
	case st := <-done:
		require.NotNil(t, st)
		assert.Equal(t, pipeline.StatusSuccess, st.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("slow run did not finish")
	}
}

func TestStageEnvelope(t *testing.T) {
	var (
		mu  sync.Mutex
		got []controller.Proposal
	)
	stub := &stubInteractor{script: func(_ context.Context, in controller.Interaction, _ int) (*controller.Result, error) {
		if in.Stage == pipeline.StageCode {
			mu.Lock()
			got = append(got, in.Proposal)
			mu.Unlock()
		}
		return &controller.Result{Output: json.RawMessage(`{"is_valid":true}`)}, nil
	}}
	stages := pipeline.DefaultStages()
	stages[1].Envelope = `{"actions":[
		{"action":"generate","correlation_id":"c-1","parameters":[{"name":"language","value":"go"},{"name":"request","value":"override"}]},
		{"action":"test"}
	]}`
	c, _, _ := newCoordinator(t, stub, func(o *pipeline.Options) { o.Stages = stages })

	st, err := c.Run(context.Background(), pipeline.Input{Request: "friend agent", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, st.Status)

	require.Len(t, got, 1)
	actions := got[0].Actions
	require.Len(t, actions, 2)
	assert.Equal(t, "generate", actions[0].Name)
	assert.Equal(t, "go", actions[0].Params["language"])
	assert.Equal(t, "override", actions[0].Params["request"])
	assert.Equal(t, "run-1", actions[0].Params["job_name"])
	assert.Contains(t, actions[0].Params, pipeline.StageRequirements)
	assert.Empty(t, actions[0].CorrelationID)
	assert.Equal(t, "test", actions[1].Name)
	assert.Equal(t, "friend agent", actions[1].Params["request"])

	_, err = pipeline.New(pipeline.Options{
		Controller: &stubInteractor{},
		Trail:      emptyTrail{},
		Runs:       inmem.NewRunStore(),
		Stages:     []pipeline.Stage{{Name: "a", Envelope: `{"actions":[]}`}},
	})
	assert.ErrorIs(t, err, controller.ErrMalformedOutput)
}

func TestStatusTerminal(t *testing.T) {
	for s, want := range map[pipeline.Status]bool{
		pipeline.StatusPending:    false,
		pipeline.StatusRunning:    false,
		pipeline.StatusSkipped:    false,
		pipeline.StatusSuccess:    true,
		pipeline.StatusFatalError: true,
		pipeline.StatusBlocked:    true,
		pipeline.StatusCancelled:  true,
	} {
		assert.Equal(t, want, s.Terminal(), s)
	}
}
