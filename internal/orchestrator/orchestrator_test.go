package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/evaluator"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/executor"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/memory"
	"github.com/fyrsmithlabs/orbit/internal/oracle"
	"github.com/fyrsmithlabs/orbit/internal/planner"
	"github.com/fyrsmithlabs/orbit/internal/task"
	"github.com/fyrsmithlabs/orbit/internal/telemetry"
)

type fakeOracle struct {
	intent       task.Intent
	classifyErr  error
	answer       string
	answerErr    error
	summarizeErr error

	mu        sync.Mutex
	memories  []string
	summaries []oracle.ReplyInput
}

func (f *fakeOracle) ClassifyIntent(context.Context, []task.Turn) (task.Intent, error) {
	return f.intent, f.classifyErr
}

func (f *fakeOracle) Answer(_ context.Context, _ []task.Turn, memories []string) (string, error) {
	f.mu.Lock()
	f.memories = memories
	f.mu.Unlock()
	return f.answer, f.answerErr
}

func (f *fakeOracle) Summarize(_ context.Context, in oracle.ReplyInput) (string, error) {
	f.mu.Lock()
	f.summaries = append(f.summaries, in)
	f.mu.Unlock()
	if f.summarizeErr != nil {
		return "", f.summarizeErr
	}
	return "Summary. " + in.Notice, nil
}

type fakePlanner struct {
	plan  planner.Plan
	err   error
	calls atomic.Int32
}

func (f *fakePlanner) BuildPlan(context.Context, []task.Turn) (planner.Plan, error) {
	f.calls.Add(1)
	return f.plan, f.err
}

func (f *fakePlanner) BuildCommandPlan(ctx context.Context, c []task.Turn) (planner.Plan, error) {
	return f.BuildPlan(ctx, c)
}

type tableClassifier map[string]task.RiskTier

func (c tableClassifier) Classify(_ context.Context, action string, _ map[string]any) task.RiskTier {
	return c[action]
}

// countingExecutor counts Execute calls on the real executor.
type countingExecutor struct {
	*executor.Executor
	calls atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, t *task.Task, batch []task.Step) executor.Result {
	c.calls.Add(1)
	return c.Executor.Execute(ctx, t, batch)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		if e.Type != events.StepStarted && e.Type != events.StepFinished {
			out = append(out, e.Type)
		}
	}
	return out
}

type fakeMemory struct {
	mu      sync.Mutex
	records []memory.Record
}

func (m *fakeMemory) Remember(_ context.Context, r memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *fakeMemory) Recall(_ context.Context, userID, _ string, k int) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Record
	for _, r := range m.records {
		if r.UserID == userID && len(out) < k {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *fakeMemory) Close() error { return nil }

// harness wires an orchestrator around the real executor and evaluator.
type harness struct {
	orc     *Orchestrator
	oracle  *fakeOracle
	planner *fakePlanner
	exec    *countingExecutor
	store   checkpoint.Store
	sink    *recordingSink
	delays  []time.Duration
}

type harnessOpts struct {
	caps        []capability.Capability
	tiers       tableClassifier
	policy      evaluator.Policy
	cfg         Config
	store       checkpoint.Store
	extra       []Option
	stepTimeout time.Duration
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	reg, err := capability.NewRegistry(o.caps...)
	require.NoError(t, err)
	if o.tiers == nil {
		o.tiers = tableClassifier{}
	}
	if o.store == nil {
		o.store = checkpoint.NewMemoryStore()
	}
	h := &harness{
		oracle:  &fakeOracle{intent: task.IntentWorkflow, answer: "42"},
		planner: &fakePlanner{},
		exec:    &countingExecutor{Executor: executor.New(reg, o.tiers, executor.Config{StepTimeout: o.stepTimeout})},
		store:   o.store,
		sink:    &recordingSink{},
	}
	var mu sync.Mutex
	opts := append([]Option{
		WithSink(h.sink),
		WithSleep(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			h.delays = append(h.delays, d)
			mu.Unlock()
			return nil
		}),
	}, o.extra...)
	h.orc = New(h.store, h.oracle, h.planner, h.exec, evaluator.New(o.policy), o.cfg, opts...)
	return h
}

func ok(name string, tier task.RiskTier, calls *atomic.Int32) capability.Capability {
	return capability.Func{
		Desc: capability.Descriptor{Name: name, Tier: tier},
		Fn: func(context.Context, map[string]any) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			return name + " ok", nil
		},
	}
}

func failing(name string, failures int, calls *atomic.Int32) capability.Capability {
	return capability.Func{
		Desc: capability.Descriptor{Name: name},
		Fn: func(context.Context, map[string]any) (string, error) {
			n := calls.Add(1)
			if failures < 0 || int(n) <= failures {
				return "", errors.New("connection refused")
			}
			return "recovered", nil
		},
	}
}

func advance(t *testing.T, h *harness, msg string) *Reply {
	t.Helper()
	r, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: msg})
	require.NoError(t, err)
	return r
}

func load(t *testing.T, h *harness) *task.Task {
	t.Helper()
	snap, err := h.store.Load(context.Background(), "t1")
	require.NoError(t, err)
	return snap.Task
}

func TestAdvance_QuestionNeedsNoTools(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.intent = task.IntentQuestion

	r := advance(t, h, "what is the answer?")
	assert.Equal(t, "42", r.Text)
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.False(t, r.AwaitingConfirmation)

	tk := load(t, h)
	assert.Empty(t, tk.Outcomes)
	assert.Zero(t, h.exec.calls.Load())
	assert.Zero(t, h.planner.calls.Load())
	require.Len(t, tk.Conversation, 2)
	assert.Equal(t, task.RoleAssistant, tk.Conversation[1].Role)
	assert.Equal(t, []events.Type{events.IntentClassified, events.Finished}, h.sink.types())
}

func TestAdvance_UnknownIntentRoutesToResponder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.intent = task.IntentUnknown

	r := advance(t, h, "hmm")
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Zero(t, h.planner.calls.Load())
}

func TestAdvance_IndependentStepsRunInOneIteration(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{caps: []capability.Capability{ok("file_list", task.RiskLow, &calls)}})
	h.planner.plan = planner.Plan{Goal: "list three dirs", Steps: []task.Step{
		{ID: "1", Action: "file_list"}, {ID: "2", Action: "file_list"}, {ID: "3", Action: "file_list"},
	}}

	r := advance(t, h, "list a, b and c")
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Equal(t, task.ErrorNone, r.Failure)

	tk := load(t, h)
	assert.Equal(t, 3, tk.Cursor)
	assert.Equal(t, 1, tk.IterationCount)
	assert.Len(t, tk.Outcomes, 3)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t,
		[]events.Type{events.IntentClassified, events.PlanBuilt, events.Finished},
		h.sink.types())
}

func TestAdvance_DependentStepsRunInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	rec := func(name string) capability.Capability {
		return capability.Func{
			Desc: capability.Descriptor{Name: name},
			Fn: func(context.Context, map[string]any) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return "", nil
			},
		}
	}
	h := newHarness(t, harnessOpts{caps: []capability.Capability{rec("git_status"), rec("git_log")}})
	h.planner.plan = planner.Plan{Steps: []task.Step{
		{ID: "1", Action: "git_status"},
		{ID: "2", Action: "git_log", DependsOn: []string{"1"}},
	}}

	advance(t, h, "status then log")
	assert.Equal(t, []string{"git_status", "git_log"}, order)
	assert.Equal(t, 2, load(t, h).IterationCount)
}

func TestAdvance_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		caps:   []capability.Capability{failing("shell_exec", 2, &calls)},
		policy: evaluator.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "shell_exec"}}}

	r := advance(t, h, "ping the host")
	assert.Equal(t, task.ErrorNone, r.Failure)

	tk := load(t, h)
	require.Len(t, tk.Outcomes, 3)
	assert.False(t, tk.Outcomes[0].Success)
	assert.False(t, tk.Outcomes[1].Success)
	assert.True(t, tk.Outcomes[2].Success)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.delays)
}

func TestAdvance_StopsAtMaxIterations(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		caps:   []capability.Capability{failing("shell_exec", -1, &calls)},
		policy: evaluator.Policy{MaxIterations: 12, MaxAttempts: 16},
	})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "shell_exec"}}}

	r := advance(t, h, "keep trying")
	assert.Equal(t, task.ErrorMaxIterationsExceeded, r.Failure)
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Contains(t, r.Text, "Stopped for safety after 12 iterations")
	assert.Equal(t, int32(12), h.exec.calls.Load())
	assert.Equal(t, 12, load(t, h).IterationCount)
}

func TestAdvance_CriticalStepDeclined(t *testing.T) {
	var deletes, pushes atomic.Int32
	h := newHarness(t, harnessOpts{
		caps: []capability.Capability{
			ok("file_delete", task.RiskHigh, &deletes),
			ok("git_push", task.RiskMedium, &pushes),
		},
		tiers: tableClassifier{"file_delete": task.RiskCritical},
	})
	h.planner.plan = planner.Plan{Goal: "clean up and push", Steps: []task.Step{
		{ID: "1", Action: "file_delete", Description: "delete logs"},
		{ID: "2", Action: "git_push", DependsOn: []string{"1"}},
	}}

	r := advance(t, h, "delete the logs and push")
	require.True(t, r.AwaitingConfirmation)
	assert.Equal(t, task.PhaseAwaitingConfirmation, r.Phase)
	assert.Contains(t, r.ConfirmationPrompt, "delete logs")
	assert.Contains(t, r.ConfirmationPrompt, "critical")

	tk := load(t, h)
	require.NotNil(t, tk.Pending)
	assert.Equal(t, task.ReasonUnsafeAction, tk.Pending.Reason)
	assert.Equal(t, []string{"1"}, tk.Pending.StepIDs)
	assert.Empty(t, tk.Outcomes)

	r = advance(t, h, "No.")
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Equal(t, task.ErrorAborted, r.Failure)
	assert.Contains(t, r.Text, "aborted")
	assert.Zero(t, deletes.Load())
	assert.Zero(t, pushes.Load())
	assert.Nil(t, load(t, h).Pending)
}

func TestAdvance_ApprovedStepRuns(t *testing.T) {
	var deletes, pushes atomic.Int32
	h := newHarness(t, harnessOpts{
		caps: []capability.Capability{
			ok("file_delete", task.RiskHigh, &deletes),
			ok("git_push", task.RiskHigh, &pushes),
		},
	})
	h.planner.plan = planner.Plan{Steps: []task.Step{
		{ID: "1", Action: "file_delete"},
		{ID: "2", Action: "git_push", DependsOn: []string{"1"}},
	}}

	require.True(t, advance(t, h, "delete and push").AwaitingConfirmation)
	r := advance(t, h, "yes")
	require.True(t, r.AwaitingConfirmation, "push is gated separately")
	assert.Equal(t, []string{"2"}, load(t, h).Pending.StepIDs)
	assert.Equal(t, int32(1), deletes.Load())

	r = advance(t, h, "go ahead")
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, 2, load(t, h).Cursor)
}

func TestAdvance_LowSiblingRunsBeforeConfirmation(t *testing.T) {
	for _, answer := range []string{"yes", "no"} {
		t.Run(answer, func(t *testing.T) {
			var lists, deletes atomic.Int32
			h := newHarness(t, harnessOpts{
				caps: []capability.Capability{
					ok("file_list", task.RiskLow, &lists),
					ok("file_delete", task.RiskMedium, &deletes),
				},
				tiers: tableClassifier{"file_delete": task.RiskCritical},
			})
			h.planner.plan = planner.Plan{Steps: []task.Step{
				{ID: "1", Action: "file_list"},
				{ID: "2", Action: "file_delete", Description: "delete build dir"},
			}}

			r := advance(t, h, "list and clean")
			require.True(t, r.AwaitingConfirmation)
			assert.Contains(t, r.ConfirmationPrompt, "delete build dir")
			assert.NotContains(t, r.ConfirmationPrompt, "file_list")
			assert.Equal(t, int32(1), lists.Load())
			assert.Zero(t, deletes.Load())

			tk := load(t, h)
			assert.Equal(t, []string{"2"}, tk.Pending.StepIDs)
			require.Len(t, tk.Outcomes, 1)
			assert.Equal(t, "1", tk.Outcomes[0].StepID)
			assert.Equal(t, 1, tk.Cursor)
			assert.Equal(t, 1, tk.IterationCount)

			r = advance(t, h, answer)
			assert.Equal(t, task.PhaseDone, r.Phase)
			assert.Equal(t, int32(1), lists.Load(), "completed sibling is not rerun")
			tk = load(t, h)
			if answer == "yes" {
				assert.Equal(t, task.ErrorNone, r.Failure)
				assert.Equal(t, int32(1), deletes.Load())
				assert.Equal(t, 2, tk.Cursor)
				assert.Equal(t, 2, tk.IterationCount)
				return
			}
			assert.Equal(t, task.ErrorAborted, r.Failure)
			assert.Zero(t, deletes.Load())
			assert.Len(t, tk.Outcomes, 1)
		})
	}
}

func TestAdvance_UnclearAnswerReasks(t *testing.T) {
	var deletes atomic.Int32
	h := newHarness(t, harnessOpts{caps: []capability.Capability{ok("file_delete", task.RiskHigh, &deletes)}})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "file_delete"}}}

	first := advance(t, h, "delete it")
	before := load(t, h)

	r := advance(t, h, "what would that do?")
	assert.True(t, r.AwaitingConfirmation)
	assert.True(t, strings.HasPrefix(r.Text, "Please answer yes or no."))
	assert.Equal(t, first.ConfirmationPrompt, r.ConfirmationPrompt)

	after := load(t, h)
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.Pending.StepIDs, after.Pending.StepIDs)
	assert.Empty(t, after.Approved)
	assert.Len(t, after.Conversation, len(before.Conversation)+1)
	assert.Zero(t, deletes.Load())
}

func TestAdvance_EscalationYesResetsBudget(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{caps: []capability.Capability{failing("shell_exec", 3, &calls)}})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "shell_exec"}}}

	r := advance(t, h, "deploy")
	require.True(t, r.AwaitingConfirmation)
	assert.Contains(t, r.Text, "connection refused")
	tk := load(t, h)
	assert.Equal(t, task.ReasonRetryExhausted, tk.Pending.Reason)
	assert.Equal(t, 3, tk.Attempts["1"])

	r = advance(t, h, "yes")
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Equal(t, task.ErrorNone, r.Failure)
	assert.Len(t, load(t, h).Outcomes, 4)
}

func TestAdvance_PlanningFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want task.ErrorKind
	}{
		{"no plan", planner.ErrNoPlan, task.ErrorNoPlan},
		{"invalid plan", planner.ErrInvalidPlan, task.ErrorInvalidPlan},
		{"oracle down", errors.New("dial tcp: refused"), task.ErrorOracleUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.planner.err = tc.err
			r := advance(t, h, "do a thing")
			assert.Equal(t, tc.want, r.Failure)
			assert.Equal(t, task.PhaseDone, r.Phase)
			assert.NotEmpty(t, r.Text)
			assert.Zero(t, h.exec.calls.Load())
		})
	}
}

func TestAdvance_OracleDownFallsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.classifyErr = oracle.ErrUnavailable

	r := advance(t, h, "hello")
	assert.Equal(t, task.ErrorOracleUnavailable, r.Failure)
	assert.Contains(t, r.Text, "could not reach the language model")
	assert.Empty(t, h.oracle.summaries, "responder does not call a failed oracle")
}

func TestAdvance_SummaryFailureUsesFallback(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{caps: []capability.Capability{ok("file_list", task.RiskLow, &calls)}})
	h.oracle.summarizeErr = errors.New("rate limited")
	h.planner.plan = planner.Plan{Goal: "look around", Steps: []task.Step{{ID: "1", Action: "file_list", Description: "list files"}}}

	r := advance(t, h, "look around")
	assert.Contains(t, r.Text, "Goal: look around")
	assert.Contains(t, r.Text, "list files: done (file_list ok)")
}

func TestAdvance_ConcurrentCallIsBusy(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	slow := capability.Func{
		Desc: capability.Descriptor{Name: "slow"},
		Fn: func(context.Context, map[string]any) (string, error) {
			close(started)
			<-unblock
			return "", nil
		},
	}
	h := newHarness(t, harnessOpts{caps: []capability.Capability{slow}})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "slow"}}}

	done := make(chan error, 1)
	go func() {
		_, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: "go"})
		done <- err
	}()
	<-started

	_, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: "again"})
	assert.ErrorIs(t, err, ErrTaskBusy)

	other, err := h.orc.locks.acquire(context.Background(), "t2", false)
	require.NoError(t, err, "other tasks are not blocked")
	other()

	close(unblock)
	require.NoError(t, <-done)
	assert.Zero(t, h.orc.locks.held())
}

func TestAdvance_QueuedCallWaits(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	slow := capability.Func{
		Desc: capability.Descriptor{Name: "slow"},
		Fn: func(context.Context, map[string]any) (string, error) {
			once.Do(func() { close(started) })
			<-unblock
			return "", nil
		},
	}
	h := newHarness(t, harnessOpts{caps: []capability.Capability{slow}, cfg: Config{QueueConcurrent: true}})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "slow"}}}

	first := make(chan *Reply, 1)
	go func() {
		r, _ := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", Message: "go"})
		first <- r
	}()
	<-started

	second := make(chan *Reply, 1)
	go func() {
		r, _ := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", Message: "again"})
		second <- r
	}()

	close(unblock)
	r1 := <-first
	r2 := <-second
	require.NotNil(t, r1)
	require.NotNil(t, r2)
	assert.Equal(t, r1.Generation+1, r2.Generation)
}

func TestAdvance_QueuedCallHonoursContext(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{QueueConcurrent: true}})
	release, err := h.orc.locks.acquire(context.Background(), "t1", false)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.orc.Advance(ctx, AdvanceRequest{TaskID: "t1", Message: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdvance_ResumeWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	r, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "gone", Message: "yes", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, SessionExpiredText, r.Text)
	assert.Equal(t, task.ErrorCheckpointNotFound, r.Failure)

	_, err = h.store.Load(context.Background(), "gone")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "expired resume creates nothing")
}

// corruptStore fails every Load as corrupt.
type corruptStore struct{ checkpoint.Store }

func (corruptStore) Load(context.Context, string) (checkpoint.Snapshot, error) {
	return checkpoint.Snapshot{}, checkpoint.ErrCorrupt
}

// revisionStore stamps loads with a fixed revision and records saves.
type revisionStore struct {
	checkpoint.Store
	saved []uint64
}

func (s *revisionStore) Load(ctx context.Context, id string) (checkpoint.Snapshot, error) {
	snap, err := s.Store.Load(ctx, id)
	snap.Revision = 7
	return snap, err
}

func (s *revisionStore) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	s.saved = append(s.saved, snap.Revision)
	if snap.Revision == 7 {
		return fmt.Errorf("save: %w", checkpoint.ErrConflict)
	}
	return s.Store.Save(ctx, snap)
}

func TestAdvance_SavesOverLoadedRevision(t *testing.T) {
	store := &revisionStore{Store: checkpoint.NewMemoryStore()}
	h := newHarness(t, harnessOpts{store: store})
	h.oracle.intent = task.IntentQuestion

	advance(t, h, "first")
	_, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: "second"})
	assert.ErrorIs(t, err, checkpoint.ErrConflict)
	assert.Equal(t, []uint64{0, 7}, store.saved)
}

func TestAdvance_CorruptCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{store: corruptStore{checkpoint.NewMemoryStore()}})
	r, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", Message: "yes"})
	require.NoError(t, err)
	assert.Equal(t, SessionExpiredText, r.Text)
	assert.Equal(t, task.ErrorCheckpointCorrupt, r.Failure)
}

func TestAdvance_DoneTaskStartsNewGeneration(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.intent = task.IntentQuestion

	r1 := advance(t, h, "first")
	r2 := advance(t, h, "second")
	assert.Equal(t, r1.Generation+1, r2.Generation)

	tk := load(t, h)
	assert.Equal(t, r2.Generation, tk.Generation)
	assert.Equal(t, "second", tk.Conversation[0].Text)
}

func TestAdvance_UserMismatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.intent = task.IntentQuestion
	advance(t, h, "mine")

	_, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "mallory", Message: "hi"})
	assert.ErrorIs(t, err, ErrUserMismatch)
}

func TestAdvance_InvalidRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: " ", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdvance_ResumesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orbit.db")
	var deletes atomic.Int32
	caps := []capability.Capability{ok("file_delete", task.RiskHigh, &deletes)}
	plan := planner.Plan{Steps: []task.Step{{ID: "1", Action: "file_delete"}}}

	store1, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	h1 := newHarness(t, harnessOpts{caps: caps, store: store1})
	h1.planner.plan = plan
	require.True(t, advance(t, h1, "delete tmp").AwaitingConfirmation)
	require.NoError(t, store1.Close())

	store2, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()
	h2 := newHarness(t, harnessOpts{caps: caps, store: store2})

	r, err := h2.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: "yes", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, task.PhaseDone, r.Phase)
	assert.Equal(t, int32(1), deletes.Load())
	assert.Zero(t, h2.planner.calls.Load(), "plan comes from the checkpoint")
}

func TestAdvance_ResumeMatchesUninterruptedRun(t *testing.T) {
	caps := func() []capability.Capability {
		return []capability.Capability{
			ok("file_list", task.RiskLow, nil),
			ok("file_delete", task.RiskHigh, nil),
		}
	}
	plan := planner.Plan{Goal: "tidy tmp", Steps: []task.Step{
		{ID: "1", Action: "file_list", Description: "list tmp"},
		{ID: "2", Action: "file_delete", Description: "delete tmp", DependsOn: []string{"1"}},
		{ID: "3", Action: "file_list", Description: "list tmp again", DependsOn: []string{"2"}},
	}}
	resume := func(t *testing.T, h *harness) *Reply {
		t.Helper()
		r, err := h.orc.Advance(context.Background(), AdvanceRequest{TaskID: "t1", UserID: "alice", Message: "yes", Resume: true})
		require.NoError(t, err)
		return r
	}
	stepIDs := func(tk *task.Task) []string {
		var ids []string
		for _, o := range tk.Outcomes {
			ids = append(ids, o.StepID)
		}
		return ids
	}

	// One process, one store.
	straight := newHarness(t, harnessOpts{caps: caps()})
	straight.planner.plan = plan
	require.True(t, advance(t, straight, "tidy tmp").AwaitingConfirmation)
	want := resume(t, straight)
	wantTask := load(t, straight)

	// Suspend, close the store, resume in a new process.
	path := filepath.Join(t.TempDir(), "orbit.db")
	store1, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	first := newHarness(t, harnessOpts{caps: caps(), store: store1})
	first.planner.plan = plan
	require.True(t, advance(t, first, "tidy tmp").AwaitingConfirmation)
	require.NoError(t, store1.Close())

	store2, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()
	second := newHarness(t, harnessOpts{caps: caps(), store: store2})
	got := resume(t, second)
	gotTask := load(t, second)

	assert.Equal(t, task.PhaseDone, got.Phase)
	assert.Equal(t, want.Text, got.Text)
	assert.Equal(t, want.Failure, got.Failure)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, stepIDs(wantTask), stepIDs(gotTask))
	assert.Equal(t, []string{"1", "2", "3"}, stepIDs(gotTask))
	assert.Equal(t, wantTask.Cursor, gotTask.Cursor)
	assert.Equal(t, wantTask.IterationCount, gotTask.IterationCount)
	assert.Equal(t, wantTask.Reply, gotTask.Reply)

	// The responder saw the same conversation and outcomes.
	require.Len(t, straight.oracle.summaries, 1)
	require.Len(t, second.oracle.summaries, 1)
	wantIn, gotIn := straight.oracle.summaries[0], second.oracle.summaries[0]
	assert.Equal(t, turnTexts(wantIn.Conversation), turnTexts(gotIn.Conversation))
	assert.Equal(t, len(wantIn.Outcomes), len(gotIn.Outcomes))
	for i := range wantIn.Outcomes {
		assert.Equal(t, wantIn.Outcomes[i].StepID, gotIn.Outcomes[i].StepID)
		assert.Equal(t, wantIn.Outcomes[i].Output, gotIn.Outcomes[i].Output)
	}
}

func turnTexts(turns []task.Turn) []string {
	out := make([]string, len(turns))
	for i, tr := range turns {
		out[i] = string(tr.Role) + ": " + tr.Text
	}
	return out
}

func TestAdvance_CancelledRunKeepsProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, harnessOpts{
		extra: []Option{WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		})},
	})
	var calls atomic.Int32
	reg, err := capability.NewRegistry(failing("shell_exec", 1, &calls))
	require.NoError(t, err)
	h.exec.Executor = executor.New(reg, tableClassifier{}, executor.Config{})
	h.planner.plan = planner.Plan{Steps: []task.Step{{ID: "1", Action: "shell_exec"}}}

	_, err = h.orc.Advance(ctx, AdvanceRequest{TaskID: "t1", Message: "try"})
	require.ErrorIs(t, err, context.Canceled)

	tk := load(t, h)
	assert.Equal(t, task.PhaseEvaluating, tk.Phase)
	assert.Len(t, tk.Outcomes, 1)
}

func TestAdvance_MemoryRecallAndWriteBack(t *testing.T) {
	mem := &fakeMemory{records: []memory.Record{{UserID: "alice", Text: "Q: favourite port\nA: 9191"}}}
	h := newHarness(t, harnessOpts{extra: []Option{WithMemory(mem)}})
	h.oracle.intent = task.IntentQuestion

	advance(t, h, "which port do I like?")
	assert.Len(t, h.oracle.memories, 1)
	require.Len(t, mem.records, 2)
	assert.Equal(t, "t1", mem.records[1].TaskID)
	assert.Contains(t, mem.records[1].Text, "which port do I like?")
}

func TestAdvance_SpansAndLogs(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	logs := logging.NewTestLogger()
	h := newHarness(t, harnessOpts{extra: []Option{
		WithTracerProvider(tel.TracerProvider()),
		WithLogger(logs.Logger),
	}})
	h.oracle.intent = task.IntentQuestion

	advance(t, h, "hi")
	names := tel.SpanNames()
	assert.Contains(t, names, "orchestrator.advance")
	assert.Contains(t, names, "orchestrator.phase.classifying")
	assert.Contains(t, names, "orchestrator.phase.responding")
	logs.AssertLogged(t, zapcore.DebugLevel, "phase transition")
}

func TestStatus(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{caps: []capability.Capability{
		ok("file_list", task.RiskLow, &calls),
		ok("file_delete", task.RiskHigh, nil),
	}})
	h.planner.plan = planner.Plan{Goal: "tidy", Steps: []task.Step{
		{ID: "1", Action: "file_list"},
		{ID: "2", Action: "file_delete", DependsOn: []string{"1"}},
	}}
	advance(t, h, "tidy up")

	st, err := h.orc.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.PhaseAwaitingConfirmation, st.Phase)
	assert.True(t, st.AwaitingConfirmation)
	assert.Equal(t, 1, st.Cursor)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, task.StepCompleted, st.Steps[0].Status)
	assert.Equal(t, 1, st.Steps[0].Attempts)

	_, err = h.orc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	list, err := h.orc.Tasks(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].AwaitingConfirmation)
}

func TestParseAnswer(t *testing.T) {
	cases := map[string]answer{
		"yes": answerYes, " Yes! ": answerYes, "go ahead": answerYes, "OK.": answerYes,
		"no": answerNo, "Cancel": answerNo, "nope?": answerNo,
		"maybe": answerUnclear, "yes please delete everything": answerUnclear, "": answerUnclear,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseAnswer(in), in)
	}
}

func TestTaskLocks(t *testing.T) {
	l := newTaskLocks()
	release, err := l.acquire(context.Background(), "a", false)
	require.NoError(t, err)

	_, err = l.acquire(context.Background(), "a", false)
	assert.ErrorIs(t, err, ErrTaskBusy)
	assert.Equal(t, 1, l.held())

	release()
	release()
	assert.Zero(t, l.held())

	release, err = l.acquire(context.Background(), "a", true)
	require.NoError(t, err)
	release()
}
