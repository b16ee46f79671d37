package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/agent"
	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/llms"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/tools"
	"github.com/flowmatic-io/flowmatic/pkg/workflow"
)

// testClock is a settable clock for driving ticks deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, clock *testClock) (*store.Store, *Scheduler) {
	t.Helper()
	st, err := store.Open(context.Background(), &config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.EngineConfig{MaxIterations: 5, DefaultStepTimeout: 300, MaxStepTimeout: 3600}
	engine := agent.NewEngine(st, llms.NewRegistry(), tools.NewDispatcher(st), cfg)
	orch := workflow.NewOrchestrator(st, engine, cfg)

	return st, New(st, orch, time.Second, WithClock(clock.Now))
}

// createCheckWorkflow builds a workflow whose single step needs no LLM.
func createCheckWorkflow(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, err := st.CreateWorkflow(context.Background(), &store.Workflow{
		Name:          "nightly-check",
		TriggerKind:   store.TriggerScheduled,
		ExecutionMode: store.ModeSync,
		InterfaceKind: store.InterfaceAPI,
		Active:        true,
	}, []*store.WorkflowStep{
		{StepOrder: 1, Kind: store.StepCondition, Name: "check",
			Condition: "${trigger.ok} == true", OutputVariable: "checked"},
	})
	require.NoError(t, err)
	return id
}

func TestTickFiresDueSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	clock := &testClock{now: start}
	st, s := newTestScheduler(t, clock)
	ctx := context.Background()
	wfID := createCheckWorkflow(t, st)

	sched, err := s.CreateSchedule(ctx, wfID, "* * * * *", store.JSONMap{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, start.Add(30*time.Second), sched.NextRunAt)

	// Nothing is due yet.
	require.NoError(t, s.Tick(ctx))
	execs, err := st.ListWorkflowExecutions(ctx, wfID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)

	// Cross the fire time.
	clock.Set(start.Add(time.Minute))
	require.NoError(t, s.Tick(ctx))

	require.Eventually(t, func() bool {
		execs, err := st.ListWorkflowExecutions(ctx, wfID, 10)
		return err == nil && len(execs) == 1 && execs[0].Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	execs, err = st.ListWorkflowExecutions(ctx, wfID, 10)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, true, execs[0].ContextData["checked"])

	// The row advanced past the fire and recorded the run.
	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(clock.Now()))
	require.NotNil(t, got.LastRunAt)

	// The same tick window does not fire twice.
	require.NoError(t, s.Tick(ctx))
	execs, err = st.ListWorkflowExecutions(ctx, wfID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	st, s := newTestScheduler(t, clock)
	ctx := context.Background()
	wfID := createCheckWorkflow(t, st)

	sched, err := s.CreateSchedule(ctx, wfID, "* * * * *", store.JSONMap{"ok": true})
	require.NoError(t, err)
	require.NoError(t, st.SetScheduleEnabled(ctx, sched.ID, false))

	clock.Set(start.Add(2 * time.Minute))
	require.NoError(t, s.Tick(ctx))

	execs, err := st.ListWorkflowExecutions(ctx, wfID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestNextRunMonotonic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	// Next fire is computed from now.
	next := NextRun("* * * * *", now, time.Time{})
	assert.Equal(t, now.Add(30*time.Second), next)

	// A prev at or past the natural next pushes strictly beyond it.
	prev := now.Add(90 * time.Second)
	next = NextRun("* * * * *", now, prev)
	assert.True(t, next.After(prev))

	// A bad expression pushes an hour out instead of hot-looping.
	next = NextRun("not a cron", now, time.Time{})
	assert.Equal(t, now.Add(time.Hour), next)
}

func TestParseCronVariants(t *testing.T) {
	tests := []struct {
		expr string
		ok   bool
	}{
		{"* * * * *", true},
		{"*/5 * * * *", true},
		{"0 0 * * 1-5", true},
		{"30 */2 * * * *", true}, // optional seconds field
		{"@hourly", true},
		{"* * *", false},
		{"99 * * * *", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseCron(tt.expr)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCreateScheduleRejectsInvalidCron(t *testing.T) {
	clock := &testClock{now: time.Now().UTC()}
	st, s := newTestScheduler(t, clock)
	wfID := createCheckWorkflow(t, st)

	_, err := s.CreateSchedule(context.Background(), wfID, "every tuesday", nil)
	assert.Error(t, err)
}

func TestUpdateCronRecomputesNextRun(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	st, s := newTestScheduler(t, clock)
	ctx := context.Background()
	wfID := createCheckWorkflow(t, st)

	sched, err := s.CreateSchedule(ctx, wfID, "* * * * *", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateCron(ctx, sched.ID, "0 0 * * *"))

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * *", got.CronExpr)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), got.NextRunAt)

	require.Error(t, s.UpdateCron(ctx, sched.ID, "bogus"))
}
