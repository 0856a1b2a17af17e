package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/app/service"
	"github.com/relayflow-go/pkg/logger"
)

type fakeLister struct {
	mu        sync.Mutex
	workflows []*workflow.Workflow
}

func (f *fakeLister) set(wfs ...*workflow.Workflow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows = wfs
}

func (f *fakeLister) ListEnabledWorkflows(context.Context) ([]*workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflows, nil
}

type fakeTriggerer struct {
	mu   sync.Mutex
	reqs []service.TriggerRequest
}

func (f *fakeTriggerer) Trigger(_ context.Context, req service.TriggerRequest) (*workflow.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return workflow.NewExecution(req.WorkflowID, req.Source), nil
}

func (f *fakeTriggerer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func scheduled(id, expr string) *workflow.Workflow {
	wf := workflow.NewWorkflow("wf-"+id, "user-1", workflow.Flow{Nodes: []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger, Type: "schedule", Config: map[string]interface{}{"cron": expr}},
	}})
	wf.ID = id
	return wf
}

func TestScheduler_Sync(t *testing.T) {
	lister := &fakeLister{}
	lister.set(
		scheduled("a", "0 */5 * * * *"),
		scheduled("b", "not a cron"),
		workflow.NewWorkflow("manual", "user-1", workflow.Flow{}),
	)
	s := New(lister, &fakeTriggerer{}, nil, time.Hour, logger.NewNop())
	s.elect(context.Background())

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, map[string]string{"a": "0 */5 * * * *"}, s.Scheduled())

	lister.set(scheduled("a", "@every 1h"), scheduled("c", "30 0 9 * * MON"))
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, map[string]string{"a": "@every 1h", "c": "30 0 9 * * MON"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 2)

	lister.set()
	require.NoError(t, s.Sync(context.Background()))
	assert.Empty(t, s.Scheduled())
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_FiresWorkflow(t *testing.T) {
	lister := &fakeLister{}
	lister.set(scheduled("a", "* * * * * *"))
	trigger := &fakeTriggerer{}
	s := New(lister, trigger, nil, time.Hour, logger.NewNop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return trigger.count() > 0 }, 3*time.Second, 50*time.Millisecond)

	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	assert.Equal(t, "a", trigger.reqs[0].WorkflowID)
	assert.Equal(t, workflow.TriggerSchedule, trigger.reqs[0].Source)
}

func TestScheduler_LeaderElection(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mr.Addr()}) }

	lister := &fakeLister{}
	lister.set(scheduled("a", "0 0 * * * *"))

	first := New(lister, &fakeTriggerer{}, newClient(), time.Hour, logger.NewNop())
	second := New(lister, &fakeTriggerer{}, newClient(), time.Hour, logger.NewNop())
	ctx := context.Background()

	first.elect(ctx)
	second.elect(ctx)
	assert.True(t, first.IsLeader())
	assert.False(t, second.IsLeader())

	require.NoError(t, first.Sync(ctx))
	require.NoError(t, second.Sync(ctx))
	assert.Len(t, first.Scheduled(), 1)
	assert.Empty(t, second.Scheduled())

	// renewal keeps the lock with the same holder
	first.elect(ctx)
	assert.True(t, first.IsLeader())

	mr.FastForward(leaderTTL + time.Second)
	second.elect(ctx)
	first.elect(ctx)
	assert.True(t, second.IsLeader())
	assert.False(t, first.IsLeader())

	require.NoError(t, first.Sync(ctx))
	assert.Empty(t, first.Scheduled())
}

func TestScheduler_FireSkippedWhenNotLeader(t *testing.T) {
	trigger := &fakeTriggerer{}
	s := New(&fakeLister{}, trigger, nil, time.Hour, logger.NewNop())

	s.fire(context.Background(), "a")
	assert.Zero(t, trigger.count())

	s.elect(context.Background())
	s.fire(context.Background(), "a")
	assert.Equal(t, 1, trigger.count())
}

func TestScheduler_StaleLeaderDoesNotFire(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mr.Addr()}) }

	triggerA, triggerB := &fakeTriggerer{}, &fakeTriggerer{}
	a := New(&fakeLister{}, triggerA, newClient(), time.Minute, logger.NewNop())
	b := New(&fakeLister{}, triggerB, newClient(), time.Minute, logger.NewNop())
	ctx := context.Background()

	a.elect(ctx)
	require.True(t, a.IsLeader())

	// a's lock lapses before it gets to renew; b takes over
	mr.FastForward(2 * leaderTTL)
	b.elect(ctx)
	require.True(t, b.IsLeader())

	a.fire(ctx, "wf")
	b.fire(ctx, "wf")

	assert.Zero(t, triggerA.count())
	assert.Equal(t, 1, triggerB.count())
	assert.False(t, a.IsLeader())
}

func TestScheduler_RenewKeepsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mr.Addr()}) }

	a := New(&fakeLister{}, &fakeTriggerer{}, newClient(), time.Minute, logger.NewNop())
	b := New(&fakeLister{}, &fakeTriggerer{}, newClient(), time.Minute, logger.NewNop())
	ctx := context.Background()

	a.elect(ctx)
	for i := 0; i < 5; i++ {
		mr.FastForward(renewEvery)
		a.elect(ctx)
		b.elect(ctx)
		require.True(t, a.IsLeader())
		require.False(t, b.IsLeader())
	}
	assert.Less(t, renewEvery, leaderTTL)

	ok, err := b.renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a non-holder must not extend the lock")
}
