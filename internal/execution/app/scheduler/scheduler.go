package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/app/service"
	"github.com/relayflow-go/pkg/logger"
)

const (
	leaderKey = "relayflow:scheduler:leader"
	leaderTTL = 15 * time.Second
	// renewEvery keeps the lock alive well inside its TTL, independent of the
	// schedule refresh interval.
	renewEvery = leaderTTL / 3
)

// renewScript extends the lock only while this instance still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// WorkflowLister is the part of the workflow store the scheduler reads.
type WorkflowLister interface {
	ListEnabledWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// Triggerer starts a run; ExecutionService satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, req service.TriggerRequest) (*workflow.Execution, error)
}

type entry struct {
	id   cron.EntryID
	expr string
}

// Scheduler fires enabled workflows whose trigger node carries a cron
// expression (six fields, seconds first, UTC). With a Redis client only the
// replica holding the leader lock schedules anything.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	workflows  WorkflowLister
	trigger    Triggerer
	redis      *redis.Client
	instanceID string
	refresh    time.Duration
	logger     logger.Logger

	mu      sync.Mutex
	entries map[string]entry
	leader  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler that re-reads enabled workflows every refresh
// interval. redisClient may be nil, in which case this replica always leads.
func New(workflows WorkflowLister, trigger Triggerer, redisClient *redis.Client, refresh time.Duration, log logger.Logger) *Scheduler {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		parser:     cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		workflows:  workflows,
		trigger:    trigger,
		redis:      redisClient,
		instanceID: uuid.New().String(),
		refresh:    refresh,
		logger:     log,
		entries:    make(map[string]entry),
		stopCh:     make(chan struct{}),
	}
}

// Start elects, loads the schedules and starts the cron runner plus the
// refresh and lock renewal loops. It does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting cron scheduler", "refresh", s.refresh)

	s.elect(ctx)
	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the refresh loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping cron scheduler")
	close(s.stopCh)
	s.wg.Wait()

	<-s.cron.Stop().Done()

	if s.redis != nil && s.leader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if val, err := s.redis.Get(ctx, leaderKey).Result(); err == nil && val == s.instanceID {
			s.redis.Del(ctx, leaderKey)
		}
	}
}

// IsLeader reports the last known leadership state of this replica.
func (s *Scheduler) IsLeader() bool {
	return s.leader.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var renew <-chan time.Time
	if s.redis != nil {
		renewTicker := time.NewTicker(renewEvery)
		defer renewTicker.Stop()
		renew = renewTicker.C
	}

	for {
		select {
		case <-renew:
			wasLeader := s.leader.Load()
			s.elect(ctx)
			if wasLeader != s.leader.Load() {
				if err := s.Sync(ctx); err != nil {
					s.logger.Error("Failed to refresh schedules", "error", err)
				}
			}
		case <-ticker.C:
			s.elect(ctx)
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("Failed to refresh schedules", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// elect takes or renews the leader lock. Without Redis every replica leads.
func (s *Scheduler) elect(ctx context.Context) {
	if s.redis == nil {
		s.leader.Store(true)
		return
	}

	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("Failed to acquire leader lock", "error", err)
		s.setLeader(false)
		return
	}
	if !ok {
		ok, err = s.renew(ctx)
		if err != nil {
			s.logger.Error("Failed to renew leader lock", "error", err)
		}
	}
	s.setLeader(ok)
}

func (s *Scheduler) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, s.redis, []string{leaderKey}, s.instanceID, leaderTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// holdsLock checks Redis directly. The local flag can be stale for up to one
// renewal period after another replica took over.
func (s *Scheduler) holdsLock(ctx context.Context) bool {
	if s.redis == nil {
		return s.leader.Load()
	}
	holder, err := s.redis.Get(ctx, leaderKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("Failed to read leader lock", "error", err)
		return false
	}
	if holder != s.instanceID {
		s.setLeader(false)
		return false
	}
	return true
}

func (s *Scheduler) setLeader(leader bool) {
	if s.leader.Swap(leader) != leader {
		if leader {
			s.logger.Info("Became scheduler leader", "instanceId", s.instanceID)
		} else {
			s.logger.Info("Lost scheduler leadership", "instanceId", s.instanceID)
		}
	}
}

// Sync reconciles cron entries with the enabled workflows in the store.
func (s *Scheduler) Sync(ctx context.Context) error {
	desired := make(map[string]string)
	if s.leader.Load() {
		workflows, err := s.workflows.ListEnabledWorkflows(ctx)
		if err != nil {
			return err
		}
		for _, wf := range workflows {
			if expr := wf.CronExpression(); expr != "" {
				desired[wf.ID] = expr
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workflowID, e := range s.entries {
		if expr, ok := desired[workflowID]; !ok || expr != e.expr {
			s.cron.Remove(e.id)
			delete(s.entries, workflowID)
			s.logger.Info("Removed schedule", "workflowId", workflowID)
		}
	}

	for workflowID, expr := range desired {
		if _, ok := s.entries[workflowID]; ok {
			continue
		}
		sched, err := s.parser.Parse(expr)
		if err != nil {
			s.logger.Warn("Invalid cron expression", "workflowId", workflowID, "cron", expr, "error", err)
			continue
		}
		id := s.cron.Schedule(sched, s.job(workflowID))
		s.entries[workflowID] = entry{id: id, expr: expr}
		s.logger.Info("Added schedule", "workflowId", workflowID, "cron", expr)
	}
	return nil
}

// Scheduled returns workflow id to cron expression for every active entry.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.entries))
	for workflowID, e := range s.entries {
		out[workflowID] = e.expr
	}
	return out
}

func (s *Scheduler) job(workflowID string) cron.Job {
	return cron.FuncJob(func() {
		s.fire(context.Background(), workflowID)
	})
}

func (s *Scheduler) fire(ctx context.Context, workflowID string) {
	if !s.leader.Load() || !s.holdsLock(ctx) {
		s.logger.Debug("Skipping scheduled workflow, not leader", "workflowId", workflowID)
		return
	}

	s.logger.Info("Executing scheduled workflow", "workflowId", workflowID)
	execution, err := s.trigger.Trigger(ctx, service.TriggerRequest{
		WorkflowID: workflowID,
		Source:     workflow.TriggerSchedule,
	})
	if err != nil {
		executionID := ""
		if execution != nil {
			executionID = execution.ID
		}
		s.logger.Error("Scheduled execution failed", "workflowId", workflowID, "executionId", executionID, "error", err)
	}
}
