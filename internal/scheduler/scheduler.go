// Package scheduler runs the periodic tick that keeps time-based trigger
// guarantees honest: batch accumulators flush when their max wait expires
// without new events, and interval rules fire on schedule even over quiet
// windows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/model"
	"github.com/llmtrigger/llmtrigger/internal/trigger"
)

// RuleLister supplies the full rule set for sweeping.
type RuleLister interface {
	ListAll(ctx context.Context) ([]*model.Rule, error)
}

// TriggerSweeper finds the trigger-mode state that is due.
type TriggerSweeper interface {
	SweepExpiredBatches(ctx context.Context, rule *model.Rule) ([]trigger.BatchFlush, error)
	DueIntervalKeys(ctx context.Context, rule *model.Rule) ([]string, error)
}

// AnalysisRunner executes an LLM analysis outside the event path.
type AnalysisRunner interface {
	RunAnalysis(ctx context.Context, rule *model.Rule, ctxKey string, batchEvents []*model.Event)
}

// Scheduler drives the periodic tick on a cron schedule.
type Scheduler struct {
	config  config.SchedulerConfig
	rules   RuleLister
	sweeper TriggerSweeper
	runner  AnalysisRunner
	logger  *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	ticking bool
}

// New creates the tick scheduler.
func New(cfg config.SchedulerConfig, rules RuleLister, sweeper TriggerSweeper, runner AnalysisRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		config:  cfg,
		rules:   rules,
		sweeper: sweeper,
		runner:  runner,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Start registers the tick and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.config.TickSchedule, func() {
		s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("register tick schedule %q: %w", s.config.TickSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.config.TickSchedule)
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

// tick sweeps all rules once. Overlapping ticks are skipped rather than
// stacked.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	rules, err := s.rules.ListAll(ctx)
	if err != nil {
		s.logger.Error("Tick failed to list rules", "error", err)
		return
	}

	for _, rule := range rules {
		if !rule.Enabled || rule.RuleConfig.LLMConfig == nil {
			continue
		}
		switch rule.RuleConfig.LLMConfig.TriggerMode {
		case model.TriggerModeBatch:
			s.sweepBatches(ctx, rule)
		case model.TriggerModeInterval:
			s.sweepIntervals(ctx, rule)
		}
	}
}

func (s *Scheduler) sweepBatches(ctx context.Context, rule *model.Rule) {
	flushes, err := s.sweeper.SweepExpiredBatches(ctx, rule)
	if err != nil {
		s.logger.Error("Batch sweep failed", "rule_id", rule.RuleID, "error", err)
		return
	}
	for _, flush := range flushes {
		s.logger.Info("Flushing expired batch",
			"rule_id", rule.RuleID, "context_key", flush.ContextKey, "events", len(flush.Events))
		s.runner.RunAnalysis(ctx, rule, flush.ContextKey, flush.Events)
	}
}

func (s *Scheduler) sweepIntervals(ctx context.Context, rule *model.Rule) {
	ctxKeys, err := s.sweeper.DueIntervalKeys(ctx, rule)
	if err != nil {
		s.logger.Error("Interval sweep failed", "rule_id", rule.RuleID, "error", err)
		return
	}
	for _, ctxKey := range ctxKeys {
		s.logger.Info("Running scheduled interval analysis",
			"rule_id", rule.RuleID, "context_key", ctxKey)
		s.runner.RunAnalysis(ctx, rule, ctxKey, nil)
	}
}
