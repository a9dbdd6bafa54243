package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/port"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContractReconciler settles one contract period.
type ContractReconciler interface {
	Reconcile(ctx context.Context, contractID string) (*Result, error)
}

// BillingScheduler finds due contracts and reconciles each of them once
// per pass. Different contracts run in parallel; the reconciler serializes
// work on any single contract.
type BillingScheduler struct {
	store      port.ContractStore
	reconciler ContractReconciler
	clock      clock.Clock
	workers    int
	batchSize  int
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewBillingScheduler creates a BillingScheduler running up to workers
// reconciles at once.
func NewBillingScheduler(store port.ContractStore, reconciler ContractReconciler, clk clock.Clock, workers, batchSize int, metrics *observability.Metrics, logger *zap.Logger) *BillingScheduler {
	if workers <= 0 {
		workers = 1
	}
	return &BillingScheduler{
		store:      store,
		reconciler: reconciler,
		clock:      clk,
		workers:    workers,
		batchSize:  batchSize,
		metrics:    metrics,
		logger:     logger,
	}
}

// RunOnce reconciles every contract due now. Per-contract failures are
// counted in the summary, not returned.
func (s *BillingScheduler) RunOnce(ctx context.Context) (*domain.BillingRunSummary, error) {
	ctx, span := tracer.Start(ctx, "BillingScheduler.RunOnce")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("billing_run", time.Since(start)) }()

	due, err := s.store.ListDue(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return nil, err
	}
	s.metrics.SetBillingDue(len(due))
	span.SetAttributes(attribute.Int("billing.due", len(due)))

	summary := &domain.BillingRunSummary{Due: len(due)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range due {
		contractID := due[i].ID
		g.Go(func() error {
			res, err := s.reconciler.Reconcile(ctx, contractID)

			mu.Lock()
			defer mu.Unlock()
			tally(summary, res, err)

			if err != nil {
				s.logger.Warn("reconcile failed",
					zap.String("contract_id", contractID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("billing run finished",
		zap.Int("due", summary.Due),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, ctx.Err()
}

func tally(sum *domain.BillingRunSummary, res *Result, err error) {
	var timeout *domain.ErrGatewayTimeout
	switch {
	case errors.As(err, &timeout):
		sum.Pending++
	case err != nil || res == nil:
		sum.Failed++
	case res.Outcome == OutcomePaid || res.Outcome == OutcomeSettled:
		sum.Succeeded++
	case res.Outcome == OutcomePending:
		sum.Pending++
	default:
		sum.Skipped++
	}
}

// Start runs RunOnce on the cron spec (for example "@hourly"). Passes do
// not overlap: a pass still running when the next is due is skipped.
func (s *BillingScheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("billing run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("billing scheduler started", zap.String("schedule", spec))
	return nil
}

// Stop stops the trigger and waits for a running pass to finish or ctx to end.
func (s *BillingScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
