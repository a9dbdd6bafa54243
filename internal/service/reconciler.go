package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"
	"github.com/boddenberg/pj-contracts-go/internal/ledger"
	"github.com/boddenberg/pj-contracts-go/internal/lifecycle"
	"github.com/boddenberg/pj-contracts-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Outcome summarizes what one reconcile did to a contract.
type Outcome string

const (
	OutcomePaid     Outcome = "paid"     // a charge succeeded and was applied
	OutcomeSettled  Outcome = "settled"  // nothing was owed, the period settled without a charge
	OutcomeMissed   Outcome = "missed"   // retries exhausted, penalty applied
	OutcomePending  Outcome = "pending"  // gateway outcome still unknown
	OutcomeDeclined Outcome = "declined" // activation charge refused, contract left in draft
	OutcomeSkipped  Outcome = "skipped"  // not due, not active, or cancellation requested
)

// Result is the outcome of reconciling one contract period.
type Result struct {
	ContractID  string
	PeriodIndex int
	Outcome     Outcome
	Contract    *domain.Contract
	Attempt     *domain.PaymentAttempt
	Transition  lifecycle.Transition
	Overpayment decimal.Decimal // surfaced and notified, never carried as credit
}

// ReconcilerConfig bounds the reconciler's retries and gateway calls.
type ReconcilerConfig struct {
	MaxRetries      int           // charge retries per period after the first try
	InitialBackoff  time.Duration // base for charge, status-query and lock retries
	MaxBackoff      time.Duration
	GatewayTimeout  time.Duration // per charge or status query
	ConflictRetries int           // lock contention / stale version retries
}

func (c ReconcilerConfig) backoff() resilience.Config {
	return resilience.Config{MaxRetries: c.MaxRetries, InitialBackoff: c.InitialBackoff, MaxBackoff: c.MaxBackoff}
}

// Reconciler charges the payment gateway for a contract's current period,
// applies the result to the ledger and advances the lifecycle. All work on
// one contract runs under that contract's lock.
type Reconciler struct {
	contracts port.ContractStore
	attempts  port.AttemptStore
	gateway   port.PaymentGateway
	guard     guard
	cancels   *CancelRegistry
	notes     notifications
	clock     clock.Clock
	cfg       ReconcilerConfig
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewReconciler creates a Reconciler with all dependencies injected.
func NewReconciler(
	contracts port.ContractStore,
	attempts port.AttemptStore,
	gateway port.PaymentGateway,
	notifier port.Notifier,
	locker port.Locker,
	cancels *CancelRegistry,
	clk clock.Clock,
	cfg ReconcilerConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		contracts: contracts,
		attempts:  attempts,
		gateway:   gateway,
		guard: guard{locker: locker, cfg: resilience.Config{
			MaxRetries:     cfg.ConflictRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}},
		cancels: cancels,
		notes:   notifications{notifier: notifier, metrics: metrics, logger: logger},
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Reconcile settles the current period of an active, due contract.
// Calling it again for a period that already settled is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, contractID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	start := time.Now()
	defer func() { r.metrics.RecordRequestDuration("reconcile", time.Since(start)) }()

	var res *Result
	err := r.guard.run(ctx, contractID, func(ctx context.Context) error {
		c, err := r.contracts.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		if !c.Due(r.clock.Now()) || r.cancels.Requested(ctx, contractID) {
			res = &Result{ContractID: c.ID, PeriodIndex: c.PeriodIndex, Outcome: OutcomeSkipped, Contract: c}
			return nil
		}
		res, err = r.settle(ctx, c, false)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if res != nil {
		span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))
	}
	return res, err
}

// activate charges period 0 of a draft contract. The caller holds the
// contract lock and has set PaymentMethodRef. Nothing is persisted on
// the contract unless the charge succeeds.
func (r *Reconciler) activate(ctx context.Context, c *domain.Contract) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Activate")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", c.ID))

	return r.settle(ctx, c, true)
}

// settleOutstanding applies a charge the gateway may already have taken
// for the current period before the contract closes. The caller holds the
// contract lock and has requested cancellation, so a charge that turns
// out to have succeeded is applied and the contract settles as cancelled.
// It returns a nil Result when nothing is outstanding, and
// ErrGatewayTimeout while the gateway still cannot say what happened.
func (r *Reconciler) settleOutstanding(ctx context.Context, c *domain.Contract) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.SettleOutstanding")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", c.ID))

	period := c.PeriodIndex
	key := domain.IdempotencyKey(c.ID, period)
	prior, err := r.attempts.AttemptsByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	log := r.logger.With(
		zap.String("contract_id", c.ID),
		zap.Int("period_index", period),
		zap.String("idempotency_key", key),
	)
	s := &settlement{r: r, c: c, activation: c.State == domain.StateDraft, period: period, key: key, nextTry: len(prior), log: log}

	var charged *domain.PaymentAttempt
	for i := range prior {
		if prior[i].Status == domain.AttemptSucceeded {
			log.Warn("applying succeeded attempt before cancellation", zap.String("attempt_id", prior[i].ID))
			charged = &prior[i]
			break
		}
	}
	for i := 0; charged == nil && i < len(prior); i++ {
		if prior[i].Status != domain.AttemptPending {
			continue
		}
		p := prior[i]
		outcome, err := s.resolve(ctx, &p)
		if err != nil {
			return nil, err
		}
		switch outcome.Status {
		case domain.ChargeSucceeded:
			charged = &p
		case domain.ChargeFailed:
		default:
			log.Warn("charge outcome unknown, cancellation deferred", zap.String("attempt_id", p.ID))
			return nil, &domain.ErrGatewayTimeout{IdempotencyKey: key}
		}
	}
	if charged == nil {
		return nil, nil
	}

	// the charge covers this period, so it is billed before the payment lands
	now := r.clock.Now()
	s.led = ledger.New(c.ID, c.Ledger)
	if s.activation {
		s.led.StartAccrual(now)
	} else if _, err := s.led.AccrueInterest(c.Terms, period, now); err != nil {
		return nil, err
	}
	if c.HasUnbilledPeriod() {
		if err := s.led.Bill(c.Terms.PeriodicAmount, period, now); err != nil {
			return nil, err
		}
		c.PeriodsBilled++
	}
	return s.paid(ctx, charged)
}

// settle runs one period through bill, charge and transition.
func (r *Reconciler) settle(ctx context.Context, c *domain.Contract, activation bool) (*Result, error) {
	now := r.clock.Now()
	period := c.PeriodIndex
	key := domain.IdempotencyKey(c.ID, period)
	log := r.logger.With(
		zap.String("contract_id", c.ID),
		zap.Int("period_index", period),
		zap.String("idempotency_key", key),
	)

	led := ledger.New(c.ID, c.Ledger)
	if activation {
		led.StartAccrual(now)
	} else if _, err := led.AccrueInterest(c.Terms, period, now); err != nil {
		return nil, err
	}
	if c.HasUnbilledPeriod() {
		if err := led.Bill(c.Terms.PeriodicAmount, period, now); err != nil {
			return nil, err
		}
		c.PeriodsBilled++
	}

	s := &settlement{r: r, c: c, led: led, activation: activation, period: period, key: key, log: log}

	prior, err := r.attempts.AttemptsByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	s.nextTry = len(prior)

	// A succeeded attempt here means an earlier run charged but never saved.
	for i := range prior {
		if prior[i].Status == domain.AttemptSucceeded {
			log.Warn("applying succeeded attempt left by an interrupted run", zap.String("attempt_id", prior[i].ID))
			return s.paid(ctx, &prior[i])
		}
	}

	tries := 0
	var lastErr error
	for i := range prior {
		if prior[i].Status != domain.AttemptPending {
			continue
		}
		p := prior[i]
		outcome, err := s.resolve(ctx, &p)
		if err != nil {
			return nil, err
		}
		switch outcome.Status {
		case domain.ChargeSucceeded:
			return s.paid(ctx, &p)
		case domain.ChargeFailed:
			tries++
			lastErr = &domain.ErrGatewayDeclined{Reason: outcome.Reason}
		default:
			return s.pending(ctx, &p)
		}
	}

	amount := led.Balance()
	if !amount.IsPositive() {
		return s.settledWithoutCharge(ctx)
	}

	// activation is interactive: one fresh try per accept
	maxTries := r.cfg.MaxRetries + 1
	if activation {
		maxTries = tries + 1
	}

	for ; tries < maxTries; tries++ {
		if tries > 0 {
			if r.cancels.Requested(ctx, c.ID) {
				log.Info("cancellation requested, stopping retries")
				return s.stopped(ctx)
			}
			if err := sleep(ctx, resilience.Backoff(r.cfg.backoff(), tries-1)); err != nil {
				return nil, err
			}
		}

		attempt, outcome, err := s.charge(ctx, amount)
		if err != nil {
			return nil, err
		}
		switch outcome.Status {
		case domain.ChargeSucceeded:
			return s.paid(ctx, attempt)
		case domain.ChargeFailed:
			lastErr = &domain.ErrGatewayDeclined{Reason: outcome.Reason}
			log.Warn("charge failed", zap.Int("attempt", attempt.Try), zap.String("reason", outcome.Reason))
		default:
			return s.pending(ctx, attempt)
		}
	}

	return s.exhausted(ctx, tries, lastErr)
}

// settlement carries the state of one settle call.
type settlement struct {
	r          *Reconciler
	c          *domain.Contract
	led        *ledger.Ledger
	activation bool
	period     int
	key        string
	nextTry    int
	log        *zap.Logger
}

// charge records a pending attempt, calls the gateway and, for an
// ambiguous answer, asks the gateway what happened. The returned outcome
// is succeeded, failed, or timeout when the attempt stays pending.
func (s *settlement) charge(ctx context.Context, amount decimal.Decimal) (*domain.PaymentAttempt, *domain.ChargeResult, error) {
	r := s.r
	attempt := &domain.PaymentAttempt{
		ID:             uuid.New().String(),
		ContractID:     s.c.ID,
		IdempotencyKey: s.key,
		PeriodIndex:    s.period,
		Try:            s.nextTry,
		Amount:         amount,
		Status:         domain.AttemptPending,
		CreatedAt:      r.clock.Now(),
	}
	s.nextTry++
	if err := r.attempts.CreateAttempt(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("record attempt: %w", err)
	}

	callCtx, cancel := r.callContext(ctx)
	res, err := r.gateway.Charge(callCtx, &domain.ChargeRequest{
		Amount:           amount,
		PaymentMethodRef: s.c.PaymentMethodRef,
		IdempotencyKey:   s.key,
	})
	cancel()

	switch {
	case err != nil && ctx.Err() != nil:
		// the attempt stays pending; the next run resolves it
		return nil, nil, ctx.Err()
	case err != nil:
		var open *domain.ErrCircuitOpen
		var ext *domain.ErrExternalService
		if errors.As(err, &open) || errors.As(err, &ext) {
			// the request never reached the gateway
			r.metrics.IncrExternalError("gateway")
			res = &domain.ChargeResult{Status: domain.ChargeFailed, Reason: err.Error()}
		} else {
			res = &domain.ChargeResult{Status: domain.ChargeTimeout, Reason: err.Error()}
		}
	case res == nil:
		res = &domain.ChargeResult{Status: domain.ChargeTimeout}
	}
	r.metrics.IncrCharge(string(res.Status))

	if res.Status == domain.ChargeTimeout || res.Status == domain.ChargePending {
		s.log.Warn("charge outcome unknown, querying status", zap.Int("attempt", attempt.Try))
		res, err = s.resolve(ctx, attempt)
		if err != nil {
			return nil, nil, err
		}
		return attempt, res, nil
	}

	if err := s.finish(ctx, attempt, res); err != nil {
		return nil, nil, err
	}
	return attempt, res, nil
}

// resolve queries the gateway for a pending attempt until it reports a
// final status or the retry budget runs out. A final status is written
// to the attempt; otherwise the result is ChargeTimeout and the attempt
// stays pending.
func (s *settlement) resolve(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.ChargeResult, error) {
	r := s.r
	cfg := r.cfg.backoff()
	for i := 0; i <= cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, resilience.Backoff(cfg, i-1)); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := r.callContext(ctx)
		res, err := r.gateway.QueryStatus(callCtx, attempt.IdempotencyKey)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.metrics.IncrExternalError("gateway")
			s.log.Warn("status query failed", zap.Int("attempt", attempt.Try), zap.Error(err))
			continue
		}

		switch res.Status {
		case domain.ChargeSucceeded, domain.ChargeFailed:
		case domain.ChargeUnknown:
			// the gateway never saw the key, so no money moved
			res = &domain.ChargeResult{Status: domain.ChargeFailed, Reason: "charge not received by gateway"}
		default:
			continue
		}
		if err := s.finish(ctx, attempt, res); err != nil {
			return nil, err
		}
		return res, nil
	}
	return &domain.ChargeResult{Status: domain.ChargeTimeout}, nil
}

// finish moves a pending attempt to the status in res.
func (s *settlement) finish(ctx context.Context, attempt *domain.PaymentAttempt, res *domain.ChargeResult) error {
	resolved := s.r.clock.Now()
	attempt.ResolvedAt = &resolved
	if res.Status == domain.ChargeSucceeded {
		attempt.Status = domain.AttemptSucceeded
		attempt.GatewayReference = res.Reference
	} else {
		attempt.Status = domain.AttemptFailed
		attempt.FailureReason = res.Reason
	}
	if err := s.r.attempts.ResolveAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	return nil
}

// paid applies a succeeded attempt and advances the lifecycle. A
// cancellation requested while the charge was in flight wins over renewal.
func (s *settlement) paid(ctx context.Context, attempt *domain.PaymentAttempt) (*Result, error) {
	r, c := s.r, s.c
	now := r.clock.Now()

	pay, err := s.led.ApplyPayment(attempt.Amount, s.period, attempt.GatewayReference, now)
	if err != nil {
		return nil, err
	}
	c.Ledger = s.led.State()

	tr, err := s.advance(ctx, now, true)
	if err != nil {
		return nil, err
	}
	if err := r.contracts.SaveContract(ctx, c, s.led.Entries()); err != nil {
		return nil, err
	}
	recordTransition(r.metrics, tr)

	s.log.Info("period paid",
		zap.String("amount", pay.Applied.StringFixed(2)),
		zap.String("balance", pay.Balance.StringFixed(2)),
		zap.String("state", string(c.State)),
	)

	if pay.Remainder.IsPositive() {
		s.log.Warn("payment exceeded balance", zap.String("remainder", pay.Remainder.StringFixed(2)))
		r.notes.send(ctx, c, domain.NotifyOverpayment, pay.Remainder,
			fmt.Sprintf("payment exceeded the balance by %s; the excess is due back to the owner", pay.Remainder.StringFixed(2)), now)
	}
	r.notes.transitioned(ctx, c, tr, now)

	return &Result{
		ContractID:  c.ID,
		PeriodIndex: s.period,
		Outcome:     OutcomePaid,
		Contract:    c,
		Attempt:     attempt,
		Transition:  tr,
		Overpayment: pay.Remainder,
	}, nil
}

// settledWithoutCharge closes a period when nothing is owed.
func (s *settlement) settledWithoutCharge(ctx context.Context) (*Result, error) {
	r, c := s.r, s.c
	now := r.clock.Now()
	c.Ledger = s.led.State()

	tr, err := s.advance(ctx, now, false)
	if err != nil {
		return nil, err
	}
	if err := r.contracts.SaveContract(ctx, c, s.led.Entries()); err != nil {
		return nil, err
	}
	recordTransition(r.metrics, tr)
	r.notes.transitioned(ctx, c, tr, now)

	return &Result{ContractID: c.ID, PeriodIndex: s.period, Outcome: OutcomeSettled, Contract: c, Transition: tr}, nil
}

func (s *settlement) advance(ctx context.Context, now time.Time, paid bool) (lifecycle.Transition, error) {
	switch {
	case s.r.cancels.Requested(ctx, s.c.ID):
		return lifecycle.Cancel(s.c, now)
	case s.activation:
		return lifecycle.Activate(s.c, lifecycle.Activation{Paid: paid}, now)
	default:
		return lifecycle.Renew(s.c, now)
	}
}

// pending keeps the billed state of a renewal and reports the unknown
// outcome. The next reconcile resolves the attempt before charging.
func (s *settlement) pending(ctx context.Context, attempt *domain.PaymentAttempt) (*Result, error) {
	res := &Result{ContractID: s.c.ID, PeriodIndex: s.period, Outcome: OutcomePending, Contract: s.c, Attempt: attempt}
	if !s.activation {
		if err := s.saveProgress(ctx); err != nil {
			return nil, err
		}
	}
	s.log.Warn("charge outcome still unknown", zap.String("attempt_id", attempt.ID))
	return res, &domain.ErrGatewayTimeout{IdempotencyKey: s.key}
}

// stopped keeps the billed state when a cancellation interrupts retries.
func (s *settlement) stopped(ctx context.Context) (*Result, error) {
	if !s.activation {
		if err := s.saveProgress(ctx); err != nil {
			return nil, err
		}
	}
	return &Result{ContractID: s.c.ID, PeriodIndex: s.period, Outcome: OutcomeSkipped, Contract: s.c}, nil
}

func (s *settlement) saveProgress(ctx context.Context) error {
	s.c.Ledger = s.led.State()
	s.c.UpdatedAt = s.r.clock.Now()
	return s.r.contracts.SaveContract(ctx, s.c, s.led.Entries())
}

// exhausted settles the period as missed: penalty, then interest, then
// the miss transition and a single notification. Activation charges leave
// the contract untouched in draft.
func (s *settlement) exhausted(ctx context.Context, tries int, lastErr error) (*Result, error) {
	r, c := s.r, s.c
	if s.activation {
		return &Result{ContractID: c.ID, PeriodIndex: s.period, Outcome: OutcomeDeclined, Contract: c}, lastErr
	}

	now := r.clock.Now()
	assessment, err := s.led.AssessMissedPeriod(c.Terms, s.period, now)
	if err != nil {
		return nil, err
	}
	c.Ledger = s.led.State()

	tr, err := lifecycle.Miss(c, now)
	if err != nil {
		return nil, err
	}
	if err := r.contracts.SaveContract(ctx, c, s.led.Entries()); err != nil {
		return nil, err
	}
	recordTransition(r.metrics, tr)
	if assessment.Penalty.IsPositive() {
		r.metrics.IncrPenalty()
	}

	s.log.Warn("retries exhausted, period missed",
		zap.Int("attempts", tries),
		zap.String("penalty", assessment.Penalty.StringFixed(2)),
		zap.String("balance", c.Balance().StringFixed(2)),
	)
	r.notes.send(ctx, c, domain.NotifyRetryExhausted, c.Balance(),
		fmt.Sprintf("payment for period %d failed after %d attempts; a penalty of %s was added",
			s.period, tries, assessment.Penalty.StringFixed(2)), now)

	return &Result{ContractID: c.ID, PeriodIndex: s.period, Outcome: OutcomeMissed, Contract: c, Transition: tr},
		&domain.ErrRetryExhausted{ContractID: c.ID, PeriodIndex: s.period, Attempts: tries, Err: lastErr}
}

func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.GatewayTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
