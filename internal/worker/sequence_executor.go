package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/pkg/distlock"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sending"
)

// ClaimStore is the part of the enrollment store the scheduler drives.
type ClaimStore interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Claim, error)
	BeginDispatch(ctx context.Context, claim domain.Claim, stepOrder int) (domain.DispatchState, error)
	Commit(ctx context.Context, claim domain.Claim, t domain.Transition) error
}

// SequenceReader loads a sequence with its steps.
type SequenceReader interface {
	Get(ctx context.Context, id string) (*domain.Sequence, error)
}

// ContactDirectory resolves the render context of a message.
type ContactDirectory interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
}

// Renderer substitutes contact and workspace tokens into a template.
type Renderer interface {
	Render(tmpl string, c *domain.Contact, ws *domain.Workspace) (string, error)
}

// ExecutorConfig tunes the sweep.
type ExecutorConfig struct {
	// Schedule is a cron spec, e.g. "@every 15s".
	Schedule    string
	BatchSize   int
	Concurrency int
	// Lease is how long a claim blocks other workers; a crashed worker's
	// enrollments become due again after it.
	Lease       time.Duration
	LockTTL     time.Duration
	SendTimeout time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 15s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// stepResult is what processing one claim amounted to.
type stepResult string

const (
	resultSent      stepResult = "sent"
	resultFailed    stepResult = "failed"
	resultSkipped   stepResult = "skipped"
	resultStopped   stepResult = "stopped"
	resultDeferred  stepResult = "deferred"
	resultCompleted stepResult = "completed"
	resultAborted   stepResult = "aborted"
	resultDuplicate stepResult = "duplicate"
	resultContended stepResult = "contended"
	resultLost      stepResult = "claim_lost"
)

// SweepStats summarises one sweep.
type SweepStats struct {
	Claimed int                `json:"claimed"`
	Errors  int                `json:"errors"`
	Results map[stepResult]int `json:"results"`
}

// ExecutorStats is a snapshot of lifetime counters.
type ExecutorStats struct {
	WorkerID       string    `json:"worker_id"`
	Running        bool      `json:"running"`
	LastSweepAt    time.Time `json:"last_sweep_at"`
	TotalProcessed int64     `json:"total_processed"`
	TotalSent      int64     `json:"total_sent"`
	TotalErrors    int64     `json:"total_errors"`
}

// SequenceExecutor is the step scheduler: a cron driven sweep that claims
// due enrollments and advances each one step.
type SequenceExecutor struct {
	store     ClaimStore
	sequences SequenceReader
	contacts  ContactDirectory
	renderer  Renderer
	sender    sending.Sender
	locks     *distlock.Provider
	cfg       ExecutorConfig
	workerID  string
	tracer    trace.Tracer
	now       func() time.Time

	// Stats
	totalProcessed int64
	totalSent      int64
	totalErrors    int64
	lastSweepAt    atomic.Value // time.Time

	// Control
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewSequenceExecutor creates a scheduler. locks may be nil, in which
// case process-local locks are used.
func NewSequenceExecutor(store ClaimStore, sequences SequenceReader, contacts ContactDirectory,
	renderer Renderer, sender sending.Sender, locks *distlock.Provider, cfg ExecutorConfig) *SequenceExecutor {
	return &SequenceExecutor{
		store:     store,
		sequences: sequences,
		contacts:  contacts,
		renderer:  renderer,
		sender:    sender,
		locks:     locks,
		cfg:       cfg.withDefaults(),
		workerID:  fmt.Sprintf("sequences-%s", uuid.New().String()[:8]),
		tracer:    otel.Tracer("github.com/ignite/sequence-engine/internal/worker"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (se *SequenceExecutor) SetClock(now func() time.Time) { se.now = now }

// Start schedules the sweep. Overlapping runs are skipped.
func (se *SequenceExecutor) Start() error {
	se.mu.Lock()
	defer se.mu.Unlock()
	if se.running {
		return nil
	}
	se.ctx, se.cancel = context.WithCancel(context.Background())

	clog := cronLogger{}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc(se.cfg.Schedule, se.runSweep); err != nil {
		se.cancel()
		return fmt.Errorf("schedule %q: %w", se.cfg.Schedule, err)
	}
	se.cron = c
	se.running = true
	c.Start()

	logger.Info("sequence executor started", "worker_id", se.workerID, "schedule", se.cfg.Schedule,
		"batch_size", se.cfg.BatchSize, "concurrency", se.cfg.Concurrency, "lock_backend", se.locks.Backend())
	return nil
}

// Stop gracefully stops the executor with a timeout.
func (se *SequenceExecutor) Stop() {
	se.mu.Lock()
	if !se.running {
		se.mu.Unlock()
		return
	}
	se.running = false
	cronDone := se.cron.Stop()
	se.cancel()
	se.mu.Unlock()

	logger.Info("sequence executor stopping", "worker_id", se.workerID)

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		se.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("sequence executor shutdown timeout", "worker_id", se.workerID)
	}

	logger.Info("sequence executor stopped", "worker_id", se.workerID,
		"processed", atomic.LoadInt64(&se.totalProcessed),
		"sent", atomic.LoadInt64(&se.totalSent),
		"errors", atomic.LoadInt64(&se.totalErrors))
}

// Stats returns lifetime counters.
func (se *SequenceExecutor) Stats() ExecutorStats {
	se.mu.RLock()
	running := se.running
	se.mu.RUnlock()
	last, _ := se.lastSweepAt.Load().(time.Time)
	return ExecutorStats{
		WorkerID:       se.workerID,
		Running:        running,
		LastSweepAt:    last,
		TotalProcessed: atomic.LoadInt64(&se.totalProcessed),
		TotalSent:      atomic.LoadInt64(&se.totalSent),
		TotalErrors:    atomic.LoadInt64(&se.totalErrors),
	}
}

func (se *SequenceExecutor) runSweep() {
	se.wg.Add(1)
	defer se.wg.Done()
	if _, err := se.Sweep(se.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweep failed", "worker_id", se.workerID, "error", err)
	}
}

// Sweep claims and processes due enrollments in batches until a batch
// comes back short. Failures of single enrollments are logged and counted,
// never returned.
func (se *SequenceExecutor) Sweep(ctx context.Context) (SweepStats, error) {
	ctx, span := se.tracer.Start(ctx, "sequences.sweep",
		trace.WithAttributes(attribute.String("worker.id", se.workerID)))
	defer span.End()

	se.lastSweepAt.Store(se.now())
	stats := SweepStats{Results: make(map[stepResult]int)}
	var mu sync.Mutex

	for ctx.Err() == nil {
		claims, err := se.store.ClaimDue(ctx, se.now().UTC(), se.cfg.Lease, se.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return stats, fmt.Errorf("claim due enrollments: %w", err)
		}
		stats.Claimed += len(claims)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(se.cfg.Concurrency)
		for _, claim := range claims {
			claim := claim
			g.Go(func() error {
				res, err := se.processClaim(gctx, claim)
				atomic.AddInt64(&se.totalProcessed, 1)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					stats.Errors++
					atomic.AddInt64(&se.totalErrors, 1)
					logger.Error("enrollment step failed", "enrollment_id", claim.Enrollment.ID,
						"sequence_id", claim.Enrollment.SequenceID, "step", claim.Enrollment.CurrentStep, "error", err)
					return nil
				}
				stats.Results[res]++
				if res == resultSent {
					atomic.AddInt64(&se.totalSent, 1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(claims) < se.cfg.BatchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("sweep.claimed", stats.Claimed), attribute.Int("sweep.errors", stats.Errors))
	if stats.Claimed > 0 {
		logger.Info("sweep complete", "worker_id", se.workerID, "claimed", stats.Claimed,
			"sent", stats.Results[resultSent], "errors", stats.Errors)
	}
	return stats, ctx.Err()
}

// processClaim runs one step of one enrollment: send window, condition,
// render, dispatch, advance. Errors leave the claim to expire so the step
// is retried after the lease.
func (se *SequenceExecutor) processClaim(ctx context.Context, claim domain.Claim) (res stepResult, err error) {
	e := claim.Enrollment
	ctx, span := se.tracer.Start(ctx, "sequences.dispatch", trace.WithAttributes(
		attribute.String("enrollment.id", e.ID),
		attribute.String("sequence.id", e.SequenceID),
		attribute.Int("step.order", e.CurrentStep),
	))
	defer func() {
		span.SetAttributes(attribute.String("step.result", string(res)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	seq, err := se.sequences.Get(ctx, e.SequenceID)
	if err != nil {
		return "", fmt.Errorf("load sequence: %w", err)
	}
	now := se.now().UTC()

	step, ok := seq.StepAt(e.CurrentStep)
	if !ok {
		// Steps were removed while the sequence was paused.
		return se.commit(ctx, claim, se.advance(&e, seq, now, nil), resultCompleted)
	}

	if step.Window != nil {
		local := now.In(seq.Location())
		if !step.Window.Contains(local) {
			next := step.Window.NextOpen(local).UTC()
			t := domain.Transition{
				Status:      domain.EnrollmentActive,
				CurrentStep: e.CurrentStep,
				NextStepAt:  &next,
				LastStepAt:  e.LastStepAt,
			}
			return se.commit(ctx, claim, t, resultDeferred)
		}
	}

	action := automation.Evaluate(step.Condition, e.Signals, automation.EvalContext{
		Now:        now,
		LastStepAt: e.LastStepAt,
		Delay:      step.Delay(),
	})
	switch action {
	case domain.ActionStop:
		t := domain.Transition{
			Status:        domain.EnrollmentStopped,
			CurrentStep:   e.CurrentStep,
			LastStepAt:    &now,
			StoppedAt:     &now,
			StoppedReason: domain.StopReasonCondition,
			Logs:          []domain.StepLog{se.stepLog(e, step.Order, domain.OutcomeSkipped, "", "condition "+string(step.Condition.Type())+": stop", now)},
		}
		return se.commit(ctx, claim, t, resultStopped)
	case domain.ActionSkip:
		logs := []domain.StepLog{se.stepLog(e, step.Order, domain.OutcomeSkipped, "", "condition "+string(step.Condition.Type())+": skip", now)}
		return se.commit(ctx, claim, se.advance(&e, seq, now, logs), resultSkipped)
	}

	return se.dispatch(ctx, claim, seq, step, now)
}

func (se *SequenceExecutor) dispatch(ctx context.Context, claim domain.Claim, seq *domain.Sequence,
	step domain.Step, now time.Time) (stepResult, error) {
	e := claim.Enrollment

	msg, failure, err := se.buildMessage(ctx, seq, step, e)
	if err != nil {
		return "", err
	}
	if failure != "" {
		logger.Warn("step not sendable", "enrollment_id", e.ID, "sequence_id", e.SequenceID, "step", step.Order, "reason", failure)
		logs := []domain.StepLog{se.stepLog(e, step.Order, domain.OutcomeFailed, "", failure, now)}
		return se.commit(ctx, claim, se.advance(&e, seq, now, logs), resultFailed)
	}

	lock := se.locks.Lock(fmt.Sprintf("dispatch:%s:%d", e.ID, step.Order), se.cfg.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !acquired {
		return resultContended, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release dispatch lock", "enrollment_id", e.ID, "error", err)
		}
	}()

	state, err := se.store.BeginDispatch(ctx, claim, step.Order)
	if err != nil {
		return "", fmt.Errorf("begin dispatch: %w", err)
	}
	switch state {
	case domain.DispatchAborted:
		// Opted out, stopped, or re-claimed since we claimed it.
		return resultAborted, nil
	case domain.DispatchDuplicate:
		logger.Warn("step already dispatched by an earlier claim, advancing", "enrollment_id", e.ID, "step", step.Order)
		return se.commit(ctx, claim, se.advance(&e, seq, now, nil), resultDuplicate)
	}

	// From here on the send must not be interrupted by shutdown.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), se.cfg.SendTimeout)
	defer cancel()

	// Hold the lock through a slow send and the commit after it.
	if ext, ok := lock.(distlock.Extender); ok && se.cfg.SendTimeout >= se.cfg.LockTTL {
		if err := ext.Extend(sendCtx, se.cfg.SendTimeout+se.cfg.LockTTL); err != nil {
			logger.Warn("extend dispatch lock", "enrollment_id", e.ID, "step", step.Order, "error", err)
		}
	}

	var log domain.StepLog
	res, err := se.sender.Send(sendCtx, msg)
	sentAt := se.now().UTC()
	switch {
	case err != nil:
		log = se.stepLog(e, step.Order, domain.OutcomeFailed, "", "transport: "+err.Error(), sentAt)
	case !res.Accepted:
		log = se.stepLog(e, step.Order, domain.OutcomeFailed, res.MessageID, res.Reason, sentAt)
	default:
		log = se.stepLog(e, step.Order, domain.OutcomeSent, res.MessageID, "", sentAt)
	}

	result := resultSent
	if log.Outcome == domain.OutcomeFailed {
		result = resultFailed
		logger.Warn("send failed", "enrollment_id", e.ID, "sequence_id", e.SequenceID, "step", step.Order,
			"channel", step.Channel, "reason", log.Detail)
	}
	return se.commit(sendCtx, claim, se.advance(&e, seq, sentAt, []domain.StepLog{log}), result)
}

// buildMessage renders the step for the contact. A non-empty failure means
// the step can never be sent and is recorded as failed.
func (se *SequenceExecutor) buildMessage(ctx context.Context, seq *domain.Sequence, step domain.Step,
	e domain.Enrollment) (*domain.OutboundMessage, string, error) {

	contact, err := se.contacts.GetContact(ctx, e.ContactID)
	if errors.Is(err, domain.ErrContactNotFound) {
		return nil, "contact not found", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load contact: %w", err)
	}
	ws, err := se.contacts.GetWorkspace(ctx, seq.WorkspaceID)
	if errors.Is(err, domain.ErrWorkspaceNotFound) {
		ws = &domain.Workspace{ID: seq.WorkspaceID}
	} else if err != nil {
		return nil, "", fmt.Errorf("load workspace: %w", err)
	}

	to := contact.AddressFor(step.Channel)
	if to == "" {
		return nil, fmt.Sprintf("contact has no %s address", step.Channel), nil
	}
	body, err := se.renderer.Render(step.Body, contact, ws)
	if err != nil {
		return nil, "render body: " + err.Error(), nil
	}
	msg := &domain.OutboundMessage{
		EnrollmentID:   e.ID,
		SequenceID:     e.SequenceID,
		StepOrder:      step.Order,
		ContactID:      contact.ID,
		Channel:        step.Channel,
		To:             to,
		Body:           body,
		IdempotencyKey: fmt.Sprintf("%s:%d", e.ID, step.Order),
	}
	if step.Channel == domain.ChannelEmail {
		if msg.Subject, err = se.renderer.Render(step.Subject, contact, ws); err != nil {
			return nil, "render subject: " + err.Error(), nil
		}
		msg.FromName, msg.FromAddress = ws.FromName, ws.FromEmail
	} else {
		msg.FromAddress = ws.SMSFrom
	}
	return msg, "", nil
}

// advance moves past the current step: complete after the last step,
// otherwise schedule the next one after its delay.
func (se *SequenceExecutor) advance(e *domain.Enrollment, seq *domain.Sequence, now time.Time, logs []domain.StepLog) domain.Transition {
	last := now
	if e.CurrentStep >= len(seq.Steps) {
		return domain.Transition{
			Status:      domain.EnrollmentCompleted,
			CurrentStep: len(seq.Steps) + 1,
			LastStepAt:  &last,
			CompletedAt: &last,
			Logs:        logs,
		}
	}
	nextOrder := e.CurrentStep + 1
	next, _ := seq.StepAt(nextOrder)
	nextAt := now.Add(next.Delay())
	return domain.Transition{
		Status:      domain.EnrollmentActive,
		CurrentStep: nextOrder,
		NextStepAt:  &nextAt,
		LastStepAt:  &last,
		Logs:        logs,
	}
}

func (se *SequenceExecutor) commit(ctx context.Context, claim domain.Claim, t domain.Transition, res stepResult) (stepResult, error) {
	err := se.store.Commit(ctx, claim, t)
	if errors.Is(err, enrollment.ErrClaimLost) {
		logger.Info("claim lost before commit", "enrollment_id", claim.Enrollment.ID, "result", res)
		return resultLost, nil
	}
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", res, err)
	}
	return res, nil
}

func (se *SequenceExecutor) stepLog(e domain.Enrollment, order int, outcome domain.StepOutcome,
	messageID, detail string, at time.Time) domain.StepLog {
	return domain.StepLog{
		ID:           uuid.New().String(),
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepOrder:    order,
		Outcome:      outcome,
		MessageID:    messageID,
		Detail:       detail,
		At:           at,
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
