// Package capture drives the trade-processing pipeline for one message at
// a time: partition lock, rate limit, sequence validation, idempotency,
// enrichment, rules, validation, approval, position transition,
// persistence and output publication.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/dlq"
	"github.com/crossrate/tradecap/egress"
	"github.com/crossrate/tradecap/enrich"
	"github.com/crossrate/tradecap/idempotency"
	"github.com/crossrate/tradecap/jobs"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/locks"
	"github.com/crossrate/tradecap/positions"
	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/ratelimit"
	"github.com/crossrate/tradecap/refdata"
	"github.com/crossrate/tradecap/rules"
	"github.com/crossrate/tradecap/sequence"
	"github.com/crossrate/tradecap/store"
	"github.com/crossrate/tradecap/validation"
)

// Outcome classifies the result of one capture run.
type Outcome string

const (
	OutcomeSuccess         Outcome = "SUCCESS"
	OutcomeDuplicate       Outcome = "DUPLICATE"
	OutcomeBuffered        Outcome = "BUFFERED"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeFailed          Outcome = "FAILED"
)

// Error codes carried on non-SUCCESS results.
const (
	CodeLockAcquisitionFailed    = "LOCK_ACQUISITION_FAILED"
	CodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	CodeSequenceValidationFailed = "SEQUENCE_VALIDATION_FAILED"
	CodeValidationFailed         = "VALIDATION_FAILED"
	CodeWorkflowRejected         = "WORKFLOW_REJECTED"
	CodeProcessingError          = "PROCESSING_ERROR"
)

// ErrorDetail describes why a capture did not succeed.
type ErrorDetail struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// Result is the terminal state of one capture run.
type Result struct {
	Outcome Outcome
	// Blotter is set on SUCCESS, DUPLICATE (when the original completed),
	// REJECTED and PENDING_APPROVAL.
	Blotter *protocol.SwapBlotter
	// Error is set on REJECTED and FAILED.
	Error *ErrorDetail
}

var (
	capturesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_captures_total",
		Help: "Capture runs by outcome.",
	}, []string{"outcome"})
	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecap_capture_duration_seconds",
		Help:    "Wall time of capture runs.",
		Buckets: prometheus.ExponentialBuckets(0.001, 3, 10),
	})
)

// Config tunes the orchestrator.
type Config struct {
	// LockHold is the TTL requested for the partition lock.
	LockHold time.Duration
	// LockWait bounds lock acquisition.
	LockWait time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{LockHold: 30 * time.Second, LockWait: 10 * time.Second}

// Service orchestrates the pipeline.
type Service struct {
	locks       *locks.Service
	limiter     *ratelimit.Limiter
	sequence    *sequence.Validator
	idempotency *idempotency.Service
	enricher    *enrich.Service
	engine      *rules.Engine
	approver    refdata.Approver
	positions   *positions.Service
	store       *store.Store
	egress      *egress.Publisher
	dlq         *dlq.Publisher
	jobs        *jobs.Service
	cfg         Config
	now         func() time.Time
}

// NewService assembles the orchestrator. |jobSvc| may be nil when no API
// surface feeds this consumer. The service registers itself as the
// sequence validator's drain processor.
func NewService(
	lockSvc *locks.Service,
	limiter *ratelimit.Limiter,
	seqValidator *sequence.Validator,
	idemSvc *idempotency.Service,
	enricher *enrich.Service,
	engine *rules.Engine,
	approver refdata.Approver,
	positionSvc *positions.Service,
	st *store.Store,
	egressPub *egress.Publisher,
	dlqPub *dlq.Publisher,
	jobSvc *jobs.Service,
	cfg Config,
) *Service {
	if cfg.LockHold <= 0 {
		cfg.LockHold = DefaultConfig.LockHold
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultConfig.LockWait
	}
	var svc = &Service{
		locks:       lockSvc,
		limiter:     limiter,
		sequence:    seqValidator,
		idempotency: idemSvc,
		enricher:    enricher,
		engine:      engine,
		approver:    approver,
		positions:   positionSvc,
		store:       st,
		egress:      egressPub,
		dlq:         dlqPub,
		jobs:        jobSvc,
		cfg:         cfg,
		now:         time.Now,
	}
	seqValidator.SetProcessor(svc)
	return svc
}

// Process implements sequence.Processor for buffered-message drains.
func (s *Service) Process(ctx context.Context, msg *protocol.TradeCaptureMessage) error {
	var result = s.Capture(ctx, msg)
	if result.Outcome == OutcomeFailed {
		return fmt.Errorf("%s: %s", result.Error.Code, result.Error.Message)
	}
	return nil
}

// Capture runs the full pipeline for |msg| and returns exactly one
// terminal Result. The partition lock, when acquired, is always released.
func (s *Service) Capture(ctx context.Context, msg *protocol.TradeCaptureMessage) *Result {
	var started = s.now()
	var partitionKey = msg.EffectivePartitionKey()
	var logger = log.WithFields(log.Fields{
		"trade":     msg.TradeID,
		"partition": partitionKey,
	})
	var jobID = msg.Metadata[labels.JobID]
	s.updateJob(ctx, jobID, jobs.StatusProcessing, 10, "capture started")

	var result = s.capture(ctx, logger, msg, partitionKey)

	// Drain contiguous buffered successors once the partition lock is
	// released; the drained runs re-acquire it.
	if result.Outcome == OutcomeSuccess && msg.SequenceNumber != 0 {
		s.sequence.OnProcessed(ctx, partitionKey, int64(msg.SequenceNumber))
	}

	capturesCounter.WithLabelValues(string(result.Outcome)).Inc()
	captureDuration.Observe(s.now().Sub(started).Seconds())
	if result.Outcome == OutcomeSuccess {
		result.Blotter.ProcessingMetadata.ProcessingTimeMs = s.now().Sub(started).Milliseconds()
	}

	switch result.Outcome {
	case OutcomeSuccess:
		s.completeJob(ctx, jobID, result.Blotter.TradeID)
		logger.WithField("tookMs", s.now().Sub(started).Milliseconds()).Info("captured trade")
	case OutcomeDuplicate, OutcomeBuffered:
		logger.WithField("outcome", result.Outcome).Info("capture short-circuited")
	case OutcomePendingApproval:
		s.updateJob(ctx, jobID, jobs.StatusProcessing, 90, "trade awaits approval")
		logger.Info("capture awaits workflow approval")
	default:
		s.failJob(ctx, jobID, result.Error.Message)
		logger.WithFields(log.Fields{
			"outcome": result.Outcome,
			"code":    result.Error.Code,
			"reason":  result.Error.Message,
		}).Warn("capture did not succeed")
	}
	return result
}

func (s *Service) capture(ctx context.Context, logger *log.Entry, msg *protocol.TradeCaptureMessage, partitionKey string) *Result {
	// Serialise the partition across instances before anything else.
	var lock, err = s.locks.Acquire(ctx, partitionKey, s.cfg.LockHold, s.cfg.LockWait)
	if errors.Is(err, locks.ErrAcquisitionTimeout) {
		return s.failure(CodeLockAcquisitionFailed, "partition lock is held elsewhere")
	} else if err != nil {
		return s.failure(CodeProcessingError, fmt.Sprintf("acquiring partition lock: %v", err))
	}
	defer lock.Release(ctx)

	if !s.limiter.Allow(ctx, partitionKey) {
		return s.failure(CodeRateLimitExceeded, "rate limit exceeded for partition")
	}

	var disposition sequence.Disposition
	if disposition, err = s.sequence.Check(ctx, msg); err != nil {
		return s.failure(CodeProcessingError, fmt.Sprintf("validating sequence: %v", err))
	}
	switch disposition {
	case sequence.DispositionBuffered:
		return &Result{Outcome: OutcomeBuffered}
	case sequence.DispositionTooOld, sequence.DispositionGapTooLarge:
		s.deadLetter(ctx, msg, partitionKey, disposition.String())
		return &Result{Outcome: OutcomeRejected, Error: &ErrorDetail{
			Code:      CodeSequenceValidationFailed,
			Message:   fmt.Sprintf("sequence %d rejected: %s", msg.SequenceNumber, disposition),
			Timestamp: s.now(),
		}}
	}

	var claim, existing, idemErr = s.idempotency.Begin(ctx, msg)
	if idemErr != nil {
		return s.failure(CodeProcessingError, fmt.Sprintf("checking idempotency: %v", idemErr))
	}
	if claim == nil {
		return s.duplicate(ctx, logger, existing)
	}

	var blotter, failResult = s.process(ctx, msg, partitionKey, claim)
	if failResult != nil {
		return failResult
	}
	return &Result{Outcome: OutcomeSuccess, Blotter: blotter}
}

// process runs the pipeline phases which hold a live idempotency claim.
// Every non-nil Result return has already settled the claim.
func (s *Service) process(ctx context.Context, msg *protocol.TradeCaptureMessage, partitionKey string, claim *idempotency.Claim) (*protocol.SwapBlotter, *Result) {
	var enrichmentStatus, enriched = s.enricher.Enrich(ctx, msg)
	var blotter = s.buildBlotter(msg, partitionKey, enrichmentStatus, enriched)

	var applied, err = s.engine.Evaluate(ctx, tradeData(msg, blotter, enriched), blotter)
	if err != nil {
		return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("evaluating rules: %v", err))
	}
	blotter.ProcessingMetadata.RulesApplied = applied

	if err = validation.Validate(msg, s.now()); err != nil {
		return nil, s.fail(ctx, claim, CodeValidationFailed, err.Error())
	}
	if err = validation.ValidateResolution(msg, enriched.Account != nil); err != nil {
		return nil, s.fail(ctx, claim, CodeValidationFailed, err.Error())
	}

	if blotter.WorkflowStatus == protocol.WorkflowPendingApproval {
		var status, submitErr = s.approver.Submit(ctx, blotter)
		if submitErr != nil {
			return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("submitting for approval: %v", submitErr))
		}
		blotter.WorkflowStatus = status
		switch status {
		case protocol.WorkflowRejected:
			s.settle(ctx, claim)
			return nil, &Result{Outcome: OutcomeRejected, Blotter: blotter, Error: &ErrorDetail{
				Code:      CodeWorkflowRejected,
				Message:   "approval workflow rejected the trade",
				Timestamp: s.now(),
			}}
		case protocol.WorkflowPendingApproval:
			// Still pending: release the claim so a later resubmission
			// can complete the capture.
			s.settle(ctx, claim)
			return nil, &Result{Outcome: OutcomePendingApproval, Blotter: blotter}
		}
	}

	var current, exists, posErr = s.positions.Current(ctx, partitionKey)
	if posErr != nil {
		return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("reading position state: %v", posErr))
	}
	var next = positions.Next(current, exists)
	if _, err = s.positions.Transition(ctx, partitionKey, next); err != nil {
		return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("transitioning position state: %v", err))
	}
	blotter.State = next

	if err = s.store.UpsertSwapBlotter(ctx, blotter); err != nil {
		return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("persisting blotter: %v", err))
	}

	// The watermark advances only over a durable blotter: a failed persist
	// must leave the sequence claimable by the redelivery.
	if msg.SequenceNumber != 0 {
		if _, err = s.positions.CommitSequence(ctx, partitionKey, int64(msg.SequenceNumber)); err != nil {
			return nil, s.fail(ctx, claim, CodeProcessingError, fmt.Sprintf("committing sequence watermark: %v", err))
		}
	}

	if err = claim.Complete(ctx, blotter.TradeID); err != nil {
		return nil, s.failClosed(CodeProcessingError, fmt.Sprintf("completing idempotency: %v", err))
	}

	if err = s.egress.Publish(ctx, blotter, msg.Metadata["callbackUrl"]); err != nil {
		// The blotter is durable and the idempotency record COMPLETED:
		// a replay returns DUPLICATE with the persisted blotter, so the
		// publish failure aborts this run without unwinding it.
		return nil, s.failClosed(CodeProcessingError, fmt.Sprintf("publishing blotter: %v", err))
	}
	return blotter, nil
}

// buildBlotter derives the initial SwapBlotter of |msg|.
func (s *Service) buildBlotter(msg *protocol.TradeCaptureMessage, partitionKey string, status protocol.EnrichmentStatus, enriched *enrich.Enriched) *protocol.SwapBlotter {
	var blotter = &protocol.SwapBlotter{
		TradeID:          msg.TradeID,
		PartitionKey:     partitionKey,
		TradeLots:        msg.TradeLots,
		Contract:         protocol.Contract{ContractID: "CTR-" + msg.TradeID},
		EnrichmentStatus: status,
		WorkflowStatus:   protocol.WorkflowPendingApproval,
		ProcessingMetadata: protocol.ProcessingMetadata{
			ProcessedAt: s.now().UTC(),
		},
	}
	if enriched.Security != nil {
		blotter.Contract.SecurityName = enriched.Security.SecurityName
		blotter.Contract.SecurityType = enriched.Security.SecurityType
		blotter.Contract.Currency = enriched.Security.Currency
		blotter.ProcessingMetadata.Sources = append(blotter.ProcessingMetadata.Sources, "security-master")
	}
	if enriched.Account != nil {
		blotter.Contract.AccountName = enriched.Account.AccountName
		blotter.Contract.BookName = enriched.Account.BookName
		blotter.ProcessingMetadata.Sources = append(blotter.ProcessingMetadata.Sources, "account-master")
	}
	return blotter
}

// tradeData is the merged map rules evaluate dotted field paths over.
func tradeData(msg *protocol.TradeCaptureMessage, blotter *protocol.SwapBlotter, enriched *enrich.Enriched) map[string]any {
	var data = map[string]any{
		"tradeId":          msg.TradeID,
		"accountId":        msg.AccountID,
		"bookId":           msg.BookID,
		"securityId":       msg.SecurityID,
		"source":           string(msg.Source),
		"tradeDate":        msg.TradeDate,
		"partitionKey":     blotter.PartitionKey,
		"enrichmentStatus": string(blotter.EnrichmentStatus),
	}
	if len(msg.Metadata) != 0 {
		var meta = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		data["metadata"] = meta
	}
	if msg.ManualEntry != nil {
		data["manualEntry"] = map[string]any{"enteredBy": msg.ManualEntry.EnteredBy}
	}
	if enriched.Security != nil {
		data["security"] = map[string]any{
			"name":     enriched.Security.SecurityName,
			"type":     enriched.Security.SecurityType,
			"currency": enriched.Security.Currency,
		}
	}
	if enriched.Account != nil {
		data["account"] = map[string]any{
			"name": enriched.Account.AccountName,
			"book": enriched.Account.BookName,
		}
	}
	var quantity, notional float64
	for _, lot := range msg.TradeLots {
		for _, pq := range lot.PriceQuantities {
			quantity += pq.Quantity
			notional += pq.Quantity * pq.Price
		}
	}
	data["quantity"] = quantity
	data["notional"] = notional
	return data
}

// duplicate resolves a DUPLICATE outcome, replaying the persisted blotter
// when the original run completed.
func (s *Service) duplicate(ctx context.Context, logger *log.Entry, rec *store.IdempotencyRecord) *Result {
	var result = &Result{Outcome: OutcomeDuplicate}
	if rec.Status == store.IdempotencyCompleted && rec.SwapBlotterRef != "" {
		var blotter, err = s.store.FindSwapBlotterByTradeID(ctx, rec.SwapBlotterRef)
		if err != nil {
			logger.WithFields(log.Fields{
				"ref": rec.SwapBlotterRef,
				"err": err,
			}).Warn("failed to replay blotter of duplicate submission")
		} else {
			result.Blotter = blotter
		}
	}
	return result
}

func (s *Service) deadLetter(ctx context.Context, msg *protocol.TradeCaptureMessage, partitionKey, reason string) {
	var payload, err = msg.Marshal()
	if err != nil {
		log.WithFields(log.Fields{"trade": msg.TradeID, "err": err}).
			Error("cannot marshal message for DLQ")
		return
	}
	s.dlq.Publish(ctx, partitionKey, payload, map[string]string{
		labels.TradeID:      msg.TradeID,
		labels.PartitionKey: partitionKey,
	}, reason, fmt.Errorf("sequence %d against partition watermark", msg.SequenceNumber))
}

// settle marks |claim| FAILED so a later resubmission may reclaim the key.
func (s *Service) settle(ctx context.Context, claim *idempotency.Claim) {
	if err := claim.Fail(ctx); err != nil {
		log.WithField("err", err).Warn("failed to mark idempotency record FAILED")
	}
}

// fail settles |claim| as FAILED and returns a FAILED result.
func (s *Service) fail(ctx context.Context, claim *idempotency.Claim, code, message string) *Result {
	s.settle(ctx, claim)
	return s.failure(code, message)
}

// failClosed returns FAILED without touching the idempotency record, for
// phases past its COMPLETED mark.
func (s *Service) failClosed(code, message string) *Result {
	return s.failure(code, message)
}

func (s *Service) failure(code, message string) *Result {
	return &Result{Outcome: OutcomeFailed, Error: &ErrorDetail{
		Code:      code,
		Message:   message,
		Timestamp: s.now(),
	}}
}

func (s *Service) updateJob(ctx context.Context, jobID string, status jobs.Status, progress int, message string) {
	if s.jobs == nil || jobID == "" {
		return
	}
	if _, err := s.jobs.Update(ctx, jobID, status, progress, message); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		log.WithFields(log.Fields{"job": jobID, "err": err}).Warn("failed to update job status")
	}
}

func (s *Service) completeJob(ctx context.Context, jobID, blotterRef string) {
	if s.jobs == nil || jobID == "" {
		return
	}
	if _, err := s.jobs.Complete(ctx, jobID, blotterRef); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		log.WithFields(log.Fields{"job": jobID, "err": err}).Warn("failed to complete job")
	}
}

func (s *Service) failJob(ctx context.Context, jobID, message string) {
	if s.jobs == nil || jobID == "" {
		return
	}
	if _, err := s.jobs.Fail(ctx, jobID, message); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		log.WithFields(log.Fields{"job": jobID, "err": err}).Warn("failed to fail job")
	}
}
