package fraud

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mbd888/guardchain/internal/metrics"
	"github.com/mbd888/guardchain/internal/risk"
	"github.com/mbd888/guardchain/internal/stream"
	"github.com/mbd888/guardchain/internal/traces"
)

// Input is an incoming transaction event before validation and scoring.
type Input struct {
	ID          string            `json:"id" binding:"required"`
	Amount      float64           `json:"amount"`
	Currency    string            `json:"currency"`
	FromAccount string            `json:"fromAccount"`
	ToAccount   string            `json:"toAccount"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata"`
}

// Service is the ingestion boundary. Many ingestion calls run
// concurrently; the event stream decouples them from delivery.
type Service struct {
	store     Store
	scorer    *risk.Scorer
	sink      stream.Sink
	generator *Generator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the ingestion service.
func NewService(store Store, scorer *risk.Scorer, sink stream.Sink, generator *Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		scorer:    scorer,
		sink:      sink,
		generator: generator,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest validates, scores, persists, and publishes one transaction,
// then runs alert generation for it.
//
// Validation failures return a *ValidationError and nothing enters the
// pipeline. A duplicate id returns ErrDuplicateTransaction. Persistence
// failures after that are logged and the real-time path continues:
// viewers should see the transaction even when the durable store is
// having a bad day.
func (s *Service) Ingest(ctx context.Context, in Input) (*Transaction, error) {
	if verr := validate(in); verr != nil {
		metrics.TransactionsRejected.Inc()
		return nil, verr
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	ctx, span := traces.StartSpan(ctx, "fraud.Ingest", traces.TransactionID(in.ID), traces.Amount(in.Amount))
	defer span.End()

	// Scored exactly once; the score is immutable from here on.
	score := s.scorer.Score(in.Amount, ts)
	span.SetAttributes(traces.Score(score))
	metrics.RiskScore.Observe(score)

	status := StatusCompleted
	if score > HighThreshold {
		status = StatusPending
	}

	tx := &Transaction{
		ID:          in.ID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		FromAccount: in.FromAccount,
		ToAccount:   in.ToAccount,
		Description: in.Description,
		Status:      status,
		RiskScore:   score,
		Timestamp:   ts,
		Metadata:    in.Metadata,
	}

	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		if err == ErrDuplicateTransaction {
			return nil, err
		}
		s.logger.Error("failed to persist transaction", "transaction_id", tx.ID, "error", err)
	}

	s.publish(ctx, tx)

	// Alert evaluation happens only after the transaction publish
	// returned, so every viewer sees the transaction first.
	s.generator.Process(ctx, tx)

	metrics.TransactionsIngested.WithLabelValues(string(tx.Status)).Inc()
	return tx, nil
}

// UpdateStatus flips a transaction's lifecycle status on behalf of an
// operator action and republishes it so viewers stay consistent.
func (s *Service) UpdateStatus(ctx context.Context, id string, status TransactionStatus) (*Transaction, error) {
	if !ValidStatus(status) {
		return nil, &ValidationError{Fields: []FieldError{{Field: "status", Message: "unknown status"}}}
	}

	tx, err := s.store.UpdateTransactionStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, tx)
	return tx, nil
}

// RecentTransactions is the pull-based snapshot read viewers use to
// catch up after a gap.
func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.store.ListRecentTransactions(ctx, limit)
}

// RecentAlerts is the alert-side snapshot read.
func (s *Service) RecentAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	return s.store.ListRecentAlerts(ctx, limit)
}

func (s *Service) publish(ctx context.Context, tx *Transaction) {
	payload, err := json.Marshal(tx)
	if err != nil {
		s.logger.Error("failed to encode transaction", "transaction_id", tx.ID, "error", err)
		return
	}
	s.sink.Publish(ctx, stream.TopicTransactions, tx.ID, payload)
}

func validate(in Input) *ValidationError {
	var fields []FieldError

	if in.ID == "" {
		fields = append(fields, FieldError{Field: "id", Message: "required"})
	}
	if in.Amount <= 0 {
		fields = append(fields, FieldError{Field: "amount", Message: "must be positive"})
	}
	if in.Currency == "" {
		fields = append(fields, FieldError{Field: "currency", Message: "required"})
	}
	if in.FromAccount == "" {
		fields = append(fields, FieldError{Field: "fromAccount", Message: "required"})
	}
	if in.ToAccount == "" {
		fields = append(fields, FieldError{Field: "toAccount", Message: "required"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
