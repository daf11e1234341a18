// Package fraud implements the real-time fraud detection core: scored
// transaction ingestion, threshold-triggered alert generation, and the
// persistence boundary both lean on.
//
// The package owns the wire-level model. A transaction's risk score is
// computed exactly once at ingestion and never recomputed; an alert is
// created exactly when the score crosses the HIGH threshold, and never
// twice for the same transaction.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transaction lifecycle statuses.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusBlocked   TransactionStatus = "BLOCKED"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s TransactionStatus) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Transaction is a monitored financial transaction.
type Transaction struct {
	ID          string            `json:"id"`
	Amount      float64           `json:"amount"`
	Currency    string            `json:"currency"`
	FromAccount string            `json:"fromAccount"`
	ToAccount   string            `json:"toAccount"`
	Description string            `json:"description,omitempty"`
	Status      TransactionStatus `json:"status"`
	RiskScore   float64           `json:"riskScore"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Alert severities.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert investigation statuses. Mutated only by investigation workflows
// outside this package.
type AlertStatus string

const (
	AlertPending       AlertStatus = "PENDING"
	AlertAssigned      AlertStatus = "ASSIGNED"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// Alert is a fraud alert raised for a single transaction.
type Alert struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	Severity      Severity    `json:"severity"`
	RiskScore     float64     `json:"riskScore"`
	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	Status        AlertStatus `json:"status"`
	DetectedAt    time.Time   `json:"detectedAt"`
}

// Errors
var (
	// ErrNotFound is returned when a transaction or alert does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTransaction is returned when a transaction id was
	// already ingested.
	ErrDuplicateTransaction = errors.New("transaction already exists")
	// ErrDuplicateAlert is returned by stores when an alert already
	// exists for the transaction. The generator treats it as a no-op.
	ErrDuplicateAlert = errors.New("alert already exists for transaction")
)

// Store is the persistence collaborator. Failures saving are logged by
// callers, never fatal to the real-time path; the alert uniqueness
// constraint is what makes the generator idempotent across restarts.
type Store interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus) (*Transaction, error)
	ListRecentTransactions(ctx context.Context, limit int) ([]*Transaction, error)

	SaveAlert(ctx context.Context, alert *Alert) error
	AlertExistsForTransaction(ctx context.Context, txID string) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]*Alert, error)
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects malformed transaction input before it enters
// the pipeline.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "invalid transaction: " + strings.Join(parts, "; ")
}
