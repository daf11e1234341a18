package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/guardchain/internal/idgen"
	"github.com/mbd888/guardchain/internal/metrics"
	"github.com/mbd888/guardchain/internal/stream"
)

// Severity thresholds on the risk score.
const (
	HighThreshold     = 0.7
	CriticalThreshold = 0.9
)

// SeverityFor maps a risk score to an alert severity. The second return
// is false when the score does not warrant an alert.
func SeverityFor(score float64) (Severity, bool) {
	switch {
	case score > CriticalThreshold:
		return SeverityCritical, true
	case score > HighThreshold:
		return SeverityHigh, true
	}
	return "", false
}

// Generator turns high-risk scored transactions into alerts. It is
// stateless across restarts: idempotence per transaction id comes from
// the store's uniqueness guard, not from generator state.
type Generator struct {
	store  Store
	sink   stream.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator creates an alert generator publishing to sink.
func NewGenerator(store Store, sink stream.Sink, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, sink: sink, logger: logger, now: time.Now}
}

// Process evaluates one scored transaction and, when the score crosses
// the HIGH threshold, persists and publishes a single alert for it.
// Processing the same transaction twice never produces two alerts. The
// returned alert is nil when no alert was warranted or one already
// existed.
func (g *Generator) Process(ctx context.Context, tx *Transaction) *Alert {
	severity, ok := SeverityFor(tx.RiskScore)
	if !ok {
		return nil
	}

	// Local guard; the store's uniqueness constraint backs it up under
	// concurrent retries.
	exists, err := g.store.AlertExistsForTransaction(ctx, tx.ID)
	if err != nil {
		g.logger.Warn("alert existence check failed, relying on store constraint",
			"transaction_id", tx.ID, "error", err)
	} else if exists {
		return nil
	}

	alert := &Alert{
		ID:            idgen.WithPrefix("alrt_"),
		TransactionID: tx.ID,
		Severity:      severity,
		RiskScore:     tx.RiskScore,
		Title:         alertTitle(severity),
		Description: fmt.Sprintf("High-risk %s transaction of %.2f detected (score: %.0f%%)",
			tx.Currency, tx.Amount, tx.RiskScore*100),
		Status:     AlertPending,
		DetectedAt: g.now(),
	}

	if err := g.store.SaveAlert(ctx, alert); err != nil {
		if errors.Is(err, ErrDuplicateAlert) {
			// Another ingestion of the same transaction won the race.
			return nil
		}
		// Persistence trouble must not halt the real-time path.
		g.logger.Error("failed to persist alert", "alert_id", alert.ID,
			"transaction_id", tx.ID, "error", err)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		g.logger.Error("failed to encode alert", "alert_id", alert.ID, "error", err)
		return alert
	}

	// Keyed by transaction id so viewers see the transaction before its
	// alert. The transaction publish was acknowledged before Process ran.
	g.sink.Publish(ctx, stream.TopicAlerts, tx.ID, payload)

	metrics.AlertsGenerated.WithLabelValues(string(alert.Severity)).Inc()
	g.logger.Info("fraud alert generated",
		"alert_id", alert.ID,
		"transaction_id", tx.ID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore,
	)

	return alert
}

func alertTitle(severity Severity) string {
	if severity == SeverityCritical {
		return "Critical Risk Transaction Detected"
	}
	return "High Risk Transaction Detected"
}
