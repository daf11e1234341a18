// Package reconcile maintains a dashboard-side view of the event
// stream: recent transactions, open alerts, and aggregate analytics.
//
// The reducer is pure. Applying the same envelopes in the same order
// always yields the same state, so a client that replays a snapshot
// plus the live tail converges with one that watched the whole stream.
package reconcile

import (
	"encoding/json"

	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/realtime"
)

// RecentActivityLimit caps the rolling activity feed.
const RecentActivityLimit = 10

// Risk bucket boundaries for the analytics distribution.
const (
	mediumRiskThreshold = 0.4
	highRiskThreshold   = 0.7
)

// RiskDistribution counts transactions per risk bucket.
type RiskDistribution struct {
	Low    int `json:"low"`    // score < 0.4
	Medium int `json:"medium"` // 0.4 <= score < 0.7
	High   int `json:"high"`   // score >= 0.7
}

// Analytics aggregates everything seen since the state was built.
type Analytics struct {
	TotalTransactions int              `json:"totalTransactions"`
	TotalAmount       float64          `json:"totalAmount"`
	TotalAlerts       int              `json:"totalAlerts"`
	RiskDistribution  RiskDistribution `json:"riskDistribution"`
}

// State is the materialized view. Values returned by Apply share no
// mutable structure with their inputs.
type State struct {
	RecentActivity []fraud.Transaction `json:"recentActivity"` // newest first
	Alerts         []fraud.Alert       `json:"alerts"`         // newest first
	Analytics      Analytics           `json:"analytics"`

	txStatus map[string]fraud.TransactionStatus // id -> last status seen
	alertIDs map[string]bool
}

// NewState returns an empty state.
func NewState() State {
	return State{
		txStatus: map[string]fraud.TransactionStatus{},
		alertIDs: map[string]bool{},
	}
}

// Seen reports whether a transaction id has been applied.
func (s State) Seen(txID string) bool {
	_, ok := s.txStatus[txID]
	return ok
}

func (s State) clone() State {
	out := s
	out.RecentActivity = append([]fraud.Transaction(nil), s.RecentActivity...)
	out.Alerts = append([]fraud.Alert(nil), s.Alerts...)
	out.txStatus = make(map[string]fraud.TransactionStatus, len(s.txStatus))
	for k, v := range s.txStatus {
		out.txStatus[k] = v
	}
	out.alertIDs = make(map[string]bool, len(s.alertIDs))
	for k := range s.alertIDs {
		out.alertIDs[k] = true
	}
	return out
}

// Apply folds one envelope into the state and returns the next state.
// Unknown envelope types and undecodable payloads leave the state
// untouched; the stream keeps flowing regardless of one bad frame.
func Apply(s State, env realtime.Envelope) State {
	switch env.Type {
	case "transaction":
		var tx fraud.Transaction
		if err := json.Unmarshal(env.Data, &tx); err != nil || tx.ID == "" {
			return s
		}
		return applyTransaction(s, tx)
	case "alert":
		var alert fraud.Alert
		if err := json.Unmarshal(env.Data, &alert); err != nil || alert.ID == "" {
			return s
		}
		return applyAlert(s, alert)
	default:
		return s
	}
}

func applyTransaction(s State, tx fraud.Transaction) State {
	out := s.clone()

	if _, seen := out.txStatus[tx.ID]; seen {
		// A republished transaction is a status change, not a new
		// event; aggregates stay put.
		out.txStatus[tx.ID] = tx.Status
		for i := range out.RecentActivity {
			if out.RecentActivity[i].ID == tx.ID {
				out.RecentActivity[i] = tx
				break
			}
		}
		return out
	}

	out.txStatus[tx.ID] = tx.Status
	out.RecentActivity = append([]fraud.Transaction{tx}, out.RecentActivity...)
	if len(out.RecentActivity) > RecentActivityLimit {
		out.RecentActivity = out.RecentActivity[:RecentActivityLimit]
	}

	out.Analytics.TotalTransactions++
	out.Analytics.TotalAmount += tx.Amount
	switch {
	case tx.RiskScore >= highRiskThreshold:
		out.Analytics.RiskDistribution.High++
	case tx.RiskScore >= mediumRiskThreshold:
		out.Analytics.RiskDistribution.Medium++
	default:
		out.Analytics.RiskDistribution.Low++
	}
	return out
}

func applyAlert(s State, alert fraud.Alert) State {
	if s.alertIDs[alert.ID] {
		return s
	}
	out := s.clone()
	out.alertIDs[alert.ID] = true
	out.Alerts = append([]fraud.Alert{alert}, out.Alerts...)
	out.Analytics.TotalAlerts++
	return out
}
