// Package simulator generates a stream of plausible transactions for
// demos and load exercises. It drives the same ingestion path real
// traffic uses.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/idgen"
)

var (
	currencies = []string{"USD", "USD", "USD", "EUR", "GBP"}
	channels   = []string{"web", "mobile", "pos", "atm", "wire"}
	locations  = []string{"New York", "London", "Singapore", "Lagos", "São Paulo", "Frankfurt", "Dubai"}
	merchants  = []string{
		"Northwind Traders", "Acme Imports", "Blue Harbor Travel",
		"Quick Mart 24/7", "Apex Electronics", "Sterling Jewelers",
	}
)

// Simulator periodically ingests a synthetic transaction.
type Simulator struct {
	service     *fraud.Service
	logger      *slog.Logger
	minInterval time.Duration
	maxInterval time.Duration
	accounts    []string
	produced    int
}

// New creates a simulator with the default cadence of one transaction
// every 0.8 to 2 seconds.
func New(service *fraud.Service, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	accounts := make([]string, 40)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("ACC-%04d", 1000+i)
	}
	return &Simulator{
		service:     service,
		logger:      logger,
		minInterval: 800 * time.Millisecond,
		maxInterval: 2 * time.Second,
		accounts:    accounts,
	}
}

// Run produces transactions until the context is canceled. Call in a
// goroutine.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("simulator started",
		"min_interval", s.minInterval, "max_interval", s.maxInterval)

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped", "produced", s.produced)
			return
		case <-timer.C:
			s.produce(ctx)
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *Simulator) nextInterval() time.Duration {
	spread := s.maxInterval - s.minInterval
	return s.minInterval + time.Duration(rand.Int64N(int64(spread)))
}

func (s *Simulator) produce(ctx context.Context) {
	in := s.nextTransaction()
	tx, err := s.service.Ingest(ctx, in)
	if err != nil {
		if !errors.Is(err, fraud.ErrDuplicateTransaction) {
			s.logger.Warn("simulated transaction rejected", "error", err)
		}
		return
	}
	s.produced++
	s.logger.Debug("simulated transaction",
		"transaction_id", tx.ID, "amount", tx.Amount, "risk_score", tx.RiskScore)
}

// nextTransaction builds one random transaction. Most traffic is small
// retail activity; a slice of it is large enough to trip the risk
// bands.
func (s *Simulator) nextTransaction() fraud.Input {
	from := s.accounts[rand.IntN(len(s.accounts))]
	to := s.accounts[rand.IntN(len(s.accounts))]
	for to == from {
		to = s.accounts[rand.IntN(len(s.accounts))]
	}

	return fraud.Input{
		ID:          idgen.WithPrefix("txn_"),
		Amount:      s.nextAmount(),
		Currency:    currencies[rand.IntN(len(currencies))],
		FromAccount: from,
		ToAccount:   to,
		Description: fmt.Sprintf("Payment to %s", merchants[rand.IntN(len(merchants))]),
		Timestamp:   time.Now().UTC(),
		Metadata: map[string]string{
			"channel":  channels[rand.IntN(len(channels))],
			"location": locations[rand.IntN(len(locations))],
		},
	}
}

func (s *Simulator) nextAmount() float64 {
	switch roll := rand.Float64(); {
	case roll < 0.70: // everyday purchases
		return round2(10 + rand.Float64()*990)
	case roll < 0.90: // mid-size transfers
		return round2(1_000 + rand.Float64()*49_000)
	case roll < 0.97: // large transfers
		return round2(50_000 + rand.Float64()*50_000)
	default: // the kind the scorer exists for
		return round2(100_000 + rand.Float64()*400_000)
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100)) / 100
}
