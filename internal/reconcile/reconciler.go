package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/realtime"
)

// SnapshotClient fetches authoritative recent history, used to rebuild
// state after a detected gap. fraud.Service satisfies it.
type SnapshotClient interface {
	RecentTransactions(ctx context.Context, limit int) ([]*fraud.Transaction, error)
	RecentAlerts(ctx context.Context, limit int) ([]*fraud.Alert, error)
}

// Notifier is told about every alert the reconciler applies. The
// dashboard uses it for operator-facing notifications.
type Notifier interface {
	Notify(alert fraud.Alert)
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(fraud.Alert) {}

// Reconciler consumes envelopes, detects per-topic sequence gaps, and
// resynchronizes from snapshots when it has missed events.
type Reconciler struct {
	mu       sync.RWMutex
	state    State
	lastSeq  map[string]uint64
	resyncs  int
	snapshot SnapshotClient
	notifier Notifier
	logger   *slog.Logger
}

// NewReconciler creates a reconciler starting from an empty state.
func NewReconciler(snapshot SnapshotClient, notifier Notifier, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		state:    NewState(),
		lastSeq:  make(map[string]uint64),
		snapshot: snapshot,
		notifier: notifier,
		logger:   logger,
	}
}

// Ingest folds one envelope into the state. A sequence gap on the
// envelope's topic triggers a snapshot resync before the envelope is
// applied, so the state never silently misses events.
func (r *Reconciler) Ingest(ctx context.Context, env realtime.Envelope) {
	var fresh *fraud.Alert

	r.mu.Lock()
	last := r.lastSeq[env.Topic]
	if env.Seq <= last {
		// Duplicate or stale frame after a reconnect.
		r.mu.Unlock()
		return
	}
	if last != 0 && env.Seq != last+1 {
		r.logger.Warn("sequence gap detected, resyncing",
			"topic", env.Topic, "last_seq", last, "seq", env.Seq)
		r.resyncLocked(ctx)
	}
	r.lastSeq[env.Topic] = env.Seq

	before := r.state
	r.state = Apply(r.state, env)

	if env.Type == "alert" && r.state.Analytics.TotalAlerts > before.Analytics.TotalAlerts {
		if len(r.state.Alerts) > 0 {
			a := r.state.Alerts[0]
			fresh = &a
		}
	}
	r.mu.Unlock()

	// Outside the lock: the notifier may call back into State().
	if fresh != nil {
		r.notifier.Notify(*fresh)
	}
}

// resyncLocked rebuilds the state from snapshots. Snapshot failures are
// logged and the live state keeps accumulating; the next gap retries.
func (r *Reconciler) resyncLocked(ctx context.Context) {
	txs, err := r.snapshot.RecentTransactions(ctx, 100)
	if err != nil {
		r.logger.Error("snapshot resync failed", "error", err)
		return
	}
	alerts, err := r.snapshot.RecentAlerts(ctx, 100)
	if err != nil {
		r.logger.Error("snapshot resync failed", "error", err)
		return
	}

	state := NewState()
	// Snapshots come newest first; replay oldest first so the reducer
	// sees events in stream order.
	for i := len(txs) - 1; i >= 0; i-- {
		state = applyTransaction(state, *txs[i])
	}
	for i := len(alerts) - 1; i >= 0; i-- {
		state = applyAlert(state, *alerts[i])
	}

	r.state = state
	r.resyncs++
}

// State returns the current view.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Resyncs reports how many snapshot rebuilds have happened.
func (r *Reconciler) Resyncs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resyncs
}
