package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"clubapi/internal/attendance"
	"clubapi/internal/metrics"
	"clubapi/internal/queue"
)

// DefaultMaxAttempts is how often an entry is retried before it is marked
// failed and left for an operator.
const DefaultMaxAttempts = 5

// PairReconciler repairs one (event, student) pair.
type PairReconciler interface {
	ReconcilePair(ctx context.Context, eventID, studentID primitive.ObjectID) (attendance.Repair, error)
}

// Worker consumes repair messages and reconciles the journaled pairs.
type Worker struct {
	store       Store
	reconciler  PairReconciler
	log         *zap.Logger
	MaxAttempts int
	// AfterRepair, when set, runs after a pair was changed. The API uses it
	// to refresh its caches when the worker runs in-process.
	AfterRepair func(ctx context.Context, rep attendance.Repair)
}

// NewWorker returns a worker.
func NewWorker(s Store, r PairReconciler, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{store: s, reconciler: r, log: log.Named("repair"), MaxAttempts: DefaultMaxAttempts}
}

// Run processes messages until the channel closes or ctx ends. Every
// sweepInterval it also retries pending entries whose message was lost;
// zero disables the sweep.
func (w *Worker) Run(ctx context.Context, messages <-chan queue.Message, sweepInterval time.Duration) error {
	var tick <-chan time.Time
	if sweepInterval > 0 {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		tick = t.C
	}
	w.log.Info("repair worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("repair worker stopped")
			return ctx.Err()
		case <-tick:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error("sweep failed", zap.Error(err))
			}
		case msg, ok := <-messages:
			if !ok {
				w.log.Info("repair worker stopped", zap.String("reason", "queue closed"))
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeRepair {
		w.log.Warn("unknown message type", zap.String("type", msg.Type))
		return
	}
	id, err := uuid.ParseBytes(msg.Body)
	if err != nil {
		w.log.Warn("bad repair message", zap.ByteString("body", msg.Body), zap.Error(err))
		return
	}
	if err := w.Process(ctx, id); err != nil {
		w.log.Error("repair failed", zap.String("entry_id", id.String()), zap.Error(err))
	}
}

// Process repairs a single journal entry. Entries that are no longer
// pending are skipped.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	e, err := w.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}
	if e.Status != StatusPending {
		w.log.Debug("entry already settled", zap.String("entry_id", id.String()), zap.String("status", string(e.Status)))
		return nil
	}
	return w.attempt(ctx, e)
}

// Sweep retries every pending entry and returns how many were resolved.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	pending, err := w.store.ListPending(ctx, 100)
	if err != nil {
		return 0, err
	}
	var (
		resolved int
		errs     []error
	)
	for _, e := range pending {
		if err := w.attempt(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

func (w *Worker) attempt(ctx context.Context, e Entry) error {
	attempts := e.Attempts + 1
	rep, err := w.reconciler.ReconcilePair(ctx, e.EventID, e.StudentID)
	if err != nil {
		status := StatusPending
		if attempts >= w.MaxAttempts {
			status = StatusFailed
		}
		metrics.Repairs.WithLabelValues(string(status)).Inc()
		if uerr := w.store.Update(ctx, e.ID, status, attempts, err.Error()); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}

	metrics.Repairs.WithLabelValues(string(StatusResolved)).Inc()
	if err := w.store.Update(ctx, e.ID, StatusResolved, attempts, e.Error); err != nil {
		return err
	}
	w.log.Info("entry resolved",
		zap.String("entry_id", e.ID.String()),
		zap.String("event_id", e.EventID.Hex()),
		zap.String("student_id", e.StudentID.Hex()),
		zap.Bool("changed", rep.Changed()))
	if rep.Changed() && w.AfterRepair != nil {
		w.AfterRepair(ctx, rep)
	}
	return nil
}
