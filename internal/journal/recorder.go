package journal

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"clubapi/internal/attendance"
	"clubapi/internal/queue"
)

// Publisher is the producing half of a queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Recorder journals partial writes and asks the worker to repair them.
type Recorder struct {
	store Store
	queue Publisher
	log   *zap.Logger
}

// NewRecorder returns a recorder. q may be nil, in which case entries wait
// for the worker's sweep.
func NewRecorder(s Store, q Publisher, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: s, queue: q, log: log.Named("journal")}
}

// ReportPartialWrite implements attendance.Reporter. The entry is durable
// once this returns nil even if the repair message could not be queued.
func (r *Recorder) ReportPartialWrite(ctx context.Context, pw *attendance.PartialWriteError) error {
	e := Entry{
		Op:        pw.Op,
		EventID:   pw.EventID,
		StudentID: pw.StudentID,
		Side:      string(pw.Side),
		Status:    StatusPending,
	}
	if pw.Err != nil {
		e.Error = pw.Err.Error()
	}
	if err := r.store.Insert(ctx, &e); err != nil {
		return fmt.Errorf("journal partial write: %w", err)
	}
	r.log.Info("partial write journaled",
		zap.String("entry_id", e.ID.String()),
		zap.String("op", e.Op),
		zap.String("event_id", e.EventID.Hex()),
		zap.String("student_id", e.StudentID.Hex()))

	if r.queue == nil {
		return nil
	}
	if err := r.queue.Publish(ctx, queue.Repair(e.ID.String())); err != nil {
		r.log.Warn("repair not queued, left for sweep", zap.String("entry_id", e.ID.String()), zap.Error(err))
	}
	return nil
}
