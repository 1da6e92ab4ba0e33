// Package audit is the single-writer append-only audit trail (spec.md
// §4.9). Every successful and denied mutation produces exactly one event
// via the storage-layer strictly-increasing sequence counter.
package audit

import (
	"context"
	"fmt"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/auditlog"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

// Writer appends audit events through storage.AuditStore.
type Writer struct {
	store storage.AuditStore
}

// New builds a Writer.
func New(store storage.AuditStore) *Writer {
	return &Writer{store: store}
}

// Record appends one audit event. Sequence is assigned by the store, never
// by the caller, so concurrent writers can never collide.
func (w *Writer) Record(ctx context.Context, actorID, actorKind, clusterID, action string, outcome auditlog.Outcome, beforeHash, afterHash, detail string) error {
	seq, err := w.store.NextSequence(ctx)
	if err != nil {
		return fmt.Errorf("audit: next sequence: %w", err)
	}
	event := auditlog.Event{
		Sequence:   seq,
		ActorID:    actorID,
		ActorKind:  actorKind,
		ClusterID:  clusterID,
		Action:     action,
		BeforeHash: beforeHash,
		AfterHash:  afterHash,
		Outcome:    outcome,
		Detail:     detail,
	}
	if _, err := w.store.AppendAuditEvent(ctx, event); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// RecordSuccess is a convenience wrapper for the common successful-mutation
// case, with no before/after content hash.
func (w *Writer) RecordSuccess(ctx context.Context, actorID, actorKind, clusterID, action string) error {
	return w.Record(ctx, actorID, actorKind, clusterID, action, auditlog.OutcomeSuccess, "", "", "")
}

// RecordDenied records an authorization denial.
func (w *Writer) RecordDenied(ctx context.Context, actorID, actorKind, clusterID, action, detail string) error {
	return w.Record(ctx, actorID, actorKind, clusterID, action, auditlog.OutcomeDenied, "", "", detail)
}

// List returns the most recent limit audit events for clusterID.
func (w *Writer) List(ctx context.Context, clusterID string, limit int) ([]auditlog.Event, error) {
	return w.store.ListAuditEvents(ctx, clusterID, limit)
}
