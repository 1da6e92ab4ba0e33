// Package logging adapts pkg/logger for the control plane's per-request
// correlation fields: correlation id, actor, cluster id.
// Sensitive fields (secrets, passwords, private-key material) must never be
// passed to any of these helpers.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

type contextKey int

const fieldsKey contextKey = iota

// New builds the process-wide logger from the ambient logging config.
func New(level, format string) *logger.Logger {
	return logger.New(logger.LoggingConfig{Level: level, Format: format, Output: "stdout"})
}

// WithCorrelation attaches the fields every audited request/stream event
// carries (spec.md §4.9) to ctx, for later retrieval by Entry.
func WithCorrelation(ctx context.Context, correlationID, actor, clusterID string) context.Context {
	return context.WithValue(ctx, fieldsKey, logrus.Fields{
		"correlation_id": correlationID,
		"actor":          actor,
		"cluster_id":     clusterID,
	})
}

// Entry returns a log entry pre-populated with ctx's correlation fields, or
// a bare entry if none were attached.
func Entry(ctx context.Context, log *logger.Logger) *logrus.Entry {
	fields, ok := ctx.Value(fieldsKey).(logrus.Fields)
	if !ok {
		return logrus.NewEntry(log.Logger)
	}
	return log.WithFields(fields)
}
