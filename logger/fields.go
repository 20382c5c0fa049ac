package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across certifier.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldRequestID = "request_id"
	FieldPeerID    = "peer_id"
	FieldEnclaveID = "enclave_id"

	// Components
	FieldComponent = "component"
	FieldRole      = "role"

	// Operations
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNotBefore  = "not_before"
	FieldNotAfter   = "not_after"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Files and paths
	FieldFile = "file"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldHost    = "host"

	// Trust
	FieldEnclaveType  = "enclave_type"
	FieldEvidenceType = "evidence_type"
	FieldPurpose      = "purpose"
	FieldPredicate    = "predicate"    // e.g. is-trusted-for-authentication
	FieldMeasurement  = "measurement"  // hex encoded
	FieldKeyID        = "key_id"       // base58 key fingerprint
	FieldSerial       = "serial"       // admission certificate serial
	FieldSubject      = "subject"      // certificate common name
)

// Context keys for propagating logging context
type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	peerIDKey    contextKey = "logger_peer_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithPeerID adds an authenticated peer id to the context for logging
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey, peerID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if peerID, ok := ctx.Value(peerIDKey).(string); ok && peerID != "" {
		fields = append(fields, FieldPeerID, peerID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes request_id, peer_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	srv := authority.NewServer(svc, opts, logger.ComponentLogger("authority"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	connLogger := logger.ChildLogger(baseLogger, logger.FieldAddress, conn.RemoteAddr())
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
