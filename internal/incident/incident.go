package incident

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INCIDENTS - Append-only operational event trail
// ═══════════════════════════════════════════════════════════════════════════════

// Severity levels.
const (
	SevDebug    = "DEBUG"
	SevWarn     = "WARN"
	SevError    = "ERROR"
	SevCritical = "CRITICAL"
)

// Well-known incident codes.
const (
	CodeStaleFillSource    = "STALE_FILL_SOURCE"
	CodeHedgeSlippageAbort = "HEDGE_SLIPPAGE_ABORT"
	CodeHedgeUndersized    = "HEDGE_UNDERSIZED"
	CodeShutdownInflight   = "SHUTDOWN_INFLIGHT"
	CodeIllegalTransition  = "ILLEGAL_FSM_TRANSITION"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeDoubleLimitFailed  = "DOUBLE_LIMIT_FAILED"
)

// Recorder is implemented by the storage gateway and by composite sinks
// (db + telegram + metrics). Recording must never fail the caller.
type Recorder interface {
	Record(ctx context.Context, severity, code, message string, details map[string]any)
}

// Multi fans one incident out to several sinks.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, severity, code, message string, details map[string]any) {
	for _, r := range m {
		r.Record(ctx, severity, code, message, details)
	}
}

// Log is a Recorder that only writes to the structured log. Used in tests
// and as a last-resort sink when the database is down.
type Log struct{}

func (Log) Record(_ context.Context, severity, code, message string, details map[string]any) {
	log.Warn().
		Str("severity", severity).
		Str("code", code).
		Interface("details", details).
		Msg("🚨 " + message)
}
