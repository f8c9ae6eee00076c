package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/wizard-engine/types"
)

// NewRecord creates a pending record for an action about to be invoked.
func NewRecord(kind types.ActionKind, sessionID, generation uint64, step int, now time.Time) types.ExternalActionRecord {
	return types.ExternalActionRecord{
		ID:          uuid.New().String(),
		Kind:        kind,
		SessionID:   sessionID,
		Generation:  generation,
		Step:        step,
		RequestedAt: now.UnixMilli(),
		Result:      types.ResultPending,
	}
}

// Resolve returns the resolved copy of a pending record. Records that are
// already resolved are returned unchanged.
func Resolve(rec types.ExternalActionRecord, res Result, err error, now time.Time) types.ExternalActionRecord {
	if rec.Result != types.ResultPending {
		return rec
	}
	rec.ResolvedAt = now.UnixMilli()
	if err != nil {
		rec.Result = types.ResultFailure
		rec.ErrorDetail = err.Error()
		return rec
	}
	rec.Result = types.ResultSuccess
	rec.Output = res.Output
	return rec
}
