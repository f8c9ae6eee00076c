package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/types"
	"go.uber.org/zap"
)

// Payload keys the wizard adds to every action payload.
const (
	KeySessionID = "sessionId"
	KeyVariant   = "variant"
	KeyFields    = "fields"
	KeyStep      = "step"
	KeyInput     = "input"
)

// ErrInvalidPayload is wrapped when a payload lacks a usable reserved key.
var ErrInvalidPayload = errors.New("invalid action payload")

// SessionID reads the session ID from a payload. Any integral number is
// accepted since payloads that went through JSON carry float64.
func SessionID(payload map[string]interface{}) (uint64, error) {
	switch v := payload[KeySessionID].(type) {
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case float64:
		if v >= 0 && v == math.Trunc(v) && v < 1<<64 {
			return uint64(v), nil
		}
	case json.Number:
		if n, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return n, nil
		}
	case nil:
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPayload, KeySessionID)
	}
	return 0, fmt.Errorf("%w: %s %v is not a session ID", ErrInvalidPayload, KeySessionID, payload[KeySessionID])
}

// Input returns the caller-supplied part of a payload.
func Input(payload map[string]interface{}) map[string]interface{} {
	in, _ := payload[KeyInput].(map[string]interface{})
	return in
}

// Result is the output of a successful external action.
type Result struct {
	Output map[string]interface{}
}

// Gateway is the seam between the wizard and collaborators with real side effects.
// Invoke never retries and every error it returns is an *ActionFailure.
type Gateway interface {
	Invoke(ctx context.Context, kind types.ActionKind, payload map[string]interface{}) (Result, error)
}

// Handler executes one kind of external action.
type Handler interface {
	Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Execute implements the Handler interface.
func (f HandlerFunc) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, payload)
}

// Registry dispatches actions to the handler registered for their kind.
type Registry struct {
	handlers map[types.ActionKind]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.ActionKind]Handler)}
}

// Register binds a handler to a kind, replacing any previous one.
func (r *Registry) Register(kind types.ActionKind, h Handler) error {
	if kind == "" || h == nil {
		return errors.New("kind and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []types.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.ActionKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Invoke runs the handler for kind exactly once.
func (r *Registry) Invoke(ctx context.Context, kind types.ActionKind, payload map[string]interface{}) (res Result, err error) {
	select {
	case <-ctx.Done():
		return Result{}, Classify(kind, ctx.Err())
	default:
	}

	r.mu.RLock()
	h, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		return Result{}, Classify(kind, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind))
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("action handler panicked", zap.String("kind", string(kind)), zap.Any("panic", p))
			res = Result{}
			err = NewFailure(kind, ReasonInternal, fmt.Errorf("panic occurred: %v", p))
		}
	}()

	out, execErr := h.Execute(ctx, payload)
	if execErr != nil {
		f := Classify(kind, execErr)
		logger.Warn("action failed", zap.String("kind", string(kind)), zap.String("reason", string(f.Reason)), zap.Error(execErr))
		return Result{}, f
	}
	return Result{Output: out}, nil
}
