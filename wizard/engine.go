package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/wizard-engine/conversation"
	"github.com/songzhibin97/wizard-engine/events"
	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/metrics"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/textgen"
	"github.com/songzhibin97/wizard-engine/types"
	"go.uber.org/zap"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Event types published on the engine's bus.
const (
	EventSessionStarted   = "session_started"
	EventStepChanged      = "step_changed"
	EventFieldSet         = "field_set"
	EventVariantChanged   = "variant_changed"
	EventActionStarted    = "action_started"
	EventActionResolved   = "action_resolved"
	EventActionFailed     = "action_failed"
	EventSessionCancelled = "session_cancelled"
	EventPhaseAdvanced    = "phase_advanced"
)

type session struct {
	machine *Machine
	saveMu  sync.Mutex
	// discarded is guarded by saveMu.
	discarded bool
}

type chat struct {
	session *conversation.Session
	flow    string
	saveMu  sync.Mutex
}

// Engine owns the live wizard and conversation sessions of a process. Every
// operation persists the resulting state and publishes an event.
type Engine struct {
	sessions       map[uint64]*session
	chats          map[uint64]*chat
	table          *steps.Table
	gateway        gateway.Gateway
	storage        storage.Storage
	eventBus       *events.EventBus
	metrics        *metrics.Metrics
	generate       generator.Generator
	textgen        textgen.Generator
	searcher       prospect.Searcher
	strict         bool
	failureHandler func(ctx context.Context, state types.FlowState, failure *gateway.ActionFailure)
	mu             sync.RWMutex
}

// NewEngine creates an Engine. A nil store selects in-memory storage and a nil
// gateway an empty registry, so every action fails as unsupported.
func NewEngine(generate generator.Generator, store storage.Storage, gw gateway.Gateway) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if gw == nil {
		gw = gateway.NewRegistry()
	}

	return &Engine{
		sessions: make(map[uint64]*session),
		chats:    make(map[uint64]*chat),
		table:    steps.Default(),
		gateway:  gw,
		storage:  store,
		eventBus: events.NewEventBus(),
		metrics:  metrics.New(),
		generate: generate,
	}, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// EventBus returns the bus engine events are published on.
func (e *Engine) EventBus() *events.EventBus {
	return e.eventBus
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// SetTable replaces the step definitions used by new and restored sessions.
func (e *Engine) SetTable(table *steps.Table) {
	if table == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = table
}

// SetMetrics replaces the collectors.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	if m == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetStrictNavigation makes new sessions refuse to leave incomplete steps.
func (e *Engine) SetStrictNavigation(strict bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strict = strict
}

// SetTextGenerator sets the collaborator used by conversations.
func (e *Engine) SetTextGenerator(g textgen.Generator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.textgen = g
}

// SetSearcher sets the prospect-search collaborator used by conversations.
func (e *Engine) SetSearcher(s prospect.Searcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.searcher = s
}

// SetFailureHandler registers a callback run after an action failure has been persisted.
func (e *Engine) SetFailureHandler(handler func(ctx context.Context, state types.FlowState, failure *gateway.ActionFailure)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureHandler = handler
}

// Steps returns the step list of a variant.
func (e *Engine) Steps(variant types.FlowVariant) []types.StepDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table.Steps(variant)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

func (e *Engine) newMachine(id uint64, variant types.FlowVariant) *Machine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	opts := []MachineOption{WithSessionID(id), WithGateway(e.gateway)}
	if e.strict {
		opts = append(opts, WithStrictNavigation())
	}
	return NewMachine(e.table, variant, opts...)
}

// getSession retrieves a session, checking the cache first then storage.
func (e *Engine) getSession(ctx context.Context, id uint64) (*session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	state, err := e.storage.GetFlow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	m := e.newMachine(id, state.Variant)
	m.Restore(state)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[id]; ok {
		return existing, nil
	}
	s = &session{machine: m}
	e.sessions[id] = s
	return s, nil
}

// saveSession persists the machine's current state. Snapshots are taken under
// the session's save lock so the last save always holds the newest state. A
// discarded session is never written back.
func (e *Engine) saveSession(ctx context.Context, s *session) (types.FlowState, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	state := s.machine.State()
	if s.discarded {
		return state, fmt.Errorf("%w: %d", ErrSessionNotFound, state.SessionID)
	}
	if err := e.storage.SaveFlow(ctx, state); err != nil {
		return state, fmt.Errorf("failed to save session: %w", err)
	}
	return state, nil
}

// publishEvent queues an event. Having no subscriber is not an error.
func (e *Engine) publishEvent(eventType string, sessionID uint64, data map[string]interface{}) {
	err := e.eventBus.Publish(context.Background(), events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		logger.Warn("event dropped", zap.String("event", eventType), zap.Uint64("session", sessionID), zap.Error(err))
	}
}

// Start creates a wizard session for the variant.
func (e *Engine) Start(ctx context.Context, variant types.FlowVariant) (types.FlowState, error) {
	select {
	case <-ctx.Done():
		return types.FlowState{}, ctx.Err()
	default:
	}

	id, err := e.GenerateID()
	if err != nil {
		return types.FlowState{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	s := &session{machine: e.newMachine(id, variant)}
	state, err := e.saveSession(ctx, s)
	if err != nil {
		return types.FlowState{}, err
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	e.metrics.SessionsStarted.WithLabelValues(string(state.Variant)).Inc()
	e.publishEvent(EventSessionStarted, id, map[string]interface{}{
		"variant": string(state.Variant),
	})
	logger.Info("session started", zap.Uint64("session", id), zap.String("variant", string(state.Variant)))
	return state, nil
}

// Get returns the state of a session.
func (e *Engine) Get(ctx context.Context, id uint64) (types.FlowState, error) {
	select {
	case <-ctx.Done():
		return types.FlowState{}, ctx.Err()
	default:
	}
	s, err := e.getSession(ctx, id)
	if err != nil {
		return types.FlowState{}, err
	}
	return s.machine.State(), nil
}

// apply runs one synchronous transition, persists the result and publishes
// the event fn describes. An empty event type publishes nothing.
func (e *Engine) apply(ctx context.Context, id uint64, op string, fn func(m *Machine) (string, map[string]interface{})) (types.FlowState, error) {
	select {
	case <-ctx.Done():
		return types.FlowState{}, ctx.Err()
	default:
	}

	s, err := e.getSession(ctx, id)
	if err != nil {
		return types.FlowState{}, err
	}
	eventType, data := fn(s.machine)
	state, err := e.saveSession(ctx, s)
	if err != nil {
		return state, err
	}

	e.metrics.Transitions.WithLabelValues(op).Inc()
	if eventType != "" {
		e.publishEvent(eventType, id, data)
	}
	return state, nil
}

func stepChanged(from int, m *Machine) (string, map[string]interface{}) {
	to := m.State().CurrentStep
	if from == to {
		return "", nil
	}
	return EventStepChanged, map[string]interface{}{"from": from, "to": to}
}

// Next advances a session one step.
func (e *Engine) Next(ctx context.Context, id uint64) (types.FlowState, error) {
	return e.apply(ctx, id, "next", func(m *Machine) (string, map[string]interface{}) {
		from := m.State().CurrentStep
		m.GoNext()
		return stepChanged(from, m)
	})
}

// Back moves a session one step back.
func (e *Engine) Back(ctx context.Context, id uint64) (types.FlowState, error) {
	return e.apply(ctx, id, "back", func(m *Machine) (string, map[string]interface{}) {
		from := m.State().CurrentStep
		m.GoBack()
		return stepChanged(from, m)
	})
}

// JumpTo moves a session to a step, clamped to the step list.
func (e *Engine) JumpTo(ctx context.Context, id uint64, step int) (types.FlowState, error) {
	return e.apply(ctx, id, "jump", func(m *Machine) (string, map[string]interface{}) {
		from := m.State().CurrentStep
		m.JumpTo(step)
		return stepChanged(from, m)
	})
}

// SetField records a field value.
func (e *Engine) SetField(ctx context.Context, id uint64, name string, value interface{}) (types.FlowState, error) {
	if name == "" {
		return types.FlowState{}, errors.New("field name is required")
	}
	return e.apply(ctx, id, "set_field", func(m *Machine) (string, map[string]interface{}) {
		m.SetField(name, value)
		return EventFieldSet, map[string]interface{}{"field": name}
	})
}

// SetVariant switches the flow variant of a session.
func (e *Engine) SetVariant(ctx context.Context, id uint64, variant types.FlowVariant) (types.FlowState, error) {
	return e.apply(ctx, id, "set_variant", func(m *Machine) (string, map[string]interface{}) {
		from := m.State().Variant
		m.SetVariant(variant)
		state := m.State()
		return EventVariantChanged, map[string]interface{}{
			"from": string(from),
			"to":   string(state.Variant),
			"step": state.CurrentStep,
		}
	})
}

// Restart resets a session to an empty draft of the variant, keeping its ID.
func (e *Engine) Restart(ctx context.Context, id uint64, variant types.FlowVariant) (types.FlowState, error) {
	return e.apply(ctx, id, "restart", func(m *Machine) (string, map[string]interface{}) {
		m.Start(variant)
		return EventSessionStarted, map[string]interface{}{"variant": string(m.State().Variant), "restart": true}
	})
}

// StepStatus reports the advisory completion of every step.
func (e *Engine) StepStatus(ctx context.Context, id uint64) ([]StepStatus, error) {
	s, err := e.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.machine.StepStatus(), nil
}

// Gaps returns every incomplete step of a session with the fields it misses.
// A step held back only by its completion rule has no missing fields.
func (e *Engine) Gaps(ctx context.Context, id uint64) ([]types.ValidationGap, error) {
	s, err := e.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.machine.Gaps(), nil
}

// RunAction runs an external action for a session. The returned state is the
// session after the action resolved. Errors are *gateway.ActionFailure for
// failed actions and ErrStaleResult when the session moved on meanwhile.
func (e *Engine) RunAction(ctx context.Context, id uint64, kind types.ActionKind, payload map[string]interface{}) (types.ExternalActionRecord, types.FlowState, error) {
	s, err := e.getSession(ctx, id)
	if err != nil {
		return types.ExternalActionRecord{}, types.FlowState{}, err
	}

	e.publishEvent(EventActionStarted, id, map[string]interface{}{"kind": string(kind)})
	start := time.Now()
	rec, actionErr := s.machine.RunExternalAction(ctx, kind, payload)
	e.metrics.ActionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if errors.Is(actionErr, ErrStaleResult) {
		e.metrics.StaleResults.Inc()
		logger.Info("stale action result discarded", zap.Uint64("session", id), zap.String("kind", string(kind)), zap.Uint64("generation", rec.Generation))
		return rec, s.machine.State(), actionErr
	}

	state, err := e.saveSession(ctx, s)
	if err != nil {
		return rec, state, err
	}

	if actionErr != nil {
		failure := gateway.Classify(kind, actionErr)
		e.metrics.Actions.WithLabelValues(string(kind), string(types.ResultFailure)).Inc()
		e.publishEvent(EventActionFailed, id, map[string]interface{}{
			"kind":    string(kind),
			"record":  rec.ID,
			"reason":  string(failure.Reason),
			"message": failure.Message,
		})

		e.mu.RLock()
		handler := e.failureHandler
		e.mu.RUnlock()
		if handler != nil {
			handler(ctx, state, failure)
		}
		return rec, state, failure
	}

	e.metrics.Actions.WithLabelValues(string(kind), string(types.ResultSuccess)).Inc()
	e.publishEvent(EventActionResolved, id, map[string]interface{}{
		"kind":   string(kind),
		"record": rec.ID,
		"status": string(state.SubmissionStatus),
	})
	return rec, state, nil
}

// Discard abandons a session: results still in flight are dropped and the
// session is removed from the cache and storage.
func (e *Engine) Discard(ctx context.Context, id uint64) error {
	s, err := e.getSession(ctx, id)
	if err != nil {
		return err
	}
	s.machine.Cancel()

	s.saveMu.Lock()
	s.discarded = true
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	err = e.storage.DeleteFlow(ctx, id)
	s.saveMu.Unlock()

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	e.publishEvent(EventSessionCancelled, id, nil)
	logger.Info("session discarded", zap.Uint64("session", id))
	return nil
}

func (e *Engine) conversationOptions(id uint64) []conversation.Option {
	e.mu.RLock()
	defer e.mu.RUnlock()
	opts := []conversation.Option{conversation.WithSessionID(id)}
	if e.textgen != nil {
		opts = append(opts, conversation.WithGenerator(e.textgen))
	}
	if e.searcher != nil {
		opts = append(opts, conversation.WithSearcher(e.searcher))
	}
	return opts
}

func (e *Engine) getChat(ctx context.Context, id uint64) (*chat, error) {
	e.mu.RLock()
	c, ok := e.chats[id]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	state, err := e.storage.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	flow, err := conversation.Lookup(state.Flow)
	if err != nil {
		return nil, err
	}

	c = &chat{session: conversation.Restore(flow, state, e.conversationOptions(id)...), flow: flow.Name}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.chats[id]; ok {
		return existing, nil
	}
	e.chats[id] = c
	return c, nil
}

func (e *Engine) saveChat(ctx context.Context, c *chat) (types.ConversationState, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	state := c.session.State()
	if err := e.storage.SaveConversation(ctx, state); err != nil {
		return state, fmt.Errorf("failed to save conversation: %w", err)
	}
	return state, nil
}

// StartConversation starts a chat of the named flow.
func (e *Engine) StartConversation(ctx context.Context, flowName string) (types.ConversationState, error) {
	flow, err := conversation.Lookup(flowName)
	if err != nil {
		return types.ConversationState{}, err
	}
	id, err := e.GenerateID()
	if err != nil {
		return types.ConversationState{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	c := &chat{session: conversation.NewSession(flow, e.conversationOptions(id)...), flow: flow.Name}
	state, err := e.saveChat(ctx, c)
	if err != nil {
		return state, err
	}
	e.mu.Lock()
	e.chats[id] = c
	e.mu.Unlock()
	return state, nil
}

// GetConversation returns the state of a chat.
func (e *Engine) GetConversation(ctx context.Context, id uint64) (types.ConversationState, error) {
	c, err := e.getChat(ctx, id)
	if err != nil {
		return types.ConversationState{}, err
	}
	return c.session.State(), nil
}

// Converse feeds one user message to a chat. A failed collaborator call is
// returned as *gateway.ActionFailure after the apology has been persisted.
func (e *Engine) Converse(ctx context.Context, id uint64, input string) (conversation.Outcome, types.ConversationState, error) {
	c, err := e.getChat(ctx, id)
	if err != nil {
		return conversation.Outcome{}, types.ConversationState{}, err
	}

	out, advErr := c.session.Advance(ctx, input)
	switch {
	case errors.Is(advErr, conversation.ErrStaleResult):
		e.metrics.StaleResults.Inc()
		return out, c.session.State(), advErr
	case errors.Is(advErr, conversation.ErrEmptyInput), errors.Is(advErr, conversation.ErrBusy):
		return out, c.session.State(), advErr
	}

	state, err := e.saveChat(ctx, c)
	if err != nil {
		return out, state, err
	}

	e.metrics.ConversationMsgs.WithLabelValues(c.flow).Inc()
	if out.Reprompted {
		e.metrics.Reprompts.WithLabelValues(c.flow, string(out.Phase)).Inc()
	}
	if out.Phase != out.Previous {
		e.publishEvent(EventPhaseAdvanced, id, map[string]interface{}{
			"flow": c.flow,
			"from": string(out.Previous),
			"to":   string(out.Phase),
		})
	}
	return out, state, advErr
}

// RestartConversation clears a chat and returns it to the intro phase.
func (e *Engine) RestartConversation(ctx context.Context, id uint64) (types.ConversationState, error) {
	c, err := e.getChat(ctx, id)
	if err != nil {
		return types.ConversationState{}, err
	}
	c.session.Restart()
	return e.saveChat(ctx, c)
}

// ProspectCriteria returns the search criteria a chat has collected so far.
func (e *Engine) ProspectCriteria(ctx context.Context, id uint64) (prospect.Criteria, error) {
	c, err := e.getChat(ctx, id)
	if err != nil {
		return prospect.Criteria{}, err
	}
	return c.session.ProspectCriteria(), nil
}

// Stop gracefully stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
