package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/types"
)

var (
	ErrStaleResult     = errors.New("action result belongs to an abandoned session")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoGateway       = errors.New("no action gateway configured")
)

// statusTransitions maps the kinds that move a document forward to the
// submission status a successful call produces. Other kinds leave it unchanged.
var statusTransitions = map[types.ActionKind]types.SubmissionStatus{
	types.ActionSubmit:           types.StatusCompleted,
	types.ActionSendForSignature: types.StatusPendingSignature,
	types.ActionCountersign:      types.StatusActive,
	types.ActionActivate:         types.StatusActive,
}

// TargetStatus returns the status a successful action of this kind produces.
func TargetStatus(kind types.ActionKind) (types.SubmissionStatus, bool) {
	s, ok := statusTransitions[kind]
	return s, ok
}

// StepStatus is the advisory completion state of one step.
type StepStatus struct {
	Step     types.StepDescriptor `json:"step"`
	Complete bool                 `json:"complete"`
	Current  bool                 `json:"current"`
	Missing  []string             `json:"missing,omitempty"`
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithStrictNavigation makes GoNext refuse to leave an incomplete step.
func WithStrictNavigation() MachineOption {
	return func(m *Machine) {
		m.strict = true
	}
}

// WithGateway sets the gateway external actions are delegated to.
func WithGateway(g gateway.Gateway) MachineOption {
	return func(m *Machine) {
		m.gateway = g
	}
}

// WithSessionID tags the machine's state with a session ID.
func WithSessionID(id uint64) MachineOption {
	return func(m *Machine) {
		m.state.SessionID = id
	}
}

// WithTimeFunc sets a custom clock for deterministic tests.
func WithTimeFunc(fn func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = fn
	}
}

// Machine is the state machine behind one wizard session. Navigation and field
// edits are synchronous and cannot fail; only RunExternalAction can.
type Machine struct {
	mu      sync.Mutex
	table   *steps.Table
	gateway gateway.Gateway
	state   types.FlowState
	steps   []types.StepDescriptor
	strict  bool
	now     func() time.Time
}

// NewMachine creates a machine and starts a flow of the given variant.
func NewMachine(table *steps.Table, variant types.FlowVariant, opts ...MachineOption) *Machine {
	if table == nil {
		table = steps.Default()
	}
	m := &Machine{table: table, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.Start(variant)
	return m
}

// Start resets the session to an empty draft of the variant at step 1.
// Results of actions issued before the reset are discarded when they arrive.
func (m *Machine) Start(variant types.FlowVariant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := steps.ParseVariant(string(variant)); err != nil {
		variant = types.VariantStandard
	}
	now := m.now().UnixMilli()
	m.steps = m.table.Steps(variant)
	m.state = types.FlowState{
		SessionID:        m.state.SessionID,
		Generation:       m.state.Generation + 1,
		Variant:          variant,
		CurrentStep:      1,
		Fields:           make(map[string]interface{}),
		Derived:          make(map[string]interface{}),
		SubmissionStatus: types.StatusDraft,
		MachineState:     types.MachineDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Restore replaces the machine state with a persisted one.
func (m *Machine) Restore(state types.FlowState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = state.Clone()
	if m.state.Fields == nil {
		m.state.Fields = make(map[string]interface{})
	}
	if m.state.Derived == nil {
		m.state.Derived = make(map[string]interface{})
	}
	m.steps = m.table.Steps(m.state.Variant)
	m.state.CurrentStep = steps.ClampStep(m.state.CurrentStep, m.steps)
}

// Cancel abandons the session: in-flight results will be discarded.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Generation++
	m.touch()
}

// GoNext advances one step, stopping at the last step. In strict mode an
// incomplete current step is not left. Reports whether the index moved.
func (m *Machine) GoNext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strict && !m.table.IsStepComplete(m.steps[m.state.CurrentStep-1], m.state) {
		return false
	}
	return m.moveTo(m.state.CurrentStep + 1)
}

// GoBack moves one step back, stopping at step 1. Reports whether the index moved.
func (m *Machine) GoBack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveTo(m.state.CurrentStep - 1)
}

// JumpTo moves directly to a step, clamped to the step list. It returns the
// resulting index. Incomplete steps in between are not checked.
func (m *Machine) JumpTo(stepID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveTo(stepID)
	return m.state.CurrentStep
}

func (m *Machine) moveTo(index int) bool {
	prev := m.state.CurrentStep
	m.state.CurrentStep = steps.ClampStep(index, m.steps)
	m.markEdited()
	return prev != m.state.CurrentStep
}

// SetField merges a value into the session fields. Last write wins.
func (m *Machine) SetField(name string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Fields[name] = value
	m.markEdited()
}

// SetVariant switches the step list. Entered fields are kept so values shared
// between variants carry over, and the current step is clamped to the new list.
func (m *Machine) SetVariant(variant types.FlowVariant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := steps.ParseVariant(string(variant)); err != nil {
		variant = types.VariantStandard
	}
	m.state.Variant = variant
	m.steps = m.table.Steps(variant)
	m.state.CurrentStep = steps.ClampStep(m.state.CurrentStep, m.steps)
	m.markEdited()
}

// markEdited moves draft and failed sessions to in_progress. Pending and
// submitted sessions keep their state.
func (m *Machine) markEdited() {
	switch m.state.MachineState {
	case types.MachineDraft, types.MachineFailed:
		m.state.MachineState = types.MachineInProgress
		m.state.LastError = ""
	}
	m.touch()
}

func (m *Machine) touch() {
	m.state.UpdatedAt = m.now().UnixMilli()
}

// RunExternalAction delegates an action to the gateway. The lock is released
// while the call is in flight so navigation stays responsive.
//
// On success the submission status moves according to the kind. On failure
// the step and fields are untouched, the machine enters the failed state and
// the *gateway.ActionFailure is returned. If the session was restarted or
// cancelled while the call was in flight, the result is discarded and
// ErrStaleResult is returned with the resolved record.
func (m *Machine) RunExternalAction(ctx context.Context, kind types.ActionKind, payload map[string]interface{}) (types.ExternalActionRecord, error) {
	m.mu.Lock()
	rec := gateway.NewRecord(kind, m.state.SessionID, m.state.Generation, m.state.CurrentStep, m.now())
	if m.gateway == nil {
		m.mu.Unlock()
		err := gateway.NewFailure(kind, gateway.ReasonUnsupported, ErrNoGateway)
		return gateway.Resolve(rec, gateway.Result{}, err, m.now()), err
	}
	m.state.Actions = append(m.state.Actions, rec)
	m.state.MachineState = types.MachinePendingAction
	m.touch()
	body := m.payload(payload)
	gw := m.gateway
	m.mu.Unlock()

	res, err := gw.Invoke(ctx, kind, body)

	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := gateway.Resolve(rec, res, err, m.now())
	if m.state.Generation != rec.Generation {
		return resolved, ErrStaleResult
	}
	m.replaceRecord(resolved)
	m.touch()

	if err != nil {
		failure := gateway.Classify(kind, err)
		m.state.MachineState = types.MachineFailed
		m.state.LastError = failure.Message
		return resolved, failure
	}

	m.state.LastError = ""
	if res.Output != nil {
		m.state.Derived[string(kind)] = res.Output
	}
	if target, ok := statusTransitions[kind]; ok {
		m.state.SubmissionStatus = target
		m.state.MachineState = types.MachineSubmitted
	} else if m.state.MachineState == types.MachinePendingAction {
		m.state.MachineState = types.MachineInProgress
	}
	return resolved, nil
}

// payload builds the action payload from the session snapshot. Caller data
// goes under KeyInput and never replaces the snapshot keys.
func (m *Machine) payload(in map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(m.state.Fields))
	for k, v := range m.state.Fields {
		fields[k] = v
	}
	out := map[string]interface{}{
		gateway.KeySessionID: m.state.SessionID,
		gateway.KeyVariant:   string(m.state.Variant),
		gateway.KeyFields:    fields,
		gateway.KeyStep:      m.state.CurrentStep,
	}
	if len(in) > 0 {
		input := make(map[string]interface{}, len(in))
		for k, v := range in {
			input[k] = v
		}
		out[gateway.KeyInput] = input
	}
	return out
}

func (m *Machine) replaceRecord(rec types.ExternalActionRecord) {
	for i := range m.state.Actions {
		if m.state.Actions[i].ID == rec.ID {
			m.state.Actions[i] = rec
			return
		}
	}
	m.state.Actions = append(m.state.Actions, rec)
}

// State returns a deep copy of the session state.
func (m *Machine) State() types.FlowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Steps returns the step list of the current variant.
func (m *Machine) Steps() []types.StepDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.StepDescriptor, len(m.steps))
	copy(out, m.steps)
	return out
}

// CurrentStep returns the descriptor of the step being shown.
func (m *Machine) CurrentStep() types.StepDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[m.state.CurrentStep-1]
}

// StepStatus reports completion for every step of the current variant.
func (m *Machine) StepStatus() []StepStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StepStatus, 0, len(m.steps))
	for _, step := range m.steps {
		out = append(out, StepStatus{
			Step:     step,
			Complete: m.table.IsStepComplete(step, m.state),
			Current:  step.ID == m.state.CurrentStep,
			Missing:  m.table.Missing(step, m.state),
		})
	}
	return out
}

// Gaps returns the advisory validation gaps of the session.
func (m *Machine) Gaps() []types.ValidationGap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Gaps(m.state)
}
