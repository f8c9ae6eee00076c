package wizard

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return t }
}

func registry(t *testing.T, handlers map[types.ActionKind]gateway.Handler) *gateway.Registry {
	t.Helper()
	r := gateway.NewRegistry()
	for k, h := range handlers {
		require.NoError(t, r.Register(k, h))
	}
	return r
}

func TestMachineStart(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA, WithSessionID(7), WithTimeFunc(fixedClock()))
	st := m.State()

	assert.Equal(t, uint64(7), st.SessionID)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, types.VariantNDA, st.Variant)
	assert.Equal(t, 1, st.CurrentStep)
	assert.Empty(t, st.Fields)
	assert.Equal(t, types.StatusDraft, st.SubmissionStatus)
	assert.Equal(t, types.MachineDraft, st.MachineState)

	titles := make([]string, 0, 3)
	for _, s := range m.Steps() {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"NDA Details", "Parties", "Sign & Send"}, titles)
}

func TestMachineStartResets(t *testing.T) {
	m := NewMachine(nil, types.VariantStandard)
	m.SetField("companyName", "Acme")
	m.JumpTo(4)

	m.Start(types.VariantNDA)
	st := m.State()
	assert.Equal(t, 1, st.CurrentStep)
	assert.Empty(t, st.Fields)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, types.MachineDraft, st.MachineState)
}

func TestMachineUnknownVariantFallsBack(t *testing.T) {
	m := NewMachine(nil, "grant")
	assert.Equal(t, types.VariantStandard, m.State().Variant)
	assert.Len(t, m.Steps(), 8)
}

func TestMachineJumpToClamps(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)

	assert.Equal(t, 3, m.JumpTo(5))
	assert.Equal(t, 3, m.State().CurrentStep)
	assert.Equal(t, 1, m.JumpTo(0))
	assert.Equal(t, 1, m.JumpTo(-4))
	assert.Equal(t, 2, m.JumpTo(2))
}

func TestMachineNavigationBounds(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)

	assert.False(t, m.GoBack())
	assert.Equal(t, 1, m.State().CurrentStep)

	assert.True(t, m.GoNext())
	assert.True(t, m.GoNext())
	assert.False(t, m.GoNext())
	assert.Equal(t, 3, m.State().CurrentStep)
	assert.Equal(t, types.MachineInProgress, m.State().MachineState)
}

func TestMachineNextBackRoundTrip(t *testing.T) {
	for _, variant := range types.Variants {
		t.Run(string(variant), func(t *testing.T) {
			m := NewMachine(nil, variant)
			m.SetField("companyName", "Acme")
			m.SetField("budget", 1200.5)
			n := len(m.Steps())

			for step := 2; step < n; step++ {
				m.JumpTo(step)
				before := m.State()

				m.GoNext()
				m.GoBack()

				after := m.State()
				assert.Equal(t, step, after.CurrentStep)
				assert.Equal(t, before.Fields, after.Fields)
			}
		})
	}
}

func TestMachineNavigationIsPermissive(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)
	assert.True(t, m.GoNext())
	assert.Equal(t, 3, m.JumpTo(3))

	gaps := m.Gaps()
	require.Len(t, gaps, 3)
	assert.Equal(t, 1, gaps[0].Step)
	assert.Contains(t, gaps[0].Missing, "ndaType")
}

func TestMachineStrictNavigation(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA, WithStrictNavigation())
	assert.False(t, m.GoNext())
	assert.Equal(t, 1, m.State().CurrentStep)

	m.SetField("ndaType", "mutual")
	m.SetField("effectiveDate", "2026-01-01")
	assert.True(t, m.GoNext())
	assert.Equal(t, 2, m.State().CurrentStep)

	// jumps stay unguarded
	assert.Equal(t, 3, m.JumpTo(3))
}

func TestMachineSetFieldLastWriteWins(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)
	m.SetField("companyName", "Acme")
	m.SetField("companyName", "Acme Corp")
	assert.Equal(t, "Acme Corp", m.State().Fields["companyName"])
}

func TestMachineSetFieldCommutes(t *testing.T) {
	a := NewMachine(nil, types.VariantNDA)
	a.SetField("companyName", "Acme")
	a.SetField("recipientName", "Jo")

	b := NewMachine(nil, types.VariantNDA)
	b.SetField("recipientName", "Jo")
	b.SetField("companyName", "Acme")

	assert.Equal(t, a.State().Fields, b.State().Fields)
}

func TestMachineSetVariantClampsAndKeepsFields(t *testing.T) {
	m := NewMachine(nil, types.VariantStandard)
	m.SetField("companyName", "Acme")
	m.JumpTo(6)

	m.SetVariant(types.VariantNDA)
	st := m.State()
	assert.Equal(t, types.VariantNDA, st.Variant)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Equal(t, "Acme", st.Fields["companyName"])
	assert.Len(t, m.Steps(), 3)
	assert.Equal(t, "Sign & Send", m.CurrentStep().Title)

	m.SetVariant(types.VariantOEMSupplierReadiness)
	assert.Equal(t, 3, m.State().CurrentStep)
}

func TestMachineStateIsACopy(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)
	m.SetField("companyName", "Acme")
	st := m.State()
	st.Fields["companyName"] = "mutated"
	assert.Equal(t, "Acme", m.State().Fields["companyName"])
}

func TestMachineStepStatus(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)
	m.SetField("ndaType", "mutual")
	m.SetField("effectiveDate", "2026-01-01")
	m.GoNext()

	status := m.StepStatus()
	require.Len(t, status, 3)
	assert.True(t, status[0].Complete)
	assert.Empty(t, status[0].Missing)
	assert.False(t, status[1].Complete)
	assert.True(t, status[1].Current)
	assert.ElementsMatch(t, []string{"companyName", "recipientName", "recipientEmail"}, status[1].Missing)
}

func TestRunExternalActionSuccessTransitions(t *testing.T) {
	tests := []struct {
		kind   types.ActionKind
		status types.SubmissionStatus
		state  types.MachineState
	}{
		{types.ActionSaveDraft, types.StatusDraft, types.MachineInProgress},
		{types.ActionSubmit, types.StatusCompleted, types.MachineSubmitted},
		{types.ActionSendForSignature, types.StatusPendingSignature, types.MachineSubmitted},
		{types.ActionCountersign, types.StatusActive, types.MachineSubmitted},
		{types.ActionActivate, types.StatusActive, types.MachineSubmitted},
		{types.ActionNotify, types.StatusDraft, types.MachineInProgress},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			gw := registry(t, map[types.ActionKind]gateway.Handler{
				tt.kind: gateway.Stub{Output: map[string]interface{}{"ref": "x-1"}},
			})
			m := NewMachine(nil, types.VariantNDA, WithGateway(gw), WithSessionID(3))
			m.SetField("companyName", "Acme")

			rec, err := m.RunExternalAction(context.Background(), tt.kind, nil)
			require.NoError(t, err)
			assert.Equal(t, types.ResultSuccess, rec.Result)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, uint64(3), rec.SessionID)

			st := m.State()
			assert.Equal(t, tt.status, st.SubmissionStatus)
			assert.Equal(t, tt.state, st.MachineState)
			assert.Empty(t, st.LastError)
			require.Len(t, st.Actions, 1)
			assert.Equal(t, rec, st.Actions[0])
			assert.Equal(t, map[string]interface{}{"ref": "x-1"}, st.Derived[string(tt.kind)])
		})
	}
}

func TestRunExternalActionFailureLeavesStepAndFields(t *testing.T) {
	gw := registry(t, map[types.ActionKind]gateway.Handler{
		types.ActionSendForSignature: gateway.Stub{Err: &gateway.StatusError{StatusCode: http.StatusUnprocessableEntity, Body: "recipient email invalid"}},
	})
	m := NewMachine(nil, types.VariantNDA, WithGateway(gw))
	m.SetField("companyName", "Acme")
	m.SetField("recipientEmail", "not-an-email")
	m.JumpTo(3)
	before := m.State()

	rec, err := m.RunExternalAction(context.Background(), types.ActionSendForSignature, map[string]interface{}{"message": "please sign"})
	require.Error(t, err)

	f, ok := gateway.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, gateway.ReasonRejected, f.Reason)
	assert.Contains(t, f.Error(), "recipient email invalid")

	after := m.State()
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.True(t, reflect.DeepEqual(before.Fields, after.Fields))
	assert.Equal(t, types.StatusDraft, after.SubmissionStatus)
	assert.Equal(t, types.MachineFailed, after.MachineState)
	assert.Equal(t, f.Message, after.LastError)

	assert.Equal(t, types.ResultFailure, rec.Result)
	require.Len(t, after.Actions, 1)
	assert.Equal(t, types.ResultFailure, after.Actions[0].Result)

	// the next edit clears the failure
	m.SetField("recipientEmail", "jo@acme.test")
	st := m.State()
	assert.Equal(t, types.MachineInProgress, st.MachineState)
	assert.Empty(t, st.LastError)
}

func TestRunExternalActionRetryCreatesNewRecord(t *testing.T) {
	calls := 0
	gw := registry(t, map[types.ActionKind]gateway.Handler{
		types.ActionSubmit: gateway.HandlerFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("timeout talking to store")
			}
			return nil, nil
		}),
	})
	m := NewMachine(nil, types.VariantStandard, WithGateway(gw))

	first, err := m.RunExternalAction(context.Background(), types.ActionSubmit, nil)
	require.Error(t, err)
	second, err := m.RunExternalAction(context.Background(), types.ActionSubmit, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	st := m.State()
	require.Len(t, st.Actions, 2)
	assert.Equal(t, types.ResultFailure, st.Actions[0].Result)
	assert.Equal(t, types.ResultSuccess, st.Actions[1].Result)
	assert.Equal(t, types.StatusCompleted, st.SubmissionStatus)
	assert.Equal(t, 2, calls)
}

func TestRunExternalActionUnsupportedKind(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA, WithGateway(gateway.NewRegistry()))
	_, err := m.RunExternalAction(context.Background(), types.ActionCountersign, nil)
	f, ok := gateway.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, gateway.ReasonUnsupported, f.Reason)
	assert.Equal(t, types.StatusDraft, m.State().SubmissionStatus)
}

func TestRunExternalActionWithoutGateway(t *testing.T) {
	m := NewMachine(nil, types.VariantNDA)
	rec, err := m.RunExternalAction(context.Background(), types.ActionSubmit, nil)
	assert.ErrorIs(t, err, ErrNoGateway)
	assert.Equal(t, types.ResultFailure, rec.Result)
	assert.Empty(t, m.State().Actions)
	assert.Equal(t, types.MachineDraft, m.State().MachineState)
}

func TestRunExternalActionPayload(t *testing.T) {
	var got map[string]interface{}
	gw := registry(t, map[types.ActionKind]gateway.Handler{
		types.ActionSaveDraft: gateway.HandlerFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			got = payload
			return nil, nil
		}),
	})
	m := NewMachine(nil, types.VariantNDA, WithGateway(gw), WithSessionID(11))
	m.SetField("companyName", "Acme")
	m.GoNext()

	in := map[string]interface{}{
		"note":               "x",
		gateway.KeyStep:      99,
		gateway.KeySessionID: float64(3),
		gateway.KeyFields:    map[string]interface{}{"companyName": "Other"},
	}
	_, err := m.RunExternalAction(context.Background(), types.ActionSaveDraft, in)
	require.NoError(t, err)

	assert.Equal(t, uint64(11), got[gateway.KeySessionID])
	assert.Equal(t, "nda", got[gateway.KeyVariant])
	assert.Equal(t, map[string]interface{}{"companyName": "Acme"}, got[gateway.KeyFields])
	assert.Equal(t, 2, got[gateway.KeyStep])
	assert.Equal(t, in, gateway.Input(got))
	_, ok := got["note"]
	assert.False(t, ok)
}

// gate is a handler that blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return map[string]interface{}{"late": true}, nil
}

func TestRunExternalActionStaleAfterRestart(t *testing.T) {
	g := newGate()
	gw := registry(t, map[types.ActionKind]gateway.Handler{types.ActionSubmit: g})
	m := NewMachine(nil, types.VariantStandard, WithGateway(gw))

	type result struct {
		rec types.ExternalActionRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := m.RunExternalAction(context.Background(), types.ActionSubmit, nil)
		done <- result{rec, err}
	}()

	<-g.started
	assert.Equal(t, types.MachinePendingAction, m.State().MachineState)

	// navigation is not blocked while the call is in flight
	assert.True(t, m.GoNext())

	m.Start(types.VariantNDA)
	m.SetField("companyName", "Fresh")
	close(g.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("action did not return")
	}
	assert.ErrorIs(t, res.err, ErrStaleResult)
	assert.Equal(t, types.ResultSuccess, res.rec.Result)
	assert.Equal(t, uint64(1), res.rec.Generation)

	st := m.State()
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, types.StatusDraft, st.SubmissionStatus)
	assert.Empty(t, st.Actions)
	assert.Empty(t, st.Derived)
	assert.Equal(t, "Fresh", st.Fields["companyName"])
}

func TestRunExternalActionStaleAfterCancel(t *testing.T) {
	g := newGate()
	gw := registry(t, map[types.ActionKind]gateway.Handler{types.ActionActivate: g})
	m := NewMachine(nil, types.VariantNDA, WithGateway(gw))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.RunExternalAction(context.Background(), types.ActionActivate, nil)
		errCh <- err
	}()
	<-g.started
	m.Cancel()
	close(g.release)

	assert.ErrorIs(t, <-errCh, ErrStaleResult)
	st := m.State()
	assert.Equal(t, types.StatusDraft, st.SubmissionStatus)
	require.Len(t, st.Actions, 1)
	assert.Equal(t, types.ResultPending, st.Actions[0].Result)
}

func TestMachineRestore(t *testing.T) {
	m := NewMachine(nil, types.VariantStandard)
	m.Restore(types.FlowState{SessionID: 4, Generation: 9, Variant: types.VariantNDA, CurrentStep: 8})

	st := m.State()
	assert.Equal(t, uint64(4), st.SessionID)
	assert.Equal(t, 3, st.CurrentStep)
	assert.NotNil(t, st.Fields)
	assert.Len(t, m.Steps(), 3)

	m.Start(types.VariantNDA)
	assert.Equal(t, uint64(10), m.State().Generation)
}

func TestTargetStatus(t *testing.T) {
	s, ok := TargetStatus(types.ActionSendForSignature)
	assert.True(t, ok)
	assert.Equal(t, types.StatusPendingSignature, s)

	_, ok = TargetStatus(types.ActionSaveDraft)
	assert.False(t, ok)
}

func TestMachineUsesCustomTable(t *testing.T) {
	table, err := steps.Load(strings.NewReader(`
variants:
  standard:
    - {id: 1, title: One}
  nda:
    - {id: 1, title: Only}
  oemSupplierReadiness:
    - {id: 1, title: Single}
`), nil)
	require.NoError(t, err)
	m := NewMachine(table, types.VariantNDA)
	assert.Equal(t, 1, m.JumpTo(3))
	assert.Equal(t, "Only", m.CurrentStep().Title)
}
