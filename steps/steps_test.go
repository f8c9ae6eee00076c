package steps

import (
	"strings"
	"testing"

	"github.com/songzhibin97/wizard-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := Default()

	for _, v := range types.Variants {
		t.Run(string(v), func(t *testing.T) {
			seq := table.Steps(v)
			require.NotEmpty(t, seq)
			for i, step := range seq {
				assert.Equal(t, i+1, step.ID, "ordinals must be contiguous")
				assert.NotEmpty(t, step.Title)
			}
		})
	}

	t.Run("NDA steps", func(t *testing.T) {
		seq := table.Steps(types.VariantNDA)
		titles := make([]string, 0, len(seq))
		for _, s := range seq {
			titles = append(titles, s.Title)
		}
		assert.Equal(t, []string{"NDA Details", "Parties", "Sign & Send"}, titles)
	})

	t.Run("Standard has eight steps", func(t *testing.T) {
		assert.Len(t, table.Steps(types.VariantStandard), 8)
	})

	t.Run("Undeclared variant falls back to standard", func(t *testing.T) {
		assert.Equal(t, table.Steps(types.VariantStandard), table.Steps("grant"))
	})

	t.Run("Returned slice is a copy", func(t *testing.T) {
		seq := table.Steps(types.VariantNDA)
		seq[0].Title = "changed"
		assert.Equal(t, "NDA Details", table.Steps(types.VariantNDA)[0].Title)
	})
}

func TestClampStep(t *testing.T) {
	seq := Default().Steps(types.VariantNDA)
	assert.Equal(t, 3, ClampStep(5, seq))
	assert.Equal(t, 1, ClampStep(0, seq))
	assert.Equal(t, 1, ClampStep(-4, seq))
	assert.Equal(t, 2, ClampStep(2, seq))
}

func TestIsStepComplete(t *testing.T) {
	table := Default()
	parties, ok := table.Step(types.VariantNDA, 2)
	require.True(t, ok)

	state := types.FlowState{Variant: types.VariantNDA, Fields: map[string]interface{}{}}
	assert.False(t, table.IsStepComplete(parties, state))
	assert.Equal(t, []string{"companyName", "recipientName", "recipientEmail"}, table.Missing(parties, state))

	state.Fields["companyName"] = "Acme"
	state.Fields["recipientName"] = "Jo"
	state.Fields["recipientEmail"] = "jo@acme.test"
	assert.True(t, table.IsStepComplete(parties, state))

	t.Run("Nil fields are incomplete, not an error", func(t *testing.T) {
		assert.False(t, table.IsStepComplete(parties, types.FlowState{}))
	})

	t.Run("Completion expression", func(t *testing.T) {
		review, _ := table.Step(types.VariantStandard, 7)
		assert.False(t, table.IsStepComplete(review, types.FlowState{}))
		assert.False(t, table.IsStepComplete(review, types.FlowState{Fields: map[string]interface{}{"reviewed": "yes"}}))
		assert.True(t, table.IsStepComplete(review, types.FlowState{Fields: map[string]interface{}{"reviewed": true}}))
	})

	t.Run("Broken expression counts as incomplete", func(t *testing.T) {
		step := types.StepDescriptor{ID: 1, Title: "x", Completion: "budget > 10"}
		assert.False(t, table.IsStepComplete(step, types.FlowState{Fields: map[string]interface{}{"budget": "many"}}))
	})
}

func TestGaps(t *testing.T) {
	table := Default()
	state := types.FlowState{Variant: types.VariantNDA, Fields: map[string]interface{}{
		"ndaType":       "mutual",
		"effectiveDate": "2026-01-01",
	}}
	gaps := table.Gaps(state)
	require.Len(t, gaps, 2)
	assert.Equal(t, 2, gaps[0].Step)
	assert.Equal(t, 3, gaps[1].Step)
	assert.Equal(t, []string{"signerName", "signature"}, gaps[1].Missing)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("oemSupplierReadiness")
	assert.NoError(t, err)
	assert.Equal(t, types.VariantOEMSupplierReadiness, v)

	_, err = ParseVariant("lease")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestLoad(t *testing.T) {
	valid := `variants:
  standard:
    - {id: 1, title: One}
  nda:
    - {id: 1, title: One}
  oemSupplierReadiness:
    - {id: 1, title: One}
`
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "valid", input: valid},
		{
			name:    "gap in ordinals",
			input:   strings.Replace(valid, "nda:\n    - {id: 1, title: One}", "nda:\n    - {id: 1, title: One}\n    - {id: 3, title: Three}", 1),
			wantErr: ErrInvalidOrdinals,
		},
		{
			name:    "missing variant",
			input:   "variants:\n  standard:\n    - {id: 1, title: One}\n",
			wantErr: ErrNoSteps,
		},
		{
			name:    "empty title",
			input:   strings.Replace(valid, "standard:\n    - {id: 1, title: One}", "standard:\n    - {id: 1, title: \"\"}", 1),
			wantErr: ErrEmptyTitle,
		},
		{
			name:    "unknown variant",
			input:   valid + "  lease:\n    - {id: 1, title: One}\n",
			wantErr: ErrUnknownVariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.input), nil)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := Load(strings.NewReader(valid+"extra: 1\n"), nil)
		assert.Error(t, err)
	})

	t.Run("bad completion expression", func(t *testing.T) {
		input := strings.Replace(valid, "standard:\n    - {id: 1, title: One}", "standard:\n    - {id: 1, title: One, completion: \"a >>> b\"}", 1)
		_, err := Load(strings.NewReader(input), nil)
		assert.Error(t, err)
	})
}
