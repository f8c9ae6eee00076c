// Package steps holds the step definition tables for each flow variant and
// selects the applicable sequence for a session.
package steps

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/rules"
	"github.com/songzhibin97/wizard-engine/types"
	"go.uber.org/zap"
)

//go:embed flows.yaml
var defaultFlows []byte

var (
	ErrUnknownVariant  = errors.New("unknown flow variant")
	ErrNoSteps         = errors.New("variant has no steps")
	ErrInvalidOrdinals = errors.New("step ordinals must be contiguous starting at 1")
	ErrEmptyTitle      = errors.New("step title cannot be empty")
)

// Definition is the on-disk shape of a step table file.
type Definition struct {
	Variants map[types.FlowVariant][]types.StepDescriptor `yaml:"variants"`
}

// Table is an immutable set of step sequences keyed by variant.
type Table struct {
	variants  map[types.FlowVariant][]types.StepDescriptor
	evaluator *rules.ExprEvaluator
}

// Default returns the built-in table. The embedded file is validated by tests,
// so a failure here is a programming error.
func Default() *Table {
	t, err := Load(bytes.NewReader(defaultFlows), rules.NewExprEvaluator())
	if err != nil {
		panic(fmt.Sprintf("steps: invalid embedded flows: %v", err))
	}
	return t
}

// LoadFile reads a step table from a YAML file.
func LoadFile(path string, evaluator *rules.ExprEvaluator) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flows: %w", err)
	}
	defer f.Close()
	return Load(f, evaluator)
}

// Load parses and validates a step table. Unknown YAML keys are rejected.
// Every declared variant must be present with at least one step.
func Load(r io.Reader, evaluator *rules.ExprEvaluator) (*Table, error) {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode flows: %w", err)
	}

	for _, v := range types.Variants {
		if _, ok := def.Variants[v]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSteps, v)
		}
	}
	for v, seq := range def.Variants {
		if _, err := ParseVariant(string(v)); err != nil {
			return nil, err
		}
		if err := validate(seq, evaluator); err != nil {
			return nil, fmt.Errorf("variant %s: %w", v, err)
		}
	}

	return &Table{variants: def.Variants, evaluator: evaluator}, nil
}

func validate(seq []types.StepDescriptor, evaluator *rules.ExprEvaluator) error {
	if len(seq) == 0 {
		return ErrNoSteps
	}
	for i, step := range seq {
		if step.ID != i+1 {
			return fmt.Errorf("%w: position %d has id %d", ErrInvalidOrdinals, i+1, step.ID)
		}
		if step.Title == "" {
			return fmt.Errorf("%w: step %d", ErrEmptyTitle, step.ID)
		}
		if step.Completion != "" {
			if err := evaluator.Compile(step.Completion); err != nil {
				return fmt.Errorf("step %d completion: %w", step.ID, err)
			}
		}
	}
	return nil
}

// ParseVariant converts a string tag to a declared FlowVariant.
func ParseVariant(s string) (types.FlowVariant, error) {
	for _, v := range types.Variants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// Steps returns the ordered steps for the variant. Undeclared variants fall back
// to the standard sequence so the result is never empty.
func (t *Table) Steps(variant types.FlowVariant) []types.StepDescriptor {
	seq, ok := t.variants[variant]
	if !ok {
		seq = t.variants[types.VariantStandard]
	}
	out := make([]types.StepDescriptor, len(seq))
	copy(out, seq)
	return out
}

// Step returns the descriptor with the given ordinal.
func (t *Table) Step(variant types.FlowVariant, id int) (types.StepDescriptor, bool) {
	seq := t.Steps(variant)
	if id < 1 || id > len(seq) {
		return types.StepDescriptor{}, false
	}
	return seq[id-1], true
}

// IsStepComplete reports whether every required field of the step is filled and
// its completion expression, if any, holds. Evaluation problems count as incomplete.
func (t *Table) IsStepComplete(step types.StepDescriptor, state types.FlowState) bool {
	if len(t.Missing(step, state)) > 0 {
		return false
	}
	if step.Completion == "" {
		return true
	}
	ok, err := t.evaluator.Evaluate(step.Completion, state.Fields)
	if err != nil {
		logger.Debug("completion expression failed", zap.Int("step", step.ID), zap.String("expression", step.Completion), zap.Error(err))
		return false
	}
	return ok
}

// Missing lists the required fields of the step that are not filled.
func (t *Table) Missing(step types.StepDescriptor, state types.FlowState) []string {
	var missing []string
	for _, name := range step.Required {
		if !rules.Filled(state.Fields[name]) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Gaps returns the advisory validation gaps for every incomplete step.
func (t *Table) Gaps(state types.FlowState) []types.ValidationGap {
	var gaps []types.ValidationGap
	for _, step := range t.Steps(state.Variant) {
		if t.IsStepComplete(step, state) {
			continue
		}
		gaps = append(gaps, types.ValidationGap{Step: step.ID, Missing: t.Missing(step, state)})
	}
	return gaps
}

// ClampStep bounds index to [1, len(seq)].
func ClampStep(index int, seq []types.StepDescriptor) int {
	if index > len(seq) {
		index = len(seq)
	}
	if index < 1 {
		index = 1
	}
	return index
}
