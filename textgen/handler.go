package textgen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/wizard-engine/gateway"
)

// EnhanceHandler runs Enhance as an external action. The caller input names
// the field to polish; the other text fields of the session are passed along
// as background facts. The rewritten text is the action output and is not
// written back to the field.
type EnhanceHandler struct {
	Generator Generator
}

// Execute implements gateway.Handler.
func (h EnhanceHandler) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	if h.Generator == nil {
		return nil, errors.New("no text generator configured")
	}
	field, _ := gateway.Input(payload)["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("%w: input.field is required", gateway.ErrInvalidPayload)
	}

	fields, _ := payload[gateway.KeyFields].(map[string]interface{})
	text, _ := fields[field].(string)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: field %s has no text", gateway.ErrInvalidPayload, field)
	}

	facts := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && k != field && s != "" {
			facts[k] = s
		}
	}

	out, err := h.Generator.Enhance(ctx, text, facts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"field": field, "text": out}, nil
}
