package textgen

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Stub is a deterministic Generator for tests and offline runs.
type Stub struct {
	Err error
}

// Enhance trims and capitalizes the text.
func (s Stub) Enhance(ctx context.Context, text string, _ map[string]string) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	r, size := utf8.DecodeRuneInString(text)
	return string(unicode.ToUpper(r)) + text[size:], nil
}

// Generate echoes the prompt and a sorted summary of the context.
func (s Stub) Generate(ctx context.Context, prompt string, facts map[string]string) (map[string]interface{}, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+facts[k])
	}
	return map[string]interface{}{
		"title":   prompt,
		"summary": strings.Join(parts, ", "),
	}, nil
}

func (s Stub) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Err
}
