package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/wizard-engine/notify"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/types"
)

// Stub stands in for a backend that is not wired yet. It waits Delay, then
// returns Err if set, otherwise a copy of Output.
type Stub struct {
	Output map[string]interface{}
	Err    error
	Delay  time.Duration
}

// Execute implements the Handler interface.
func (s Stub) Execute(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]interface{}, len(s.Output))
	for k, v := range s.Output {
		out[k] = v
	}
	return out, nil
}

// DocumentHandler persists the session as a document. The document ID is
// taken from the caller input's "documentId" or derived from the session ID, so
// repeated saves of one session overwrite the same document.
type DocumentHandler struct {
	Docs   storage.Documents
	Status types.SubmissionStatus
	Now    func() time.Time
}

// Execute implements the Handler interface.
func (h DocumentHandler) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	status := h.Status
	if status == "" {
		status = types.StatusDraft
	}

	sessionID, err := SessionID(payload)
	if err != nil {
		return nil, err
	}
	fields, _ := payload[KeyFields].(map[string]interface{})
	variant, _ := payload[KeyVariant].(string)

	id, _ := Input(payload)["documentId"].(string)
	if id == "" {
		id = fmt.Sprintf("session-%d", sessionID)
	}

	doc := types.Document{
		ID:        id,
		SessionID: sessionID,
		Variant:   types.FlowVariant(variant),
		Status:    status,
		Fields:    fields,
		UpdatedAt: now().UnixMilli(),
	}
	if err := h.Docs.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	return map[string]interface{}{"documentId": id, "status": string(status)}, nil
}

// SignatureRelay forwards signature requests to an e-signature relay over HTTP.
type SignatureRelay struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewSignatureRelay creates a relay client with a bounded timeout.
func NewSignatureRelay(url, apiKey string) *SignatureRelay {
	return &SignatureRelay{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: 30 * time.Second}}
}

type relayRequest struct {
	RequestID string                 `json:"requestId"`
	SessionID uint64                 `json:"sessionId"`
	Variant   string                 `json:"variant"`
	Fields    map[string]interface{} `json:"fields"`
}

// Execute implements the Handler interface. The relay's JSON response becomes
// the action output.
func (r *SignatureRelay) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	sessionID, err := SessionID(payload)
	if err != nil {
		return nil, err
	}
	variant, _ := payload[KeyVariant].(string)
	fields, _ := payload[KeyFields].(map[string]interface{})

	body, err := json.Marshal(relayRequest{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		Variant:   variant,
		Fields:    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read relay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	out := make(map[string]interface{})
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode relay response: %w", err)
		}
	}
	return out, nil
}

// WebhookHandler delivers the action payload through a notifier.
type WebhookHandler struct {
	Notifier notify.Notifier
	Event    string
}

// Execute implements the Handler interface.
func (h WebhookHandler) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	event := h.Event
	if event == "" {
		event = string(types.ActionNotify)
	}
	body := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == KeyFields {
			continue
		}
		body[k] = v
	}
	if err := h.Notifier.Send(ctx, event, body); err != nil {
		var de *notify.DeliveryError
		if errors.As(err, &de) {
			return nil, &StatusError{StatusCode: de.StatusCode, Body: de.Body}
		}
		return nil, err
	}
	return map[string]interface{}{"delivered": true}, nil
}
