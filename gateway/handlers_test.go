package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songzhibin97/wizard-engine/notify"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload() map[string]interface{} {
	return map[string]interface{}{
		KeySessionID: uint64(9),
		KeyVariant:   "nda",
		KeyFields:    map[string]interface{}{"companyName": "Acme", "recipientEmail": "jo@acme.test"},
		KeyStep:      3,
	}
}

func TestStub(t *testing.T) {
	out, err := Stub{Output: map[string]interface{}{"ok": true}}.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])

	want := errors.New("backend down")
	_, err = Stub{Err: want}.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, want)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Stub{Delay: time.Second}.Execute(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDocumentHandler(t *testing.T) {
	docs := storage.NewMemoryStorage()
	h := DocumentHandler{Docs: docs, Status: types.StatusCompleted, Now: func() time.Time { return time.UnixMilli(500) }}

	out, err := h.Execute(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "session-9", out["documentId"])
	assert.Equal(t, "completed", out["status"])

	doc, err := docs.GetDocument(context.Background(), "session-9")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), doc.SessionID)
	assert.Equal(t, types.VariantNDA, doc.Variant)
	assert.Equal(t, types.StatusCompleted, doc.Status)
	assert.Equal(t, "Acme", doc.Fields["companyName"])
	assert.Equal(t, int64(500), doc.UpdatedAt)

	payload := samplePayload()
	payload[KeyInput] = map[string]interface{}{"documentId": "custom"}
	out, err = DocumentHandler{Docs: docs}.Execute(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "custom", out["documentId"])
	assert.Equal(t, "draft", out["status"])
}

func TestDocumentHandlerSessionID(t *testing.T) {
	docs := storage.NewMemoryStorage()
	h := DocumentHandler{Docs: docs}

	payload := samplePayload()
	payload[KeySessionID] = float64(12)
	out, err := h.Execute(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "session-12", out["documentId"])

	delete(payload, KeySessionID)
	_, err = h.Execute(context.Background(), payload)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, ReasonRejected, Classify(types.ActionSaveDraft, err).Reason)
}

func TestSessionID(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    uint64
		wantErr bool
	}{
		{"uint64", uint64(7), 7, false},
		{"int", 7, 7, false},
		{"float64", float64(7), 7, false},
		{"json number", json.Number("7"), 7, false},
		{"fraction", 7.5, 0, true},
		{"negative", -1, 0, true},
		{"string", "7", 0, true},
		{"missing", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SessionID(map[string]interface{}{KeySessionID: tt.value})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignatureRelay(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"envelopeId":"env-1"}`))
	}))
	defer srv.Close()

	relay := NewSignatureRelay(srv.URL, "secret")
	out, err := relay.Execute(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "env-1", out["envelopeId"])
	assert.Equal(t, uint64(9), got.SessionID)
	assert.Equal(t, "nda", got.Variant)
	assert.Equal(t, "jo@acme.test", got.Fields["recipientEmail"])
	assert.NotEmpty(t, got.RequestID)
}

func TestSignatureRelayThroughRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(types.ActionSendForSignature, NewSignatureRelay(srv.URL, "bad")))

	_, err := r.Invoke(context.Background(), types.ActionSendForSignature, samplePayload())
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, ReasonAuth, f.Reason)
	assert.Contains(t, f.Message, "invalid api key")
}

func TestWebhookHandler(t *testing.T) {
	var (
		gotEvent   string
		gotPayload map[string]interface{}
	)
	n := notify.NotifierFunc(func(ctx context.Context, event string, payload map[string]interface{}) error {
		gotEvent = event
		gotPayload = payload
		return nil
	})

	out, err := WebhookHandler{Notifier: n}.Execute(context.Background(), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	assert.Equal(t, "notify", gotEvent)
	assert.Equal(t, uint64(9), gotPayload[KeySessionID])
	assert.NotContains(t, gotPayload, KeyFields)
}

func TestWebhookHandlerDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(types.ActionNotify, WebhookHandler{Notifier: notify.NewWebhook(srv.URL), Event: "deal_won"}))

	_, err := r.Invoke(context.Background(), types.ActionNotify, samplePayload())
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRejected, f.Reason)
}
