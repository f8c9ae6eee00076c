package prospect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseField(t *testing.T) {
	f, err := ParseField("email")
	require.NoError(t, err)
	assert.Equal(t, FieldEmail, f)

	_, err = ParseField("address")
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestClientSearch(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/mixed_people/search", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"people":[{"id":"p1","name":"Ada Lovelace","title":"VP Supply Chain",
			"city":"Detroit","state":"Michigan","country":"United States",
			"organization":{"name":"Motorworks","industry":"automotive"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1/", "key-1")
	people, err := c.Search(context.Background(), Criteria{
		Titles:      []string{"VP Supply Chain"},
		Industries:  []string{"automotive"},
		CompanySize: "201,500",
	})
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "Motorworks", people[0].Company)
	assert.Equal(t, "Detroit, Michigan, United States", people[0].Location)
	assert.Equal(t, "p1", people[0].Contact().ID)

	assert.Equal(t, 1, got.Page)
	assert.Equal(t, DefaultPerPage, got.PerPage)
	assert.Equal(t, []string{"201,500"}, got.EmployeeRanges)
}

func TestClientReveal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body["id"] {
		case "known":
			_, _ = w.Write([]byte(`{"person":{"email":"ada@motorworks.test","phone_numbers":[{"sanitized_number":"+15550100"}]}}`))
		case "locked":
			_, _ = w.Write([]byte(`{"person":{"email":"email_not_unlocked@domain.com"}}`))
		case "missing":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, "bad key", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	ctx := context.Background()

	v, err := c.Reveal(ctx, "known", FieldEmail)
	require.NoError(t, err)
	assert.Equal(t, "ada@motorworks.test", v)

	v, err = c.Reveal(ctx, "known", FieldPhone)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", v)

	_, err = c.Reveal(ctx, "locked", FieldEmail)
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = c.Reveal(ctx, "missing", FieldEmail)
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = c.Reveal(ctx, "other", FieldEmail)
	var se *gateway.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}
