// Package prospect wraps the paid prospect-search API and the caller-side
// policy that keeps reveal calls from being billed twice.
package prospect

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

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/types"
)

const (
	DefaultBaseURL = "https://api.apollo.io/api/v1"
	DefaultPerPage = 25
)

// ErrNotAvailable is returned when the provider has no value for a revealed field.
var ErrNotAvailable = errors.New("not available")

// ErrInvalidField is returned for fields that cannot be revealed.
var ErrInvalidField = errors.New("field must be email or phone")

// Field is a contact attribute that costs a reveal.
type Field string

const (
	FieldEmail Field = "email"
	FieldPhone Field = "phone"
)

// ParseField validates a reveal field name.
func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldEmail, FieldPhone:
		return Field(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidField, s)
}

// Criteria narrows a prospect search.
type Criteria struct {
	Titles      []string `json:"titles,omitempty"`
	Industries  []string `json:"industries,omitempty"`
	Locations   []string `json:"locations,omitempty"`
	CompanySize string   `json:"company_size,omitempty"`
	Keywords    string   `json:"keywords,omitempty"`
	Page        int      `json:"page,omitempty"`
	PerPage     int      `json:"per_page,omitempty"`
}

// Prospect is a search hit. Email and phone are withheld until revealed.
type Prospect struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	Industry string `json:"industry"`
	Location string `json:"location"`
	LinkedIn string `json:"linkedin,omitempty"`
}

// Contact converts the hit into a savable contact.
func (p Prospect) Contact() types.Contact {
	return types.Contact{
		ID:       p.ID,
		Name:     p.Name,
		Title:    p.Title,
		Company:  p.Company,
		Industry: p.Industry,
		Location: p.Location,
		LinkedIn: p.LinkedIn,
	}
}

// Searcher is the prospect-search collaborator.
type Searcher interface {
	Search(ctx context.Context, c Criteria) ([]Prospect, error)
	Reveal(ctx context.Context, contactID string, field Field) (string, error)
}

// Client talks to an Apollo-compatible REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type searchRequest struct {
	PersonTitles    []string `json:"person_titles,omitempty"`
	PersonLocations []string `json:"person_locations,omitempty"`
	Industries      []string `json:"q_organization_keyword_tags,omitempty"`
	EmployeeRanges  []string `json:"organization_num_employees_ranges,omitempty"`
	Keywords        string   `json:"q_keywords,omitempty"`
	Page            int      `json:"page"`
	PerPage         int      `json:"per_page"`
}

type apiPerson struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	LinkedInURL  string `json:"linkedin_url"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	Email        string `json:"email"`
	PhoneNumbers []struct {
		Sanitized string `json:"sanitized_number"`
	} `json:"phone_numbers"`
	Organization struct {
		Name     string `json:"name"`
		Industry string `json:"industry"`
	} `json:"organization"`
}

// Search implements Searcher.
func (c *Client) Search(ctx context.Context, crit Criteria) ([]Prospect, error) {
	req := searchRequest{
		PersonTitles:    crit.Titles,
		PersonLocations: crit.Locations,
		Industries:      crit.Industries,
		Keywords:        crit.Keywords,
		Page:            crit.Page,
		PerPage:         crit.PerPage,
	}
	if crit.CompanySize != "" {
		req.EmployeeRanges = []string{crit.CompanySize}
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PerPage < 1 {
		req.PerPage = DefaultPerPage
	}

	var resp struct {
		People []apiPerson `json:"people"`
	}
	if err := c.post(ctx, "/mixed_people/search", req, &resp); err != nil {
		return nil, err
	}

	out := make([]Prospect, 0, len(resp.People))
	for _, p := range resp.People {
		out = append(out, Prospect{
			ID:       p.ID,
			Name:     p.Name,
			Title:    p.Title,
			Company:  p.Organization.Name,
			Industry: p.Organization.Industry,
			Location: joinNonEmpty(", ", p.City, p.State, p.Country),
			LinkedIn: p.LinkedInURL,
		})
	}
	return out, nil
}

// Reveal implements Searcher. Every call is billed upstream.
func (c *Client) Reveal(ctx context.Context, contactID string, field Field) (string, error) {
	body := map[string]interface{}{
		"id":                     contactID,
		"reveal_personal_emails": field == FieldEmail,
		"reveal_phone_number":    field == FieldPhone,
	}
	var resp struct {
		Person *apiPerson `json:"person"`
	}
	if err := c.post(ctx, "/people/match", body, &resp); err != nil {
		var se *gateway.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", ErrNotAvailable
		}
		return "", err
	}
	if resp.Person == nil {
		return "", ErrNotAvailable
	}

	var value string
	switch field {
	case FieldEmail:
		value = resp.Person.Email
	case FieldPhone:
		if len(resp.Person.PhoneNumbers) > 0 {
			value = resp.Person.PhoneNumbers[0].Sanitized
		}
	}
	if value == "" || strings.HasPrefix(value, "email_not_unlocked") {
		return "", ErrNotAvailable
	}
	return value, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("prospect request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &gateway.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
