package prospect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/metrics"
	"github.com/songzhibin97/wizard-engine/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// NotAvailable is the value recorded for fields the provider could not reveal.
const NotAvailable = "Not available"

// Source tells where a revealed value came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceList     Source = "list"
	SourceUpstream Source = "upstream"
)

// DefaultSessionTTL bounds how long revealed values stay cached for a session.
const DefaultSessionTTL = 24 * time.Hour

// Revealer applies the reveal policy: session cache, then saved lists, then
// one paid call. A "not available" answer is cached too, so the paid call is
// never repeated for the same contact and field within a session.
type Revealer struct {
	searcher Searcher
	docs     storage.Documents
	cache    *cache.Cache
	group    singleflight.Group
	metrics  *metrics.Metrics
}

// RevealerOption configures a Revealer.
type RevealerOption func(*Revealer)

// WithMetrics records lookups by source.
func WithMetrics(m *metrics.Metrics) RevealerOption {
	return func(r *Revealer) {
		r.metrics = m
	}
}

// WithSessionTTL changes how long values stay cached.
func WithSessionTTL(ttl time.Duration) RevealerOption {
	return func(r *Revealer) {
		r.cache = cache.New(ttl, ttl/2)
	}
}

// NewRevealer creates a Revealer. docs may be nil when no lists are saved.
func NewRevealer(searcher Searcher, docs storage.Documents, opts ...RevealerOption) *Revealer {
	r := &Revealer{
		searcher: searcher,
		docs:     docs,
		cache:    cache.New(DefaultSessionTTL, time.Hour),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(sessionID uint64, contactID string, field Field) string {
	return fmt.Sprintf("%d:%s:%s", sessionID, contactID, field)
}

// Reveal returns the value of field for the contact. When the provider has no
// value, NotAvailable is returned with a nil error. Transport errors are not
// cached so the caller may try again.
func (r *Revealer) Reveal(ctx context.Context, sessionID uint64, contactID string, field Field) (string, Source, error) {
	key := cacheKey(sessionID, contactID, field)
	if v, ok := r.cache.Get(key); ok {
		r.observe(SourceCache)
		return v.(string), SourceCache, nil
	}

	type lookup struct {
		value  string
		source Source
	}
	res, err, _ := r.group.Do(key, func() (interface{}, error) {
		if v, ok := r.cache.Get(key); ok {
			return lookup{v.(string), SourceCache}, nil
		}
		if v, ok := r.fromLists(ctx, contactID, field); ok {
			r.cache.SetDefault(key, v)
			return lookup{v, SourceList}, nil
		}

		v, err := r.searcher.Reveal(ctx, contactID, field)
		if errors.Is(err, ErrNotAvailable) {
			v, err = NotAvailable, nil
		}
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(key, v)
		logger.Debug("contact field revealed", zap.Uint64("session", sessionID), zap.String("contact", contactID), zap.String("field", string(field)))
		return lookup{v, SourceUpstream}, nil
	})
	if err != nil {
		return "", "", err
	}
	l := res.(lookup)
	r.observe(l.source)
	return l.value, l.source, nil
}

func (r *Revealer) fromLists(ctx context.Context, contactID string, field Field) (string, bool) {
	if r.docs == nil {
		return "", false
	}
	c, ok, err := r.docs.FindContact(ctx, contactID)
	if err != nil {
		logger.Warn("saved list lookup failed", zap.String("contact", contactID), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	switch field {
	case FieldEmail:
		return c.Email, c.Email != ""
	case FieldPhone:
		return c.Phone, c.Phone != ""
	}
	return "", false
}

// Cached returns the value cached for the session without any lookup.
func (r *Revealer) Cached(sessionID uint64, contactID string, field Field) (string, bool) {
	v, ok := r.cache.Get(cacheKey(sessionID, contactID, field))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget drops every value cached for a session.
func (r *Revealer) Forget(sessionID uint64) {
	prefix := fmt.Sprintf("%d:", sessionID)
	for k := range r.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Delete(k)
		}
	}
}

func (r *Revealer) observe(s Source) {
	if r.metrics != nil {
		r.metrics.RevealLookups.WithLabelValues(string(s)).Inc()
	}
}
