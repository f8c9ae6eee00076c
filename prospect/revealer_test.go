package prospect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/songzhibin97/wizard-engine/metrics"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSearcher records how often the paid reveal is called.
type countingSearcher struct {
	calls  int32
	values map[string]string
	err    error
	delay  time.Duration
}

func (s *countingSearcher) Search(ctx context.Context, c Criteria) ([]Prospect, error) {
	return nil, nil
}

func (s *countingSearcher) Reveal(ctx context.Context, contactID string, field Field) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.values[contactID+":"+string(field)]
	if !ok {
		return "", ErrNotAvailable
	}
	return v, nil
}

func TestRevealerNotAvailableIsCached(t *testing.T) {
	s := &countingSearcher{}
	m := metrics.New()
	r := NewRevealer(s, nil, WithMetrics(m))
	ctx := context.Background()

	v, src, err := r.Reveal(ctx, 1, "p1", FieldPhone)
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, v)
	assert.Equal(t, SourceUpstream, src)

	v, src, err = r.Reveal(ctx, 1, "p1", FieldPhone)
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, v)
	assert.Equal(t, SourceCache, src)

	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RevealLookups.WithLabelValues("upstream")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RevealLookups.WithLabelValues("cache")))
}

func TestRevealerChecksSavedListsFirst(t *testing.T) {
	docs := storage.NewMemoryStorage()
	ctx := context.Background()
	_, err := docs.CreateList(ctx, "oems", "OEM buyers")
	require.NoError(t, err)
	_, err = docs.MergeContacts(ctx, "oems", []types.Contact{{ID: "p1", Name: "Ada", Email: "ada@saved.test"}})
	require.NoError(t, err)

	s := &countingSearcher{values: map[string]string{"p1:email": "ada@upstream.test"}}
	r := NewRevealer(s, docs)

	v, src, err := r.Reveal(ctx, 1, "p1", FieldEmail)
	require.NoError(t, err)
	assert.Equal(t, "ada@saved.test", v)
	assert.Equal(t, SourceList, src)
	assert.Equal(t, int32(0), atomic.LoadInt32(&s.calls))

	// the saved contact has no phone, so that one is paid for
	_, src, err = r.Reveal(ctx, 1, "p1", FieldPhone)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, src)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls))
}

func TestRevealerErrorsAreNotCached(t *testing.T) {
	s := &countingSearcher{err: errors.New("connection reset")}
	r := NewRevealer(s, nil)

	_, _, err := r.Reveal(context.Background(), 1, "p1", FieldEmail)
	assert.Error(t, err)
	_, ok := r.Cached(1, "p1", FieldEmail)
	assert.False(t, ok)

	s.err = nil
	s.values = map[string]string{"p1:email": "a@b.test"}
	v, _, err := r.Reveal(context.Background(), 1, "p1", FieldEmail)
	require.NoError(t, err)
	assert.Equal(t, "a@b.test", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&s.calls))
}

func TestRevealerSessionsAreIsolated(t *testing.T) {
	s := &countingSearcher{values: map[string]string{"p1:email": "a@b.test"}}
	r := NewRevealer(s, nil)
	ctx := context.Background()

	_, _, err := r.Reveal(ctx, 1, "p1", FieldEmail)
	require.NoError(t, err)
	_, _, err = r.Reveal(ctx, 2, "p1", FieldEmail)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&s.calls))

	r.Forget(1)
	_, ok := r.Cached(1, "p1", FieldEmail)
	assert.False(t, ok)
	_, ok = r.Cached(2, "p1", FieldEmail)
	assert.True(t, ok)
}

func TestRevealerConcurrentCallsShareOneReveal(t *testing.T) {
	s := &countingSearcher{values: map[string]string{"p1:email": "a@b.test"}, delay: 50 * time.Millisecond}
	r := NewRevealer(s, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := r.Reveal(context.Background(), 1, "p1", FieldEmail)
			assert.NoError(t, err)
			assert.Equal(t, "a@b.test", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls))
}
