package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

// mockBackend records the last request of each kind and answers with the
// configured values.
type mockBackend struct {
	sources map[uuid.UUID]*source.Source
	err     error

	lastCaller     service.Caller
	lastRegister   service.RegisterRequest
	lastSearch     service.SearchRequest
	lastIngest     []service.IngestRequest
	lastTimeseries service.TimeseriesRequest
	lastRaw        bool
	deleted        []uuid.UUID

	result *timeseries.Result
	block  *blockstore.Block
}

func newMockBackend() *mockBackend {
	return &mockBackend{sources: make(map[uuid.UUID]*source.Source)}
}

func (m *mockBackend) EntityCategories() []source.EntityCategory {
	return source.DefaultTaxonomy().Categories()
}

func (m *mockBackend) EntityTypes(category string) []source.EntityType {
	return source.DefaultTaxonomy().Types(category)
}

func (m *mockBackend) RegisterSource(_ context.Context, caller service.Caller, req service.RegisterRequest) (*source.Source, error) {
	m.lastCaller, m.lastRegister = caller, req
	if m.err != nil {
		return nil, m.err
	}
	return &source.Source{ID: source.DeriveID(req.ExternalID)}, nil
}

func (m *mockBackend) DeleteSource(_ context.Context, caller service.Caller, id uuid.UUID) error {
	m.lastCaller = caller
	m.deleted = append(m.deleted, id)
	return m.err
}

func (m *mockBackend) GetSource(_ context.Context, caller service.Caller, id uuid.UUID, raw bool) (*source.Source, error) {
	m.lastCaller, m.lastRaw = caller, raw
	if m.err != nil {
		return nil, m.err
	}
	src, ok := m.sources[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return src, nil
}

func (m *mockBackend) SearchSources(_ context.Context, caller service.Caller, req service.SearchRequest) ([]*source.Source, error) {
	m.lastCaller, m.lastSearch = caller, req
	if m.err != nil {
		return nil, m.err
	}
	var out []*source.Source
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out, nil
}

func (m *mockBackend) IngestBatch(_ context.Context, caller service.Caller, reqs []service.IngestRequest) error {
	m.lastCaller, m.lastIngest = caller, reqs
	return m.err
}

func (m *mockBackend) ReadBlock(_ context.Context, caller service.Caller, id uuid.UUID, slot int) (*blockstore.Block, error) {
	m.lastCaller = caller
	if m.err != nil {
		return nil, m.err
	}
	return m.block, nil
}

func (m *mockBackend) GetTimeseries(_ context.Context, caller service.Caller, req service.TimeseriesRequest) (*timeseries.Result, error) {
	m.lastCaller, m.lastTimeseries = caller, req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

const testToken = "s3cret"

func testServer(backend *mockBackend) http.Handler {
	return NewServer(testLogger(), backend, Options{AuthToken: testToken})
}

// do sends a request, authorized when auth is set.
func do(t *testing.T, h http.Handler, method, target, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sampleSource(externalID string, public bool) *source.Source {
	return &source.Source{
		ID:               source.DeriveID(externalID),
		ExternalID:       externalID,
		EntityCategory:   "Station",
		EntityType:       "PointWeatherObserver",
		DefaultFootprint: orb.Point{9.1, 39.2},
		Stationary:       true,
		Public:           public,
		Description:      []byte(`{"controlledProperty":["temperature"]}`),
	}
}
