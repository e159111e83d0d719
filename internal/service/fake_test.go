package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/thanos-io/objstore"
	"github.com/tidwall/gjson"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/storage"
	"github.com/tdm-project/tdmq/internal/timeseries"
	"github.com/tdm-project/tdmq/internal/zone"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory storage.Store.
type memStore struct {
	mu        sync.Mutex
	sources   map[uuid.UUID]*source.Source
	order     []uuid.UUID
	records   []source.Record
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{sources: make(map[uuid.UUID]*source.Source)}
}

func (m *memStore) EnsureTaxonomy(context.Context, *source.Taxonomy) error { return nil }

func (m *memStore) CreateSource(_ context.Context, src *source.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.ID]; ok {
		return storage.ErrDuplicateSource
	}
	cp := *src
	m.sources[src.ID] = &cp
	m.order = append(m.order, src.ID)
	return nil
}

func (m *memStore) GetSource(_ context.Context, id uuid.UUID) (*source.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, storage.ErrSourceNotFound
	}
	cp := *src
	return &cp, nil
}

func (m *memStore) DeleteSource(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return false, nil
	}
	delete(m.sources, id)
	m.order = slices.DeleteFunc(m.order, func(x uuid.UUID) bool { return x == id })
	m.records = slices.DeleteFunc(m.records, func(r source.Record) bool { return r.SourceID == id })
	return true, nil
}

func (m *memStore) SearchSources(_ context.Context, f query.SourceFilter) ([]*source.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*source.Source, 0)
	for _, id := range m.order {
		src := m.sources[id]
		switch {
		case f.ID != nil && *f.ID != src.ID,
			f.EntityCategory != "" && f.EntityCategory != src.EntityCategory,
			f.EntityType != "" && f.EntityType != src.EntityType,
			f.Public != nil && *f.Public != src.Public,
			f.Stationary != nil && *f.Stationary != src.Stationary:
			continue
		}
		if f.ROI != nil && !(f.ROIPublicOnly && !src.Public) && !f.ROI.Intersects(src.DefaultFootprint) {
			continue
		}
		match := true
		for k, v := range f.Description {
			res := gjson.GetBytes(src.Description, k)
			if res.Value() != v && !(res.IsArray() && slices.ContainsFunc(res.Array(), func(r gjson.Result) bool { return r.Value() == v })) {
				match = false
			}
		}
		if !match {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) InsertRecords(_ context.Context, records []source.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memStore) recordsOf(id uuid.UUID) []source.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []source.Record
	for _, r := range m.records {
		if r.SourceID == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) QueryTimeseries(_ context.Context, req query.TimeseriesRequest) ([]timeseries.Row, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	recs := m.recordsOf(req.SourceID)
	slices.SortStableFunc(recs, func(a, b source.Record) int { return a.Time.Compare(b.Time) })

	anchor := req.After
	if anchor.IsZero() && len(recs) > 0 {
		anchor = recs[0].Time
	}
	var rows []timeseries.Row
	for _, r := range recs {
		if r.Time.Before(anchor) || (!req.Before.IsZero() && !r.Time.Before(req.Before)) {
			continue
		}
		row := timeseries.Row{Offset: r.Time.Sub(anchor).Seconds()}
		if r.Footprint != nil {
			row.Footprint = json.RawMessage(`{"type":"Point","coordinates":[0,0]}`)
		}
		for _, p := range req.Properties {
			res := gjson.GetBytes(r.Data, p)
			if res.Exists() {
				row.Values = append(row.Values, res.Value())
			} else {
				row.Values = append(row.Values, nil)
			}
		}
		rows = append(rows, row)
	}
	if !req.Bucketed() {
		return rows, nil
	}

	width := req.Bucket.Seconds()
	var out []timeseries.Row
	for _, row := range rows {
		start := math.Floor(row.Offset/width) * width
		if len(out) == 0 || out[len(out)-1].Offset != start {
			out = append(out, timeseries.Row{Offset: start, Values: make([]any, len(req.Properties))})
		}
		b := &out[len(out)-1]
		for i, v := range row.Values {
			f, ok := v.(float64)
			if !ok {
				continue
			}
			switch req.Op {
			case "count":
				n, _ := b.Values[i].(int64)
				b.Values[i] = n + 1
			case "sum":
				s, _ := b.Values[i].(float64)
				b.Values[i] = s + f
			default:
				return nil, errors.New("fake store: unsupported op " + req.Op)
			}
		}
	}
	return out, nil
}

// failingBlocks wraps a block store and fails every Create.
type failingBlocks struct {
	BlockStore
}

func (failingBlocks) Create(context.Context, string, []int, int, []string) error {
	return errors.New("disk full")
}

// flakyDelete wraps a block store and fails the next failures Delete calls.
type flakyDelete struct {
	BlockStore
	failures int
}

func (f *flakyDelete) Delete(ctx context.Context, array string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("bucket unavailable")
	}
	return f.BlockStore.Delete(ctx, array)
}

// recordingBlocks remembers Create calls.
type recordingBlocks struct {
	BlockStore
	slots map[string]int
}

func (r *recordingBlocks) Create(ctx context.Context, array string, shape []int, slots int, props []string) error {
	r.slots[array] = slots
	return r.BlockStore.Create(ctx, array, shape, slots, props)
}

// cagliari is an anonymization zone around (9.1, 39.1).
func cagliari() zone.Feature {
	return zone.Feature{
		Geometry:   orb.Polygon{orb.Ring{{9, 39}, {9.2, 39}, {9.2, 39.2}, {9, 39.2}, {9, 39}}},
		Properties: map[string]any{"name": "Cagliari"},
	}
}

type fixture struct {
	svc    *Service
	store  *memStore
	blocks *blockstore.Store
	zones  *zone.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	zones := zone.NewEngine(testLogger())
	zones.Load(slices.Values([]zone.Feature{cagliari()}))
	store := newMemStore()
	blocks := blockstore.New(objstore.NewInMemBucket(), testLogger())
	svc := New(store, blocks, zones, source.DefaultTaxonomy(), testLogger(), Options{})
	return &fixture{svc: svc, store: store, blocks: blocks, zones: zones}
}

var admin = Caller{Authorized: true}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func registration(externalID string, public bool, lon, lat float64) RegisterRequest {
	fp, _ := json.Marshal(map[string]any{"type": "Point", "coordinates": []float64{lon, lat}})
	return RegisterRequest{Registration: source.Registration{
		ExternalID:       externalID,
		EntityCategory:   "Station",
		EntityType:       "PointWeatherObserver",
		DefaultFootprint: fp,
		Stationary:       boolPtr(true),
		Public:           public,
		Description: json.RawMessage(`{"controlledProperty":["temperature","humidity"],` +
			`"manufacturer":"Acme","serial":"X-1"}`),
	}}
}

func mustRegister(t *testing.T, f *fixture, req RegisterRequest) *source.Source {
	t.Helper()
	src, err := f.svc.RegisterSource(context.Background(), admin, req)
	if err != nil {
		t.Fatalf("RegisterSource %s: %v", req.ExternalID, err)
	}
	return src
}

func ingestSeries(t *testing.T, f *fixture, id uuid.UUID, start time.Time, n int) {
	t.Helper()
	reqs := make([]IngestRequest, 0, n)
	for i := range n {
		data, _ := json.Marshal(map[string]any{"temperature": 20 + i})
		reqs = append(reqs, IngestRequest{SourceID: id, Time: start.Add(time.Duration(i) * time.Second), Data: data})
	}
	if err := f.svc.IngestBatch(context.Background(), admin, reqs); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
}
