package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
)

func TestRegisterSource(t *testing.T) {
	backend := newMockBackend()
	server := testServer(backend)

	body := `{
		"id": "tdm/sensor_1",
		"entity_category": "Station",
		"entity_type": "PointWeatherObserver",
		"default_footprint": {"type": "Point", "coordinates": [9.1, 39.2]},
		"stationary": true,
		"public": true,
		"description": {"controlledProperty": ["temperature"]}
	}`
	w := do(t, server, http.MethodPost, "/v1/sources", body, true)

	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d\nbody: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var resp struct {
		TdmqID string `json:"tdmq_id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TdmqID != source.DeriveID("tdm/sensor_1").String() {
		t.Errorf("tdmq_id: got %s", resp.TdmqID)
	}
	if !backend.lastCaller.Authorized {
		t.Error("caller should be authorized")
	}
	if got := backend.lastRegister; got.ExternalID != "tdm/sensor_1" || !got.Public || got.Stationary == nil || !*got.Stationary {
		t.Errorf("register request: got %+v", got)
	}
}

func TestRegisterSource_Errors(t *testing.T) {
	body := `{"id":"a","entity_category":"Station","entity_type":"X","default_footprint":{"type":"Point","coordinates":[0,0]},"stationary":true}`
	tests := []struct {
		name string
		err  error
		auth bool
		body string
		want int
	}{
		{"duplicate", service.ErrDuplicateItem, true, body, http.StatusConflict},
		{"invalid", service.ErrValidation, true, body, http.StatusBadRequest},
		{"anonymous", service.ErrUnauthorized, false, body, http.StatusForbidden},
		{"missing fields", nil, true, `{"id":"a"}`, http.StatusUnprocessableEntity},
		{"missing stationary", nil, true, strings.Replace(body, `,"stationary":true`, "", 1), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMockBackend()
			backend.err = tt.err
			w := do(t, testServer(backend), http.MethodPost, "/v1/sources", tt.body, tt.auth)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d\nbody: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSearchSources_Params(t *testing.T) {
	backend := newMockBackend()
	src := sampleSource("tdm/sensor_1", true)
	backend.sources[src.ID] = src
	server := testServer(backend)

	w := do(t, server, http.MethodGet,
		"/v1/sources?entity_type=PointWeatherObserver&public=false&roi=circle((9.1,%2039.2),%201000)&brandName=Acme&floor=3",
		"", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d\nbody: %s", w.Code, w.Body.String())
	}

	req := backend.lastSearch
	if req.EntityType != "PointWeatherObserver" {
		t.Errorf("entity_type: got %q", req.EntityType)
	}
	if req.Public == nil || *req.Public {
		t.Errorf("public: got %v", req.Public)
	}
	if req.ROI == nil || req.ROI.Center != (orb.Point{9.1, 39.2}) || req.ROI.Radius != 1000 {
		t.Errorf("roi: got %+v", req.ROI)
	}
	if req.Description["brandName"] != "Acme" || req.Description["floor"] != 3.0 {
		t.Errorf("description filters: got %v", req.Description)
	}
	if req.Raw {
		t.Error("search should default to anonymized")
	}

	var resp []SourceResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || !strings.Contains(string(resp[0].DefaultFootprint), `"Point"`) {
		t.Errorf("response: got %+v", resp)
	}
}

func TestSearchSources_BadParams(t *testing.T) {
	for _, q := range []string{"roi=square(1,2)", "roi=circle((200,%200),%2010)", "roi=circle((1,%202),%20-5)", "public=maybe"} {
		w := do(t, testServer(newMockBackend()), http.MethodGet, "/v1/sources?"+q, "", false)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: status got %d, want %d", q, w.Code, http.StatusUnprocessableEntity)
		}
	}
}

func TestSearchSources_RawAndPagination(t *testing.T) {
	backend := newMockBackend()
	server := testServer(backend)

	do(t, server, http.MethodGet, "/v1/sources?anonymized=false", "", true)
	if !backend.lastSearch.Raw || !backend.lastCaller.Authorized {
		t.Errorf("raw search: got %+v caller %+v", backend.lastSearch, backend.lastCaller)
	}

	backend.err = service.ErrPaginationUnsupported
	w := do(t, server, http.MethodGet, "/v1/sources?limit=10", "", false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit: status got %d, want %d", w.Code, http.StatusBadRequest)
	}
	if backend.lastSearch.Limit != 10 {
		t.Errorf("limit not forwarded: %+v", backend.lastSearch)
	}
}

func TestGetSource(t *testing.T) {
	backend := newMockBackend()
	src := sampleSource("tdm/sensor_1", false)
	backend.sources[src.ID] = src
	server := testServer(backend)

	w := do(t, server, http.MethodGet, "/v1/sources/"+src.ID.String(), "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d\nbody: %s", w.Code, w.Body.String())
	}
	var resp SourceResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TdmqID != src.ID || resp.EntityCategory != "Station" {
		t.Errorf("got %+v", resp)
	}
	if backend.lastRaw {
		t.Error("GetSource should default to anonymized")
	}

	w = do(t, server, http.MethodGet, "/v1/sources/"+source.DeriveID("nope").String(), "", false)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: status got %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, server, http.MethodGet, "/v1/sources/not-a-uuid", "", false)
	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad id: status got %d", w.Code)
	}
}

func TestDeleteSource(t *testing.T) {
	backend := newMockBackend()
	server := testServer(backend)
	id := source.DeriveID("tdm/sensor_1")

	w := do(t, server, http.MethodDelete, "/v1/sources/"+id.String(), "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != id {
		t.Errorf("deleted: got %v", backend.deleted)
	}

	backend.err = service.ErrUnauthorized
	if w := do(t, server, http.MethodDelete, "/v1/sources/"+id.String(), "", false); w.Code != http.StatusForbidden {
		t.Errorf("anonymous delete: got %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestParseROI(t *testing.T) {
	roi, err := parseROI(" circle( (9.1 , 39.2) , 2.5e3 ) ")
	if err != nil {
		t.Fatalf("parseROI: %v", err)
	}
	if roi.Center != (orb.Point{9.1, 39.2}) || roi.Radius != 2500 {
		t.Errorf("got %+v", roi)
	}
}

func TestQueryValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"12.5", 12.5},
		{"Acme", "Acme"},
		{`"quoted"`, `"quoted"`},
		{"[1,2]", "[1,2]"},
	}
	for _, tt := range tests {
		if got := queryValue(tt.in); got != tt.want {
			t.Errorf("queryValue(%q): got %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}
}

func TestTaxonomyRoutes(t *testing.T) {
	server := testServer(newMockBackend())

	w := do(t, server, http.MethodGet, "/v1/entity_categories", "", false)
	var cats struct {
		EntityCategories []source.EntityCategory `json:"entity_categories"`
	}
	if err := json.NewDecoder(w.Body).Decode(&cats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cats.EntityCategories) == 0 {
		t.Error("no categories")
	}

	w = do(t, server, http.MethodGet, "/v1/entity_types?entity_category=Radar", "", false)
	var types struct {
		EntityTypes []source.EntityType `json:"entity_types"`
	}
	if err := json.NewDecoder(w.Body).Decode(&types); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, et := range types.EntityTypes {
		if et.Category != "Radar" {
			t.Errorf("type %s in category %s", et.Name, et.Category)
		}
	}
}
