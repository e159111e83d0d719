package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

func TestIngest(t *testing.T) {
	backend := newMockBackend()
	server := testServer(backend)
	id := source.DeriveID("tdm/sensor_1")

	body := `[
		{"tdmq_id": "` + id.String() + `", "time": "2024-01-01T00:00:00Z", "data": {"temperature": 20}},
		{"tdmq_id": "` + id.String() + `", "time": "2024-01-01T00:00:10Z", "slot": 3, "payload": {"VMI": [1, 2]}}
	]`
	w := do(t, server, http.MethodPost, "/v1/records", body, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d\nbody: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	reqs := backend.lastIngest
	if len(reqs) != 2 {
		t.Fatalf("requests: got %d, want 2", len(reqs))
	}
	if reqs[0].SourceID != id || !reqs[0].Time.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first record: got %+v", reqs[0])
	}
	if reqs[1].Slot == nil || *reqs[1].Slot != 3 || len(reqs[1].Payload["VMI"]) != 2 {
		t.Errorf("second record: got %+v", reqs[1])
	}

	var resp struct {
		Ingested int `json:"ingested"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ingested != 2 {
		t.Errorf("ingested: got %d", resp.Ingested)
	}

	backend.err = service.ErrNotFound
	if w := do(t, server, http.MethodPost, "/v1/records", body, true); w.Code != http.StatusNotFound {
		t.Errorf("unknown source: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTimeseries(t *testing.T) {
	backend := newMockBackend()
	backend.result = timeseries.Assemble([]timeseries.Row{
		{Offset: 0, Values: []any{245.0}},
		{Offset: 10, Values: []any{345.0}},
	}, []string{"temperature", "humidity"}, []string{"temperature"})
	backend.result.Bucket = &timeseries.BucketInfo{Interval: 10, Op: "sum"}
	server := testServer(backend)
	id := source.DeriveID("tdm/sensor_1")

	w := do(t, server, http.MethodGet,
		"/v1/sources/"+id.String()+"/timeseries?after=2024-01-01T00:00:00Z&bucket=10&op=sum&fields=temperature",
		"", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d\nbody: %s", w.Code, w.Body.String())
	}

	req := backend.lastTimeseries
	if req.SourceID != id || req.Bucket != 10*time.Second || req.Op != "sum" || req.Raw {
		t.Errorf("request: got %+v", req)
	}
	if len(req.Properties) != 1 || req.Properties[0] != "temperature" {
		t.Errorf("properties: got %v", req.Properties)
	}

	var resp struct {
		Coords struct {
			Time []float64 `json:"time"`
		} `json:"coords"`
		Data   map[string][]any `json:"data"`
		Bucket struct {
			Interval float64 `json:"interval"`
			Op       string  `json:"op"`
		} `json:"bucket"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Coords.Time) != 2 || resp.Coords.Time[1] != 10 {
		t.Errorf("time: got %v", resp.Coords.Time)
	}
	if resp.Data["temperature"][0] != 245.0 {
		t.Errorf("temperature: got %v", resp.Data["temperature"])
	}
	if hum := resp.Data["humidity"]; len(hum) != 2 || hum[0] != nil {
		t.Errorf("humidity: got %v, want two nulls", hum)
	}
	if resp.Bucket.Op != "sum" || resp.Bucket.Interval != 10 {
		t.Errorf("bucket: got %+v", resp.Bucket)
	}
}

func TestTimeseries_Errors(t *testing.T) {
	backend := newMockBackend()
	server := testServer(backend)
	target := "/v1/sources/" + source.DeriveID("x").String() + "/timeseries?anonymized=false"

	backend.err = service.ErrUnauthorized
	if w := do(t, server, http.MethodGet, target, "", false); w.Code != http.StatusForbidden {
		t.Errorf("raw unauthorized: got %d, want %d", w.Code, http.StatusForbidden)
	}
	if !backend.lastTimeseries.Raw {
		t.Error("anonymized=false should request raw data")
	}

	backend.err = service.ErrValidation
	if w := do(t, server, http.MethodGet, target, "", true); w.Code != http.StatusBadRequest {
		t.Errorf("validation: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestReadBlock(t *testing.T) {
	backend := newMockBackend()
	backend.block = &blockstore.Block{Data: map[string][]float64{"VMI": {1, 2, 3, 4}}}
	server := testServer(backend)
	id := source.DeriveID("tdm/radar")

	w := do(t, server, http.MethodGet, "/v1/sources/"+id.String()+"/blocks/2", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d\nbody: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Slot int                  `json:"slot"`
		Data map[string][]float64 `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Slot != 2 || len(resp.Data["VMI"]) != 4 {
		t.Errorf("got %+v", resp)
	}

	backend.err = service.ErrNotFound
	if w := do(t, server, http.MethodGet, "/v1/sources/"+id.String()+"/blocks/5", "", false); w.Code != http.StatusNotFound {
		t.Errorf("empty slot: got %d, want %d", w.Code, http.StatusNotFound)
	}
}
