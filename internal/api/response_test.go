package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return env
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"meeting_id": "m-1"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}

	env := decodeEnvelope(t, w)
	if env.Error != "" {
		t.Errorf("expected empty error, got %q", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be map, got %T", env.Data)
	}
	if data["meeting_id"] != "m-1" {
		t.Errorf("expected meeting_id=m-1, got %v", data["meeting_id"])
	}
}

func TestWriteJSON_NilData(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, nil)

	env := decodeEnvelope(t, w)
	if env.Data != nil {
		t.Errorf("expected nil data, got %v", env.Data)
	}
	if env.Error != "" {
		t.Errorf("expected empty error, got %q", env.Error)
	}
}

func TestWriteJSON_CustomStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"meeting_id": "m-2"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "meeting not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}

	env := decodeEnvelope(t, w)
	if env.Error != "meeting not found" {
		t.Errorf("expected error 'meeting not found', got %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("expected nil data, got %v", env.Data)
	}
}

func TestWriteJSON_OmitsEmptyError(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, "ok")

	if body := w.Body.String(); strings.Contains(body, `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", body)
	}
}

func TestReadJSON_Success(t *testing.T) {
	body := strings.NewReader(`{"composite":true}`)
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", body)

	var dst struct {
		Composite bool `json:"composite"`
	}

	if errMsg := readJSON(r, &dst); errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if !dst.Composite {
		t.Error("expected composite=true")
	}
}

func TestReadJSON_EmptyBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", strings.NewReader(""))

	var dst struct{}
	if errMsg := readJSON(r, &dst); errMsg != "request body must not be empty" {
		t.Errorf("expected 'request body must not be empty', got %q", errMsg)
	}
}

func TestReadJSON_MalformedJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", strings.NewReader("{composite"))

	var dst struct{}
	if errMsg := readJSON(r, &dst); errMsg != "malformed json" {
		t.Errorf("expected 'malformed json', got %q", errMsg)
	}
}

func TestReadJSON_UnknownField(t *testing.T) {
	body := strings.NewReader(`{"composite":true,"compositor":false}`)
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", body)

	var dst struct {
		Composite bool `json:"composite"`
	}

	if errMsg := readJSON(r, &dst); errMsg != `unknown field "compositor"` {
		t.Errorf("expected unknown field error, got %q", errMsg)
	}
}

func TestReadJSON_WrongType(t *testing.T) {
	body := strings.NewReader(`{"composite":"yes"}`)
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", body)

	var dst struct {
		Composite bool `json:"composite"`
	}

	if errMsg := readJSON(r, &dst); errMsg != "invalid value for field composite" {
		t.Errorf("expected type error for composite, got %q", errMsg)
	}
}

func TestReadJSON_MultipleObjects(t *testing.T) {
	body := strings.NewReader(`{"composite":true}{"composite":false}`)
	r := httptest.NewRequest(http.MethodPut, "/api/v1/mode", body)

	var dst struct {
		Composite bool `json:"composite"`
	}

	if errMsg := readJSON(r, &dst); errMsg != "request body must contain a single json object" {
		t.Errorf("expected single object error, got %q", errMsg)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/api/v1/meetings", defaultLimit, 0},
		{"custom values", "/api/v1/meetings?limit=50&offset=10", 50, 10},
		{"limit clamped", "/api/v1/meetings?limit=500", maxLimit, 0},
		{"explicit zero offset", "/api/v1/meetings?offset=0", defaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			p, errMsg := parsePagination(r)
			if errMsg != "" {
				t.Fatalf("expected no error, got %q", errMsg)
			}
			if p.Limit != tt.wantLimit {
				t.Errorf("expected limit %d, got %d", tt.wantLimit, p.Limit)
			}
			if p.Offset != tt.wantOffset {
				t.Errorf("expected offset %d, got %d", tt.wantOffset, p.Offset)
			}
		})
	}
}

func TestParsePagination_InvalidLimit(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"non-numeric", "/api/v1/meetings?limit=abc"},
		{"zero", "/api/v1/meetings?limit=0"},
		{"negative", "/api/v1/meetings?limit=-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if _, errMsg := parsePagination(r); errMsg != "limit must be a positive integer" {
				t.Errorf("expected 'limit must be a positive integer', got %q", errMsg)
			}
		})
	}
}

func TestParsePagination_InvalidOffset(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"non-numeric", "/api/v1/meetings?offset=abc"},
		{"negative", "/api/v1/meetings?offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if _, errMsg := parsePagination(r); errMsg != "offset must be a non-negative integer" {
				t.Errorf("expected 'offset must be a non-negative integer', got %q", errMsg)
			}
		})
	}
}

func TestPaginatedResponse_JSONFormat(t *testing.T) {
	resp := PaginatedResponse{
		Items:  []string{"m-1", "m-2"},
		Total:  7,
		Limit:  20,
		Offset: 0,
	}

	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, resp)

	env := decodeEnvelope(t, w)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be map, got %T", env.Data)
	}
	if data["total"] != float64(7) {
		t.Errorf("expected total=7, got %v", data["total"])
	}
	if data["limit"] != float64(20) {
		t.Errorf("expected limit=20, got %v", data["limit"])
	}
	if data["offset"] != float64(0) {
		t.Errorf("expected offset=0, got %v", data["offset"])
	}
	items, ok := data["items"].([]any)
	if !ok {
		t.Fatalf("expected items to be array, got %T", data["items"])
	}
	if len(items) != 2 || items[0] != "m-1" {
		t.Errorf("expected items [m-1 m-2], got %v", items)
	}
}

func TestEnvelope_JSONFormat(t *testing.T) {
	b, err := json.Marshal(envelope{Data: map[string]string{"id": "m-1"}})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if !strings.Contains(string(b), `"data"`) {
		t.Error("expected 'data' field in output")
	}
	if strings.Contains(string(b), `"error"`) {
		t.Error("expected 'error' field to be omitted")
	}

	b, err = json.Marshal(envelope{Error: "meeting not found"})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if !strings.Contains(string(b), `"error":"meeting not found"`) {
		t.Errorf("expected error field, got %s", string(b))
	}
}
