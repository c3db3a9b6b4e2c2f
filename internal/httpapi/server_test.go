package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fabricd/internal/fault"
	"fabricd/internal/handle"
	"fabricd/pkg/types"
)

type mockService struct {
	models    []types.Model
	status    types.StatusResponse
	line      string
	ready     bool
	inferErr  error
	swapErr   error
	swapGen   uint64
	swapRef   string
	cancelErr error
	cancelled []handle.Handle
}

func (m *mockService) ListModels() []types.Model    { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) StatusString() string         { return m.line }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Swap(ctx context.Context, ref, projector string) (uint64, error) {
	m.swapRef = ref
	if m.swapErr != nil {
		return 0, m.swapErr
	}
	return m.swapGen, nil
}

func (m *mockService) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error {
	// Write two NDJSON lines if no error
	if m.inferErr != nil {
		return m.inferErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(types.InferChunk{Handle: "0.1", Delta: "hi"})
	if flush != nil {
		flush()
	}
	_ = enc.Encode(types.InferChunk{Done: true, FinishReason: "stop"})
	if flush != nil {
		flush()
	}
	return nil
}

func (m *mockService) Cancel(h handle.Handle) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, h)
	return nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	r := NewMux(svc)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{MaxSessions: 4, Model: types.ModelStatus{Loaded: true, Generation: 3}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.MaxSessions != 4 || body.Model.Generation != 3 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestStatusText(t *testing.T) {
	svc := &mockService{line: `state=Connected model=m.gguf gen=2 last_event="HEARTBEAT"`}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status/text", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%s", ct)
	}
	if strings.TrimSpace(w.Body.String()) != svc.line {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	svc := &mockService{ready: true}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	svc := &mockService{ready: false}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestInferStreams(t *testing.T) {
	r := NewMux(&mockService{})
	w := postJSON(r, "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d", len(lines))
	}
}

func TestInferBadJSON(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/infer", "not-json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferHTTPErrorMapping(t *testing.T) {
	svc := &mockService{inferErr: mockHTTPError{msg: "teapot", code: http.StatusTeapot}}
	w := postJSON(NewMux(svc), "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusTeapot {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferRuntimeErrorMapping(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.TooBusy, http.StatusTooManyRequests},
		{fault.PathInvalid, http.StatusNotFound},
		{fault.ModelLoadFailed, http.StatusServiceUnavailable},
		{fault.ContextWindowExceeded, http.StatusRequestEntityTooLarge},
		{fault.ImageDecodeFailed, http.StatusBadRequest},
	}
	for _, tc := range cases {
		svc := &mockService{inferErr: fault.New(tc.kind, "test", "boom")}
		w := postJSON(NewMux(svc), "/infer", `{"prompt":"hi"}`)
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.kind, w.Code, tc.want)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Code != tc.want || body.RuntimeCode != tc.kind.Code() {
			t.Fatalf("%v: unexpected body %+v", tc.kind, body)
		}
	}
}

func TestInferGenericErrorMaps500(t *testing.T) {
	w := postJSON(NewMux(&mockService{inferErr: io.EOF}), "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferUnsupportedMediaType(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferBodyTooLarge(t *testing.T) {
	// Create >1MiB body
	big := bytes.Repeat([]byte{'a'}, (1<<20)+10)
	w := postJSON(NewMux(&mockService{}), "/infer", string(big))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestInferPromptRequired(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/infer", `{"prompt":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing prompt, got %d", w.Code)
	}
}

func TestInferImageOnlyAccepted(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/infer", `{"image":"aGVsbG8="}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestLoadModel(t *testing.T) {
	svc := &mockService{swapGen: 2, status: types.StatusResponse{Model: types.ModelStatus{Path: "/m/b.gguf", ProjectorType: "qwen2vl"}}}
	w := postJSON(NewMux(svc), "/models/load", `{"model":"b.gguf"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.LoadModelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Generation != 2 || body.Path != "/m/b.gguf" || body.ProjectorType != "qwen2vl" || svc.swapRef != "b.gguf" {
		t.Fatalf("unexpected response %+v (ref %q)", body, svc.swapRef)
	}
}

func TestLoadModelErrors(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/models/load", `{"model":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty model: status=%d", w.Code)
	}
	svc := &mockService{swapErr: fault.New(fault.PathInvalid, "swap", "no such model")}
	w = postJSON(NewMux(svc), "/models/load", `{"model":"x.gguf"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing model: status=%d", w.Code)
	}
	svc = &mockService{swapErr: fault.New(fault.SwapInProgress, "swap", "busy")}
	w = postJSON(NewMux(svc), "/models/load", `{"model":"x.gguf"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("swap in progress: status=%d", w.Code)
	}
}

func TestCancelSession(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sessions/3.7", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != (handle.Handle{Index: 3, Gen: 7}) {
		t.Fatalf("cancelled=%v", svc.cancelled)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sessions/garbage", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed handle: status=%d", w.Code)
	}

	svc.cancelErr = fault.New(fault.SessionNotFound, "cancel", "no session")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sessions/3.8", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown handle: status=%d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}
