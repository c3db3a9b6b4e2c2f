package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fabricd/internal/fault"
	"fabricd/internal/handle"
	"fabricd/pkg/types"
)

// blockService parks every call until its context ends.
type blockService struct{}

func (blockService) ListModels() []types.Model    { return nil }
func (blockService) Status() types.StatusResponse { return types.StatusResponse{} }
func (blockService) StatusString() string         { return "" }
func (blockService) Ready() bool                  { return true }
func (blockService) Cancel(handle.Handle) error   { return nil }
func (blockService) Swap(ctx context.Context, _, _ string) (uint64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (blockService) Infer(ctx context.Context, _ types.InferRequest, _ io.Writer, _ func()) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCORSPreflightAndNosniff(t *testing.T) {
	SetCORSOptions(true, []string{"http://ui.local"}, []string{"GET", "POST", "DELETE"}, []string{"Content-Type"})
	t.Cleanup(func() { SetCORSOptions(false, nil, nil, nil) })
	h := NewMux(&mockService{ready: true})

	req := httptest.NewRequest(http.MethodOptions, "/sessions/0.1", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("preflight allow-origin=%q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://other.local")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff missing: %q", got)
	}
}

func TestCORSDisabledAddsNoHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://ui.local")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("CORS header with CORS disabled: %q", got)
	}
}

func TestInferTimeoutReturns504(t *testing.T) {
	SetInferTimeoutSeconds(1)
	t.Cleanup(func() { SetInferTimeoutSeconds(0) })
	w := postJSON(NewMux(blockService{}), "/infer", `{"prompt":"x"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", w.Code)
	}
}

func TestInferShutdownWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	t.Cleanup(func() { SetBaseContext(nil) })
	time.AfterFunc(20*time.Millisecond, cancel)

	w := postJSON(NewMux(blockService{}), "/infer", `{"prompt":"x"}`)
	if w.Body.Len() != 0 {
		t.Fatalf("expected no body after shutdown, got %q", w.Body.String())
	}
}

func TestLoadModelSwapError(t *testing.T) {
	svc := &mockService{swapErr: fault.New(fault.PathInvalid, "runtime.resolve", "model %q not found", "abc")}
	w := postJSON(NewMux(svc), "/models/load", `{"model":"abc"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"runtime_code":-2`) {
		t.Fatalf("runtime code missing: %s", w.Body.String())
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", w.Code)
	}
}

func TestInferDebugLoggingEchoesStream(t *testing.T) {
	buf := captureLogger(t)
	w := postJSON(NewMux(&mockService{}), "/infer?log=debug", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	out := buf.String()
	if !strings.Contains(out, `"message":"infer stream"`) || !strings.Contains(out, `"message":"infer end"`) {
		t.Fatalf("stream lines not logged: %s", out)
	}
}

func TestInferTooBusyCountsBackpressure(t *testing.T) {
	sessions := backpressureTotal.WithLabelValues("sessions")
	before := testutil.ToFloat64(sessions)
	svc := &mockService{inferErr: fault.New(fault.TooBusy, "admit", "all 4 sessions busy")}
	w := postJSON(NewMux(svc), "/infer", `{"prompt":"x"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := testutil.ToFloat64(sessions); got != before+1 {
		t.Fatalf("backpressure counter: before=%v after=%v", before, got)
	}
}
