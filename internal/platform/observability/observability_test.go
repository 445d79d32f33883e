package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edu-center/api/internal/platform/requestctx"
)

func TestParseCloudTrace(t *testing.T) {
	sc, ok := parseCloudTrace("105445aa7843bc8bf206b12000100000/12345;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000003039" {
		t.Fatalf("unexpected span id %s", sc.SpanID())
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("expected sampled remote span context")
	}

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/0", "105445aa7843bc8bf206b12000100000/xyz"} {
		if _, ok := parseCloudTrace(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestFormatCloudTraceRoundTripsSpanID(t *testing.T) {
	got := formatCloudTrace(requestctx.TraceInfo{TraceID: "105445aa7843bc8bf206b12000100000", SpanID: "0000000000003039", Sampled: true})
	if got != "105445aa7843bc8bf206b12000100000/12345;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestRequestLoggerRecordsRouteAndOrder(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger), TraceMiddleware("edu-project"), RequestLoggerMiddleware("edu-project"))
	r.Get("/orders/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/12345;o=1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 404, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["route"] != "/orders/{orderID}" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["order_id"] != "ord-1" {
		t.Fatalf("unexpected order id %v", fields["order_id"])
	}
	if fields["logging.googleapis.com/trace"] != "projects/edu-project/traces/105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace resource %v", fields["logging.googleapis.com/trace"])
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
}

func TestCleanStripsControlCharacters(t *testing.T) {
	if got := clean("ord\n-1\x00", 64); got != "ord-1" {
		t.Fatalf("unexpected %q", got)
	}
	if got := clean("абвгд", 3); got != "абв" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
}
