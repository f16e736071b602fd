package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTracing installs an in-memory tracer provider for the duration of the
// test. Tests using it must not run in parallel.
func withTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// testMux mimics the application's routes.
func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("GET /calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.NotFound(w, r)
		}
	})
	return mux
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_Spans(t *testing.T) {
	exp := withTracing(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(testMux())

	tests := []struct {
		path       string
		wantName   string
		wantRoute  string
		wantStatus int64
	}{
		{"/calls/abc", "HTTP GET /calls/{id}", "/calls/{id}", 200},
		{"/calls/missing", "HTTP GET /calls/{id}", "/calls/{id}", 404},
		{"/nope", "HTTP GET unmatched", "unmatched", 404},
	}
	for _, tt := range tests {
		exp.Reset()
		rec := serve(h, httptest.NewRequest(http.MethodGet, tt.path, nil))

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: %d spans, want 1", tt.path, len(spans))
		}
		sp := spans[0]
		if sp.Name != tt.wantName {
			t.Errorf("%s: span name = %q, want %q", tt.path, sp.Name, tt.wantName)
		}
		if v, _ := attrValue(sp.Attributes, "http.route"); v.AsString() != tt.wantRoute {
			t.Errorf("%s: http.route = %q, want %q", tt.path, v.AsString(), tt.wantRoute)
		}
		if v, _ := attrValue(sp.Attributes, "http.response.status_code"); v.AsInt64() != tt.wantStatus {
			t.Errorf("%s: status attribute = %d, want %d", tt.path, v.AsInt64(), tt.wantStatus)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != sp.SpanContext.TraceID().String() {
			t.Errorf("%s: X-Correlation-ID = %q, want trace ID %s", tt.path, got, sp.SpanContext.TraceID())
		}
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	withTracing(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := serve(h, req)

	if seen != traceID {
		t.Errorf("handler correlation ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("trace context not injected into the response")
	}
}

func TestMiddleware_DurationUsesRoute(t *testing.T) {
	withTracing(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(testMux())

	for _, id := range []string{"a", "b", "c"} {
		serve(h, httptest.NewRequest(http.MethodGet, "/calls/"+id, nil))
	}

	met := findMetric(collect(t, reader), "rtpbridge.http.request.duration")
	if met == nil {
		t.Fatal("rtpbridge.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("%d data points, want 1 per route", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/calls/{id}" {
		t.Errorf("path attribute = %q, want /calls/{id}", v.AsString())
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %q, want GET", v.AsString())
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern string
		want    string
	}{
		{"", "unmatched"},
		{"/metrics", "/metrics"},
		{"GET /calls/{id}", "/calls/{id}"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Pattern = tt.pattern
		if got := route(r); got != tt.want {
			t.Errorf("route(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
