package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("offline_cache_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("offline_cache_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("offline_cache_http_request_duration_seconds")
	require.NoError(t, err)

	cacheLookupsTotal, err := meter.Int64Counter("offline_cache_lookups_total")
	require.NoError(t, err)

	evictionsTotal, err := meter.Int64Counter("offline_cache_evictions_total")
	require.NoError(t, err)

	revalidationsTotal, err := meter.Int64Counter("offline_cache_revalidations_total")
	require.NoError(t, err)

	execRunsTotal, err := meter.Int64Counter("offline_cache_exec_runs_total")
	require.NoError(t, err)

	execRunDuration, err := meter.Float64Histogram("offline_cache_exec_run_duration_seconds")
	require.NoError(t, err)

	rpcRepliesTotal, err := meter.Int64Counter("offline_cache_rpc_replies_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:      requestsTotal,
		responseBytesTotal: responseBytesTotal,
		requestDuration:    requestDuration,
		cacheLookupsTotal:  cacheLookupsTotal,
		evictionsTotal:     evictionsTotal,
		revalidationsTotal: revalidationsTotal,
		execRunsTotal:      execRunsTotal,
		execRunDuration:    execRunDuration,
		rpcRepliesTotal:    rpcRepliesTotal,
		meterProvider:      mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/docs/unit1.pdf", nil)
	r = InjectTags(r)
	SetNamespace(r, "documents")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "namespace", "documents"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "offline_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "offline_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypassed middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "namespace", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), "data", CacheMiss)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_cache_lookups_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "namespace", "data"))
	require.True(t, hasAttr(dps[0].Attributes, "result", "miss"))
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEviction(context.Background(), "documents", "fifo")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_cache_evictions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "namespace", "documents"))
	require.True(t, hasAttr(dps[0].Attributes, "policy", "fifo"))
}

func TestRecordRevalidation(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRevalidation(context.Background(), "fresh")
	RecordRevalidation(context.Background(), "fresh")
	RecordRevalidation(context.Background(), "refresh")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_cache_revalidations_total")
	require.Len(t, dps, 2)
}

func TestRecordExecRun_RecordsDurationOnlyOnMiss(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordExecRun(context.Background(), "python", CacheHit, 10*time.Millisecond)
	RecordExecRun(context.Background(), "python", CacheMiss, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	runDps := findCounter(rm, "offline_cache_exec_runs_total")
	require.Len(t, runDps, 2)

	histDps := findHistogram(rm, "offline_cache_exec_run_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordRPCReply(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRPCReply(context.Background(), "CACHE_DOCUMENT", true)
	RecordRPCReply(context.Background(), "CACHE_DOCUMENT", false)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_cache_rpc_replies_total")
	require.Len(t, dps, 2)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these should panic without initialization
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
	RecordCacheLookup(context.Background(), "static", CacheHit)
	RecordEviction(context.Background(), "dynamic", "fifo")
	RecordRevalidation(context.Background(), "fail_open")
	RecordExecRun(context.Background(), "python", CacheMiss, time.Millisecond)
	RecordRPCReply(context.Background(), "CLEAR_CACHE", true)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
