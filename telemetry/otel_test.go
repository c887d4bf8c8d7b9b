package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bottomline/reportcache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := New(context.Background(), logger.NewTestLogger(), "", "", "reportcache")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestNewBadURL(t *testing.T) {
	_, err := New(context.Background(), logger.NewTestLogger(), "ftp://collector", "", "reportcache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported otlp url scheme")

	_, err = New(context.Background(), logger.NewTestLogger(), "://bad", "", "reportcache")
	require.Error(t, err)
}

func TestNewExportsSpans(t *testing.T) {
	var hits atomic.Int32
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			hits.Add(1)
			auth.Store(r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	shutdown, err := New(context.Background(), logger.NewTestLogger(), server.URL, "secret", "reportcache-test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	span.End()
	shutdown()

	assert.GreaterOrEqual(t, hits.Load(), int32(1))
	assert.Equal(t, "Bearer secret", auth.Load())
}
