package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(time.Minute, 5*time.Minute)
	require.NoError(t, err)

	m.Sink.IncrCounter([]string{"sharestream", "test", "batches"}, 3)

	recorder := httptest.NewRecorder()
	m.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, recorder.Code)

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "sharestream_test_batches 3")
	require.Contains(t, string(body), "go_goroutines")

	data := m.Inmem.Data()
	require.NotEmpty(t, data)
	require.Contains(t, data[len(data)-1].Counters, "sharestream.test.batches")
}
