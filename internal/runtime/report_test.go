package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relaybench/internal/runtime/jsoncodec"
	"github.com/drblury/relaybench/internal/runtime/perf"
)

func TestReportHandler(t *testing.T) {
	svc := newTestService(t, newTestConfig(), ServiceDependencies{})
	h := svc.reportHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	live := perf.Snapshot{TestRunID: "run-test", State: perf.Running, Received: 3}
	svc.report.setLive(func() perf.Snapshot { return live })

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got perf.Snapshot
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.Received)
	assert.Equal(t, perf.Running, got.State)

	svc.report.setFinal(perf.Snapshot{TestRunID: "run-test", State: perf.Completed, Received: 5, Finalized: true})
	snap, ok := svc.LastReport()
	require.True(t, ok)
	assert.True(t, snap.Finalized)
	assert.Equal(t, int64(5), snap.Received)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/report", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
