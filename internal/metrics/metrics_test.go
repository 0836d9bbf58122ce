package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecordedMetricsAreExposed(t *testing.T) {
	RecordTransition("download", "", "active", false, true)
	RecordTransition("download", "active", "succeeded", true, false)
	RecordJobDuration("download", "succeeded", 3*time.Second)
	RecordAdmission("export", "queued")
	RecordObject(1024, true)
	RecordObject(0, false)
	RecordSkipped(2)
	RecordPoll(false)

	out := scrape(t)
	assert.Contains(t, out, `dxpops_job_transitions_total{kind="download",state="succeeded"}`)
	assert.Contains(t, out, `dxpops_jobs_live{kind="download",state="active"} 0`)
	assert.Contains(t, out, `dxpops_job_admissions_total{admission="queued",kind="export"}`)
	assert.Contains(t, out, `dxpops_objects_total{result="failed"}`)
	assert.Contains(t, out, "dxpops_bytes_transferred_total")
	assert.Contains(t, out, `dxpops_export_polls_total{result="error"}`)
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/abc-123", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	out := scrape(t)
	assert.Contains(t, out, `path="GET /api/jobs/{id}"`)
	assert.NotContains(t, out, "abc-123")
}
