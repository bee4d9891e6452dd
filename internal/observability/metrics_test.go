package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/models"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("")

	m.RecordRequest(governor.OK)
	m.RecordRequest(governor.OK)
	m.RecordRequest(governor.Blocked)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("blocked")))

	m.ObserveGovernor(governor.Stats{State: governor.StateProbing, Delay: 2500 * time.Millisecond, Floor: time.Second, Blocks: 4})
	assert.Equal(t, 2.5, testutil.ToFloat64(m.GovernorDelay))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GovernorState))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GovernorBlocks))

	m.RecordChanges(models.ChangeSummary{Created: 3, PriceChanged: 1})
	m.RecordChanges(models.ChangeSummary{Created: 2, Removed: 1})
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ListingChanges.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListingChanges.WithLabelValues("removed")))

	m.RecordScoring(10, 2)
	m.RecordScoring(5, 1)
	assert.Equal(t, 15.0, testutil.ToFloat64(m.Scored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Bargains))

	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	m.RecordRun(models.Run{Mode: models.ModeFull, Status: models.RunPartial, StartedAt: start, FinishedAt: start.Add(time.Hour)})
	m.RecordRun(models.Run{Mode: models.ModeFull, Status: models.RunFailed, StartedAt: start, FinishedAt: start.Add(2 * time.Hour)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("full", "partial")))
	assert.Equal(t, float64(start.Add(time.Hour).Unix()), testutil.ToFloat64(m.LastSuccess))
}

func TestMetrics_Mux(t *testing.T) {
	m := NewMetrics("test")
	m.RecordUnit("complete")
	srv := httptest.NewServer(m.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `test_crawl_units_total{result="complete"} 1`), string(body))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := NewMetrics("dup")
	b := NewMetrics("dup")
	a.RecordUnit("failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Tiles.WithLabelValues("failed")))
}
