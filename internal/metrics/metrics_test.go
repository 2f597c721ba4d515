package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	before := testutil.ToFloat64(evaluations.WithLabelValues("pass"))
	IncEvaluation("pass")
	assert.Equal(t, before+1, testutil.ToFloat64(evaluations.WithLabelValues("pass")))

	SetArm("orb-btc", 0.4, 0.62)
	assert.Equal(t, 0.4, testutil.ToFloat64(armWeight.WithLabelValues("orb-btc")))
	assert.Equal(t, 0.62, testutil.ToFloat64(armExpectedWinRate.WithLabelValues("orb-btc")))

	before = testutil.ToFloat64(signalsEmitted.WithLabelValues("orb-btc"))
	AddSignals("orb-btc", 3)
	AddSignals("orb-btc", 0)
	assert.Equal(t, before+3, testutil.ToFloat64(signalsEmitted.WithLabelValues("orb-btc")))

	before = testutil.ToFloat64(optimizationRuns.WithLabelValues("COMPLETED"))
	IncOptimizationRun("COMPLETED")
	assert.Equal(t, before+1, testutil.ToFloat64(optimizationRuns.WithLabelValues("COMPLETED")))
}

func TestHandlerExposesSeries(t *testing.T) {
	ObserveNightlyCycle(3 * time.Second)
	IncEvaluation("fail")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "allocator_nightly_cycle_seconds_count")
	assert.Contains(t, body, `allocator_evaluations_total{result="fail"}`)
}
