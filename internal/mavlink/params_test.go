package mavlink

import (
	"context"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
)

func TestParamsEqualFloatWithinRelativeTolerance(t *testing.T) {
	assert.True(t, paramsEqual(100.0, 100.0009, common.MAV_PARAM_TYPE_REAL32, 1e-5*10))
	assert.False(t, paramsEqual(100.0, 101.0, common.MAV_PARAM_TYPE_REAL32, 1e-5))
}

func TestParamsEqualFloatZeroRequested(t *testing.T) {
	assert.True(t, paramsEqual(0, 0, common.MAV_PARAM_TYPE_REAL32, 1e-5))
	assert.False(t, paramsEqual(0, 1, common.MAV_PARAM_TYPE_REAL32, 1e-5))
}

func TestParamsEqualIntegerRequiresExactMatch(t *testing.T) {
	assert.True(t, paramsEqual(5, 5.0, common.MAV_PARAM_TYPE_INT32, 1e-5))
	assert.False(t, paramsEqual(5, 5.4, common.MAV_PARAM_TYPE_INT32, 1e-5))
}

func TestParamIDArrayRoundTrips(t *testing.T) {
	arr := paramIDArray("THR_MAX")
	assert.Equal(t, "THR_MAX", paramIDString(arr))
}

func TestBulkLossyConfigDefaults(t *testing.T) {
	cfg := BulkLossyConfig{}.withDefaults()
	assert.Equal(t, 10, cfg.MaxInFlight)
	assert.Greater(t, cfg.ResendEvery.Seconds(), 0.0)
	assert.Equal(t, 1e-5, cfg.FloatTol)
}

// TestGetParamsBulkLossyTerminatesOnRetriesExhausted covers scenario 1's
// max_retries=3 case: with no link connected, every request silently fails
// to send, so the operation must give up once every entry exhausts its
// retries rather than running out the full (much longer) timeout.
func TestGetParamsBulkLossyTerminatesOnRetriesExhausted(t *testing.T) {
	p := New(Config{Endpoint: "udp:127.0.0.1:0", WorkerThreads: 1}, logging.NewManager(1000, logging.LevelDebug, nil))

	start := time.Now()
	results, missing, err := p.GetParamsBulkLossy(context.Background(), 1, 1, []string{"THR_MAX"}, BulkLossyConfig{
		MaxInFlight: 1,
		ResendEvery: 5 * time.Millisecond,
		Timeout:     2 * time.Second,
		MaxRetries:  3,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []string{"THR_MAX"}, missing)
	assert.Less(t, elapsed, time.Second, "must terminate once retries are exhausted, not wait out the full timeout")
}
