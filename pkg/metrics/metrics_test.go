package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRPCRecordsOkAndErrorOutcomes(t *testing.T) {
	before := testutil.ToFloat64(RPCCalls.WithLabelValues("status", "ok"))
	ObserveRPC("status", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(RPCCalls.WithLabelValues("status", "ok")))

	beforeErr := testutil.ToFloat64(RPCCalls.WithLabelValues("status", "error"))
	ObserveRPC("status", time.Now(), errors.New("boom"))
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(RPCCalls.WithLabelValues("status", "error")))
}

func TestObserveToolCallRecordsOutcome(t *testing.T) {
	before := testutil.ToFloat64(ToolCalls.WithLabelValues("read_file", "ok"))
	ObserveToolCall("read_file", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(ToolCalls.WithLabelValues("read_file", "ok")))
}

func TestNewServerBuildsExpositionHandler(t *testing.T) {
	srv := NewServer("127.0.0.1:19091")
	errCh := make(chan error, 1)
	require.NoError(t, srv.Start(errCh))
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://127.0.0.1:19091/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sentineld_")
}
