package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/rasd/internal/metrics"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/scenario"
	"github.com/srg/rasd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCountsTransfer(t *testing.T) {
	// GOAL: Verify a full on-demand transfer is reflected in the counters
	//
	// TEST SCENARIO: 40-byte body at default MTU → 3 data segments (19+19+2), success response → ack → acknowledged outcome

	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)
	clock := scenario.NewManualClock()
	svc := ras.NewService(scenario.NewMemoryTransport(), ras.Options{Clock: clock, Observer: obs})

	require.NoError(t, svc.Subscribe(0, false))
	for _, ev := range testutils.FortyByteProcedure(7).Build() {
		require.NoError(t, svc.OnSubeventData(0, ev))
	}
	svc.HandleControlPoint(0, ras.GetRangingData(7).Encode())
	svc.HandleControlPoint(0, ras.AckRangingData(7).Encode())
	svc.HandleControlPoint(0, []byte{0x42})

	assert.Equal(t, 3.0, testutil.ToFloat64(obs.SegmentsSent(ras.CharOnDemandData, false)))
	assert.Equal(t, 40.0, testutil.ToFloat64(obs.BytesSent(ras.CharOnDemandData)))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Commands(ras.OpGetRangingData, ras.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Commands(ras.OpAckRangingData, ras.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Transfers(ras.OutcomeAcknowledged)))
}

func TestObserverPeers(t *testing.T) {
	obs := metrics.NewObserver(prometheus.NewRegistry())

	obs.PeerConnected()
	obs.PeerConnected()
	obs.PeerDisconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Peers()))
}

func TestObserverDropped(t *testing.T) {
	obs := metrics.NewObserver(prometheus.NewRegistry())
	svc := ras.NewService(scenario.NewMemoryTransport(), ras.Options{Capacity: 1, Clock: scenario.NewManualClock(), Observer: obs})

	ev := testutils.FortyByteProcedure(1).Build()[0]
	require.NoError(t, svc.OnSubeventData(0, ev))
	assert.ErrorIs(t, svc.OnSubeventData(1, ev), ras.ErrRegistryFull)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.Dropped("registry_full")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)
	obs.TransferFinished(ras.OutcomeTimeout)

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	rsp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `rasd_transfers_finished_total{outcome="timeout"} 1`)
}
