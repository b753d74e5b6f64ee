package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAgreementMetricsObserve(t *testing.T) {
	m := Agreements()
	require.Same(t, m, Agreements())

	before := testutil.ToFloat64(m.operations.WithLabelValues("stake", "ok"))
	m.Observe("Stake", "OK", 5*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.operations.WithLabelValues("stake", "ok")))

	m.Observe("", "", time.Millisecond)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.operations.WithLabelValues("unknown", "error")), float64(1))
}

func TestDeliveryMetricsNilSafe(t *testing.T) {
	var m *deliveryMetrics
	m.RecordDelivery("ok")

	live := Deliveries()
	before := testutil.ToFloat64(live.deliveries.WithLabelValues("retry"))
	live.RecordDelivery("retry")
	require.Equal(t, before+1, testutil.ToFloat64(live.deliveries.WithLabelValues("retry")))
}

func TestTransferMetricsSplitByDirection(t *testing.T) {
	var nilMetrics *transferMetrics
	nilMetrics.Record(DirectionDeposit, 1, time.Millisecond, nil)

	m := Transfers()
	require.Same(t, m, Transfers())
	okBefore := testutil.ToFloat64(m.movements.WithLabelValues(DirectionDeposit, "ok"))
	amountBefore := testutil.ToFloat64(m.amounts.WithLabelValues(DirectionDeposit))
	errBefore := testutil.ToFloat64(m.movements.WithLabelValues(DirectionRefund, "error"))
	refundAmountBefore := testutil.ToFloat64(m.amounts.WithLabelValues(DirectionRefund))

	m.Record(DirectionDeposit, 1000, time.Millisecond, nil)
	m.Record(DirectionRefund, 1000, time.Millisecond, errors.New("ledger down"))

	require.Equal(t, okBefore+1, testutil.ToFloat64(m.movements.WithLabelValues(DirectionDeposit, "ok")))
	require.Equal(t, amountBefore+1000, testutil.ToFloat64(m.amounts.WithLabelValues(DirectionDeposit)))
	require.Equal(t, errBefore+1, testutil.ToFloat64(m.movements.WithLabelValues(DirectionRefund, "error")))
	require.Equal(t, refundAmountBefore, testutil.ToFloat64(m.amounts.WithLabelValues(DirectionRefund)))
}
