package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	t.Run("StoreOperationsTotal", func(t *testing.T) {
		StoreOperationsTotal.WithLabelValues("get", "success").Inc()
		val := testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("get", "success"))
		if val < 1 {
			t.Errorf("Expected StoreOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("StoreOperationDuration", func(t *testing.T) {
		StoreOperationDuration.WithLabelValues("get").Observe(0.1)
		// no-panic is the main goal here for registration
	})

	t.Run("TotalMessages", func(t *testing.T) {
		TotalMessages.WithLabelValues("register", "ok").Inc()
		val := testutil.ToFloat64(TotalMessages.WithLabelValues("register", "ok"))
		if val < 1 {
			t.Errorf("Expected TotalMessages to be at least 1, got %v", val)
		}
	})

	t.Run("RoomPeers", func(t *testing.T) {
		RoomPeers.WithLabelValues("room-1").Set(3)
		val := testutil.ToFloat64(RoomPeers.WithLabelValues("room-1"))
		if val != 3 {
			t.Errorf("Expected RoomPeers to be 3, got %v", val)
		}
	})

	t.Run("CredentialIssuedTotal", func(t *testing.T) {
		CredentialIssuedTotal.WithLabelValues("session").Inc()
		val := testutil.ToFloat64(CredentialIssuedTotal.WithLabelValues("session"))
		if val < 1 {
			t.Errorf("Expected CredentialIssuedTotal to be at least 1, got %v", val)
		}
	})
}

func TestIncDecConnection(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	afterInc := testutil.ToFloat64(ActiveConnections)
	if afterInc != before+1 {
		t.Errorf("expected ActiveConnections to increase by 1, got %v -> %v", before, afterInc)
	}
	DecConnection()
	afterDec := testutil.ToFloat64(ActiveConnections)
	if afterDec != before {
		t.Errorf("expected ActiveConnections to return to %v, got %v", before, afterDec)
	}
}
