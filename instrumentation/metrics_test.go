package instrumentation

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()
	if m.HTTPRequestsTotal == nil || m.HTTPRequestDuration == nil {
		t.Error("HTTP instruments missing")
	}
	if m.AuthorizationStarted == nil || m.CodeExchanged == nil ||
		m.TokenRefreshed == nil || m.TokenRevoked == nil ||
		m.TokenIntrospected == nil || m.ClientRegistered == nil {
		t.Error("flow instruments missing")
	}
	if m.RateLimitExceeded == nil {
		t.Error("security instruments missing")
	}
	if m.StorageOperationTotal == nil || m.StorageOperationDuration == nil ||
		m.StorageAccessTokensCount == nil || m.StorageClientsCount == nil ||
		m.StorageAuthCodesCount == nil || m.StorageRefreshTokensCount == nil {
		t.Error("storage instruments missing")
	}
}

func TestRecordStorageOperation(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	ops := []struct {
		op, result string
		ms         float64
	}{
		{"save_access_token", "success", 1.2},
		{"redeem_refresh_token", "error", 0.9},
		{"get_client", "success", 0.4},
	}
	for _, o := range ops {
		inst.Metrics().RecordStorageOperation(ctx, o.op, o.result, o.ms)
	}
}
