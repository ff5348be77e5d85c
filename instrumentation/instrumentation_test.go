package instrumentation

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"zero config", Config{}},
		{"disabled", Config{Enabled: false}},
		{"named service", Config{Enabled: true, ServiceName: "auth", ServiceVersion: "1.2.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() is nil")
			}
			if inst.Meter("http") == nil || inst.Tracer("server") == nil {
				t.Error("scoped meter or tracer is nil")
			}
			if err := inst.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
			// Second shutdown is a no-op.
			if err := inst.Shutdown(context.Background()); err != nil {
				t.Errorf("repeated Shutdown: %v", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if inst.config.ServiceName != "authsrv" {
		t.Errorf("ServiceName = %q, want authsrv", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != "unknown" {
		t.Errorf("ServiceVersion = %q, want unknown", inst.config.ServiceVersion)
	}
}

func TestRecordersAreSafeWhenDisabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.5)
	m.RecordAuthorizationStarted(ctx, "client-a")
	m.RecordCodeExchange(ctx, "client-a", "S256")
	m.RecordTokenRefresh(ctx, "client-a", true)
	m.RecordTokenRevocation(ctx, "client-a")
	m.RecordTokenIntrospection(ctx, false)
	m.RecordClientRegistration(ctx, "public")
	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordStorageOperation(ctx, "save_token", "success", 0.3)

	_, span := inst.Tracer("server").Start(ctx, "op")
	span.End()
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 10 },
		func() int64 { return 2 },
		func() int64 { return 3 },
		func() int64 { return 5 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks: %v", err)
	}

	// Nil callbacks register fine and are skipped at observation time.
	if err := inst.RegisterStorageSizeCallbacks(nil, nil, nil, nil); err != nil {
		t.Errorf("RegisterStorageSizeCallbacks(nil...): %v", err)
	}
}

func TestConcurrentRecording(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordAuthorizationStarted(ctx, clientID)
				_, span := inst.Tracer("server").Start(ctx, "op")
				span.End()
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	inst, _ := New(Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest(ctx, "GET", "/oauth/authorize", 200, 1.5)
	}
}

func BenchmarkSpanWithAttributes(b *testing.B) {
	inst, _ := New(Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	tracer := inst.Tracer("server")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, span := tracer.Start(ctx, "op")
		AddOAuthFlowAttributes(span, "client-123", "user-456", "openid email")
		AddPKCEAttributes(span, "S256")
		SetSpanSuccess(span)
		span.End()
	}
}
