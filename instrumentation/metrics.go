package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the server's metric instruments, grouped by the layer
// that records them.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	AuthorizationStarted metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	TokenIntrospected    metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
	StorageAuthCodesCount     metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

// metricBuilder accumulates the first instrument-creation error so the
// instrument declarations below stay flat.
type metricBuilder struct {
	err error
}

func (b *metricBuilder) counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create counter %s: %w", name, err)
	}
	return c
}

func (b *metricBuilder) histogram(meter metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create histogram %s: %w", name, err)
	}
	return h
}

func (b *metricBuilder) gauge(meter metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create gauge %s: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	b := &metricBuilder{}
	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "oauth.http.requests.total", "HTTP requests served", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds", "ms"),

		AuthorizationStarted: b.counter(serverMeter, "oauth.authorization.started", "Authorization flows started", "{flow}"),
		CodeExchanged:        b.counter(serverMeter, "oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed:       b.counter(serverMeter, "oauth.token.refreshed", "Refresh grants completed", "{refresh}"),
		TokenRevoked:         b.counter(serverMeter, "oauth.token.revoked", "Tokens revoked", "{revocation}"),
		TokenIntrospected:    b.counter(serverMeter, "oauth.token.introspected", "Introspection requests answered", "{request}"),
		ClientRegistered:     b.counter(serverMeter, "oauth.client.registered", "Clients registered", "{client}"),

		RateLimitExceeded: b.counter(securityMeter, "oauth.rate_limit.exceeded", "Rate limit violations", "{violation}"),

		StorageOperationTotal:     b.counter(storageMeter, "storage.operation.total", "Storage operations executed", "{operation}"),
		StorageOperationDuration:  b.histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds", "ms"),
		StorageAccessTokensCount:  b.gauge(storageMeter, "storage.access_tokens.count", "Live access token records", "{token}"),
		StorageClientsCount:       b.gauge(storageMeter, "storage.clients.count", "Registered clients", "{client}"),
		StorageAuthCodesCount:     b.gauge(storageMeter, "storage.auth_codes.count", "Pending authorization codes", "{code}"),
		StorageRefreshTokensCount: b.gauge(storageMeter, "storage.refresh_tokens.count", "Live refresh tokens", "{token}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordHTTPRequest counts a served request and records its latency.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthorizationStarted counts a new authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange counts a redeemed authorization code, labeled with
// the PKCE challenge method the code was bound to.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh counts a refresh grant.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation counts a revocation request.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenIntrospection counts an introspection answer by outcome.
func (m *Metrics) RecordTokenIntrospection(ctx context.Context, active bool) {
	m.TokenIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordClientRegistration counts a successful dynamic registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded counts a rejected request by limiter kind.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation counts a storage call and records its latency.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
