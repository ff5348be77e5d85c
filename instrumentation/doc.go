// Package instrumentation wires OpenTelemetry metrics and tracing into
// the authorization server.
//
// Build one Instrumentation and hand it to the HTTP handler and the
// storage layer:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "authsrv",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	handler.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Metrics
//
// HTTP: oauth.http.requests.total{method, endpoint, status} and
// oauth.http.request.duration{endpoint}.
//
// OAuth flows: oauth.authorization.started{client_id},
// oauth.code.exchanged{client_id, pkce_method},
// oauth.token.refreshed{client_id, rotated},
// oauth.token.revoked{client_id}, oauth.token.introspected{active},
// and oauth.client.registered{client_type}.
//
// Security: oauth.rate_limit.exceeded{limiter_type}.
//
// Storage: storage.operation.total{operation, result},
// storage.operation.duration{operation}, and four gauges for live
// record counts (access tokens, clients, auth codes, refresh tokens).
//
// # Credential hygiene
//
// Only metadata belongs in telemetry. Token values, client secrets,
// authorization codes, and PKCE verifiers must never appear as a metric
// label or span attribute: observability backends retain data far longer
// and expose it far wider than the server's own logs.
//
// Label cardinality stays bounded: endpoint, operation, and status are
// fixed sets; client_id grows with the number of registered clients, so
// deployments with very large client counts should aggregate it away in
// their collector.
//
// When Enabled is false, every meter and tracer is a no-op and recording
// costs nothing. All operations are safe for concurrent use.
package instrumentation
