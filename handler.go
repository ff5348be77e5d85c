package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authsrv/oauth/instrumentation"
	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/server"
	"github.com/authsrv/oauth/storage"
)

const tokenTypeBearer = "Bearer"

// SubjectFunc resolves the authenticated end-user for an authorization
// request. The embedding application supplies it; how users log in (sessions,
// SSO, upstream IdP) is its concern. An error means no user is authenticated.
type SubjectFunc func(r *http.Request) (string, error)

// Handler is a thin HTTP adapter for the OAuth server.
// It handles HTTP requests and delegates to the server for protocol logic.
type Handler struct {
	server *server.Server
	config *Config
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
	inst   *instrumentation.Instrumentation

	subjectFromRequest SubjectFunc
	regLimiter         *security.ClientRegistrationRateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server:     srv,
		config:     config,
		logger:     logger,
		regLimiter: security.NewClientRegistrationRateLimiter(logger),
	}
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the
// HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// SetSubjectFunc sets the hook that resolves the authenticated end-user on
// authorization requests. Without it every authorization request fails.
func (h *Handler) SetSubjectFunc(fn SubjectFunc) {
	h.subjectFromRequest = fn
}

// Close releases background resources held by the handler.
func (h *Handler) Close() {
	if h.regLimiter != nil {
		h.regLimiter.Stop()
	}
}

// RegisterRoutes registers every enabled OAuth endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.config.AuthorizationPath, h.ServeAuthorization)
	mux.HandleFunc(h.config.TokenPath, h.ServeToken)
	mux.HandleFunc(h.config.RegistrationPath, h.ServeClientRegistration)
	mux.HandleFunc(h.config.RegistrationPath+"/", h.ServeClientConfiguration)

	if h.config.EnableRevocationEndpoint {
		mux.HandleFunc(h.config.RevocationPath, h.ServeTokenRevocation)
	}
	if h.config.EnableIntrospectionEndpoint {
		mux.HandleFunc(h.config.IntrospectionPath, h.ServeTokenIntrospection)
	}

	h.registerMetadataRoutes(mux)
}

// registerMetadataRoutes registers the RFC 8414 discovery endpoint. When the
// issuer carries a path component the path-insertion variant (RFC 8414
// Section 3.1) is registered as well.
func (h *Handler) registerMetadataRoutes(mux *http.ServeMux) {
	mux.HandleFunc(MetadataPath, h.ServeAuthorizationServerMetadata)

	issuerPath := h.extractIssuerPath()
	if issuerPath == "" {
		h.logger.Info("Registered authorization server metadata endpoint",
			"endpoint", MetadataPath)
		return
	}

	// Example: issuer https://auth.example.com/tenant1 is discovered at
	// /.well-known/oauth-authorization-server/tenant1
	pathInsert := MetadataPath + issuerPath
	mux.HandleFunc(pathInsert, h.ServeAuthorizationServerMetadata)

	h.logger.Info("Registered authorization server metadata endpoints",
		"issuer_path", issuerPath,
		"endpoint", MetadataPath,
		"path_insert_endpoint", pathInsert)
}

// extractIssuerPath extracts the path component from the issuer URL.
// Returns empty string if the issuer has no path or only "/".
func (h *Handler) extractIssuerPath() string {
	if h.server.Config.Issuer == "" {
		return ""
	}

	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		h.logger.Warn("Failed to parse issuer URL for path extraction",
			"issuer", h.server.Config.Issuer,
			"error", err)
		return ""
	}

	cleanedPath := path.Clean(parsed.Path)
	if cleanedPath == "" || cleanedPath == "/" || cleanedPath == "." {
		return ""
	}
	return cleanedPath
}

// ==================== Authorization Server Metadata (RFC 8414) ====================

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	metadata := h.buildAuthServerMetadata()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() *AuthorizationServerMetadata {
	issuer := h.server.Config.Issuer

	metadata := &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             joinIssuerPath(issuer, h.config.AuthorizationPath),
		TokenEndpoint:                     joinIssuerPath(issuer, h.config.TokenPath),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		ScopesSupported:                   h.server.Config.SupportedScopes,
	}

	if h.server.Config.AllowPKCEPlain {
		metadata.CodeChallengeMethodsSupported = append(
			metadata.CodeChallengeMethodsSupported, server.PKCEMethodPlain)
	}
	if h.isRegistrationAvailable() {
		metadata.RegistrationEndpoint = joinIssuerPath(issuer, h.config.RegistrationPath)
	}
	if h.config.EnableRevocationEndpoint {
		metadata.RevocationEndpoint = joinIssuerPath(issuer, h.config.RevocationPath)
	}
	if h.config.EnableIntrospectionEndpoint {
		metadata.IntrospectionEndpoint = joinIssuerPath(issuer, h.config.IntrospectionPath)
	}

	return metadata
}

// isRegistrationAvailable checks if client registration is available.
func (h *Handler) isRegistrationAvailable() bool {
	return h.server.Config.AllowPublicClientRegistration ||
		h.server.Config.RegistrationAccessToken != ""
}

// ==================== Authorization Endpoint ====================

// ServeAuthorization handles OAuth authorization requests
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	// OAuth 2.1 Section 4.1.1: the authorization endpoint accepts GET and
	// may accept POST with form-encoded parameters.
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &server.AuthorizationRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Resource:            r.Form.Get("resource"), // RFC 8707
		IPAddress:           clientIP,
	}

	if req.ClientID == "" {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	subject, err := h.resolveSubject(r)
	if err != nil {
		h.logger.Warn("Authorization request without authenticated user",
			"client_id", req.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("authorization", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "no authenticated subject")
		h.writeUnauthorizedError(w, r, ErrorCodeAccessDenied, "User authentication required")
		return
	}
	req.Subject = subject

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	grant, err := h.server.StartAuthorizationFlow(ctx, req)
	if err != nil {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization flow rejected")
		h.deliverAuthorizationError(w, r, req, err)
		return
	}

	h.recordAuthorizationStarted(req.ClientID)
	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	redirect, err := buildCodeRedirect(grant)
	if err != nil {
		h.writeError(w, ErrorCodeServerError, "Failed to build redirect", http.StatusInternalServerError)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// resolveSubject determines the authenticated end-user for an authorization
// request via the configured SubjectFunc.
func (h *Handler) resolveSubject(r *http.Request) (string, error) {
	if h.subjectFromRequest == nil {
		return "", fmt.Errorf("no subject authenticator configured")
	}
	subject, err := h.subjectFromRequest(r)
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", fmt.Errorf("empty subject")
	}
	return subject, nil
}

// deliverAuthorizationError delivers an authorization failure either directly
// to the user agent or, when the redirect URI was validated, to the client's
// redirect URI with error parameters (RFC 6749 Section 4.1.2.1). Errors that
// occurred before redirect URI validation must never be bounced to an
// unverified URI.
func (h *Handler) deliverAuthorizationError(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest, err error) {
	code, description := splitOAuthError(err)

	if server.ErrUnsafeToRedirect(err) {
		h.writeError(w, code, description, statusForErrorCode(code))
		return
	}

	redirect, buildErr := buildErrorRedirect(req.RedirectURI, code, description, req.State)
	if buildErr != nil {
		h.writeError(w, code, description, statusForErrorCode(code))
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// buildCodeRedirect appends the code and state to the redirect URI.
func buildCodeRedirect(grant *server.AuthorizationGrant) (string, error) {
	u, err := url.Parse(grant.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", grant.Code)
	if grant.State != "" {
		q.Set("state", grant.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildErrorRedirect appends OAuth error parameters to the redirect URI.
func buildErrorRedirect(redirectURI, code, description, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ==================== Token Endpoint ====================

// ServeToken handles OAuth token requests
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostFormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	code := r.PostFormValue("code")
	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, ok := h.authenticateTokenClient(w, r, clientIP, span, "token", startTime)
	if !ok {
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	req := &server.TokenExchangeRequest{
		Code:         code,
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		Resource:     r.PostFormValue("resource"), // RFC 8707
		IPAddress:    clientIP,
	}

	grant, err := h.server.ExchangeAuthorizationCode(ctx, client, req)
	if err != nil {
		h.logger.Warn("Failed to exchange authorization code",
			"client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		h.writeOAuthError(w, err)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)

	h.recordCodeExchanged(client.ClientID, grant.PKCEMethod)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, ok := h.authenticateTokenClient(w, r, clientIP, span, "token", startTime)
	if !ok {
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	grant, err := h.server.RefreshAccessToken(ctx, client, refreshToken,
		r.PostFormValue("scope"), r.PostFormValue("resource"), clientIP)
	if err != nil {
		h.logger.Warn("Failed to refresh token",
			"client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		h.writeOAuthError(w, err)
		return
	}

	// Every refresh rotates the token.
	h.recordTokenRefreshed(client.ClientID, true)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

// authenticateTokenClient authenticates the client on a token endpoint
// request and writes the invalid_client response on failure.
func (h *Handler) authenticateTokenClient(w http.ResponseWriter, r *http.Request, clientIP string, span trace.Span, endpoint string, startTime time.Time) (*storage.Client, bool) {
	client, err := h.server.AuthenticateClient(r.Context(), clientAuthFromRequest(r), clientIP)
	if err != nil {
		h.recordHTTPMetrics(endpoint, http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return nil, false
	}
	return client, true
}

// clientAuthFromRequest assembles the client credentials presented on a
// token endpoint request from the Authorization header, form body, and TLS
// connection state.
func clientAuthFromRequest(r *http.Request) *server.ClientAuthRequest {
	req := &server.ClientAuthRequest{
		ClientID:            r.PostFormValue("client_id"),
		ClientSecret:        r.PostFormValue("client_secret"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
		ClientAssertion:     r.PostFormValue("client_assertion"),
	}

	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
		req.SecretFromBasicAuth = true
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		req.TLSSubjectDN = r.TLS.PeerCertificates[0].Subject.String()
	}

	return req
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := &TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	}
	if response.TokenType == "" {
		response.TokenType = tokenTypeBearer
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(response)
}

// ==================== Token Revocation (RFC 7009) ====================

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientAuthFromRequest(r), clientIP)
	if err != nil {
		// RFC 7009 Section 2.2.1: respond with 200 even when the client
		// failed to authenticate, so callers cannot probe which part was
		// wrong. The token is not revoked.
		h.logger.Warn("Client authentication failed for revocation", "ip", clientIP)
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		w.WriteHeader(http.StatusOK)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	// Per RFC 7009 Section 2.2 the endpoint returns 200 whether or not the
	// token existed; revocation of an unknown token is indistinguishable
	// from success.
	if err := h.server.RevokeToken(ctx, token, client.ClientID, clientIP); err != nil {
		h.logger.Error("Failed to revoke token",
			"client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}

	h.recordTokenRevoked(client.ClientID)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ==================== Token Introspection (RFC 7662) ====================

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Security: requires client authentication to prevent token scanning attacks.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientAuthFromRequest(r), clientIP)
	if err != nil {
		// Anti-oracle: an unauthenticated caller gets the same shape as a
		// revoked or unknown token. Revealing that client auth failed would
		// let an attacker separate "bad token" from "bad client".
		h.logger.Warn("Client authentication failed for introspection", "ip", clientIP)
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.recordTokenIntrospected(false)
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(&IntrospectionResponse{Active: false})
		return
	}

	result := h.server.IntrospectToken(ctx, token, client.ClientID, clientIP)
	response := &IntrospectionResponse{
		Active:    result.Active,
		Scope:     result.Scope,
		ClientID:  result.ClientID,
		Subject:   result.Subject,
		TokenType: result.TokenType,
		Audience:  result.Audience,
		ExpiresAt: result.ExpiresAt,
		IssuedAt:  result.IssuedAt,
		JTI:       result.JTI,
	}

	h.recordTokenIntrospected(result.Active)
	h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// ==================== Client Registration (RFC 7591) ====================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkRegistrationRateLimit(w, clientIP, startTime) {
		return
	}

	if err := h.server.AuthorizeRegistration(bearerToken(r)); err != nil {
		h.logger.Warn("Unauthorized client registration attempt", "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", "", clientIP, "registration_unauthorized")
		}
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "registration unauthorized")
		h.writeError(w, ErrorCodeInvalidClient, "Registration access token required", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TokenEndpointAuthMethod != "" && !isValidAuthMethod(req.TokenEndpointAuthMethod) {
		h.logger.Warn("Unsupported token_endpoint_auth_method requested",
			"method", req.TokenEndpointAuthMethod, "ip", clientIP)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest,
			fmt.Sprintf("Unsupported token_endpoint_auth_method: %s", req.TokenEndpointAuthMethod),
			http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, registrationFromRequest(&req), clientIP)
	if err != nil {
		h.handleRegistrationError(w, err, clientIP, startTime, span)
		return
	}

	h.recordClientRegistered(client.ClientType)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)

	h.writeRegistrationResponse(w, client, clientSecret, http.StatusCreated, true)
}

// ServeClientConfiguration handles RFC 7592 registration management requests
// at RegistrationPath/{client_id}: read, update, and delete.
func (h *Handler) ServeClientConfiguration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_configuration")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	clientID := strings.TrimPrefix(r.URL.Path, h.config.RegistrationPath+"/")
	if clientID == "" || strings.Contains(clientID, "/") {
		h.recordHTTPMetrics("register_management", r.Method, http.StatusNotFound, startTime)
		http.NotFound(w, r)
		return
	}

	token := bearerToken(r)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID))

	switch r.Method {
	case http.MethodGet:
		client, err := h.server.GetRegisteredClient(ctx, clientID, token)
		if err != nil {
			h.writeRegistrationAccessError(w, err, clientIP, r.Method, startTime, span)
			return
		}
		h.recordHTTPMetrics("register_management", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		h.writeRegistrationResponse(w, client, "", http.StatusOK, false)

	case http.MethodPut:
		var req ClientRegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.recordHTTPMetrics("register_management", r.Method, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
			return
		}
		client, err := h.server.UpdateClient(ctx, clientID, token, registrationFromRequest(&req), clientIP)
		if err != nil {
			if errors.Is(err, server.ErrRegistrationAccessDenied) {
				h.writeRegistrationAccessError(w, err, clientIP, r.Method, startTime, span)
				return
			}
			h.handleRegistrationError(w, err, clientIP, startTime, span)
			return
		}
		h.recordHTTPMetrics("register_management", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanSuccess(span)
		h.writeRegistrationResponse(w, client, "", http.StatusOK, false)

	case http.MethodDelete:
		if err := h.server.DeleteClient(ctx, clientID, token, clientIP); err != nil {
			h.writeRegistrationAccessError(w, err, clientIP, r.Method, startTime, span)
			return
		}
		h.recordHTTPMetrics("register_management", r.Method, http.StatusNoContent, startTime)
		instrumentation.SetSpanSuccess(span)
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		w.WriteHeader(http.StatusNoContent)

	default:
		h.recordHTTPMetrics("register_management", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// checkRegistrationRateLimit applies the per-IP registration window limit.
// Returns true if the limit was exceeded and the response was written.
func (h *Handler) checkRegistrationRateLimit(w http.ResponseWriter, clientIP string, startTime time.Time) bool {
	if h.regLimiter == nil || h.regLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(context.Background(), "registration")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRateLimitExceeded,
			IPAddress: clientIP,
		})
	}

	h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many registration attempts. Please try again later.", http.StatusTooManyRequests)
	return true
}

// registrationFromRequest maps the wire-level registration request onto the
// server's registration metadata.
func registrationFromRequest(req *ClientRegistrationRequest) *server.ClientRegistration {
	return &server.ClientRegistration{
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scopes:                  strings.Fields(req.Scope),
		PublicKeyPEM:            req.PublicKeyPEM,
		TLSSubjectDN:            req.TLSClientAuthSubjectDN,
	}
}

// handleRegistrationError maps registration failures to RFC 7591 error
// responses.
func (h *Handler) handleRegistrationError(w http.ResponseWriter, err error, clientIP string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	var regErr *server.RegistrationError
	if errors.As(err, &regErr) {
		h.logger.Warn("Client registration rejected",
			"ip", clientIP, "code", regErr.Code, "error", regErr.Message)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "registration rejected")
		h.writeError(w, regErr.Code, regErr.Message, http.StatusBadRequest)
		return
	}

	if errors.Is(err, storage.ErrIPLimitExceeded) {
		h.logger.Warn("Client registration limit exceeded", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "registration limit exceeded")
		h.writeError(w, ErrorCodeInvalidRequest, "Client registration limit exceeded", http.StatusTooManyRequests)
		return
	}

	h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusInternalServerError, startTime)
	instrumentation.SetSpanError(span, "registration failed")
	h.writeError(w, ErrorCodeServerError, "Failed to register client", http.StatusInternalServerError)
}

// writeRegistrationAccessError writes the RFC 7592 response for a failed
// management request. Invalid tokens and unknown clients are both 401 so the
// endpoint cannot be used to enumerate client IDs.
func (h *Handler) writeRegistrationAccessError(w http.ResponseWriter, err error, clientIP, method string, startTime time.Time, span trace.Span) {
	h.logger.Warn("Registration management access denied", "ip", clientIP, "error", err)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", "", clientIP, "registration_management_denied")
	}
	h.recordHTTPMetrics("register_management", method, http.StatusUnauthorized, startTime)
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanError(span, "registration access denied")
	h.writeError(w, ErrorCodeInvalidClient, "Registration access token is invalid", http.StatusUnauthorized)
}

// writeRegistrationResponse writes the client registration response. The
// registration access token is only disclosed on initial registration.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string, status int, includeRegistrationToken bool) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
		TLSClientAuthSubjectDN:  client.TLSSubjectDN,
	}
	if clientSecret != "" && !client.SecretExpiresAt.IsZero() {
		response.ClientSecretExpiresAt = client.SecretExpiresAt.Unix()
	}
	if includeRegistrationToken {
		response.RegistrationAccessToken = client.RegistrationAccessToken
		response.RegistrationClientURI = joinIssuerPath(h.server.Config.Issuer,
			h.config.RegistrationPath+"/"+client.ClientID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// ==================== Bearer Token Middleware ====================

// ValidateToken is middleware that validates the Bearer token on incoming
// requests and stores the token info in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		info, err := h.server.ValidateAccessToken(r.Context(), accessToken, "")
		if err != nil {
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
			h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Token validation failed")
			return
		}

		if h.checkUserRateLimit(w, r, info.Subject, clientIP) {
			return
		}

		ctx := ContextWithTokenInfo(r.Context(), info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScopes is middleware that validates the Bearer token and requires
// every listed scope to be granted. Missing scopes yield a 403 with an
// insufficient_scope challenge (RFC 6750 Section 3.1).
func (h *Handler) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

			if h.checkIPRateLimit(w, r, clientIP) {
				return
			}

			accessToken, ok := h.extractBearerToken(w, r)
			if !ok {
				return
			}

			info, err := h.server.ValidateResourceAccess(r.Context(), accessToken, "", scopes)
			if err != nil {
				// Distinguish a bad token from a valid token lacking scope.
				if _, verr := h.server.ValidateAccessToken(r.Context(), accessToken, ""); verr != nil {
					h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Token validation failed")
					return
				}
				h.writeInsufficientScopeError(w, scopes, "Token is missing a required scope")
				return
			}

			if h.checkUserRateLimit(w, r, info.Subject, clientIP) {
				return
			}

			ctx := ContextWithTokenInfo(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", clientIP, "", r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkUserRateLimit checks if the user is rate limited. Returns true if limited.
func (h *Handler) checkUserRateLimit(w http.ResponseWriter, r *http.Request, subject, clientIP string) bool {
	if h.server.UserRateLimiter == nil || h.server.UserRateLimiter.Allow(subject) {
		return false
	}

	h.logger.Warn("User rate limit exceeded", "ip", clientIP)
	h.recordUserRateLimitExceeded(r.Context(), clientIP, subject)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded for user. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientIP, subject, endpoint string) {
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(ctx, limitType)
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": endpoint},
		})
		h.server.Auditor.LogRateLimitExceeded(clientIP, subject)
	}
}

// recordUserRateLimitExceeded records user rate limit metrics and audit events.
func (h *Handler) recordUserRateLimitExceeded(ctx context.Context, clientIP, subject string) {
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(ctx, "user")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, subject)
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// bearerToken returns the Bearer token from the Authorization header, or ""
// when none is present. Unlike extractBearerToken it writes no response.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// Context key for token info
type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfoFromContext retrieves the validated token info from the request context
func TokenInfoFromContext(ctx context.Context) (*server.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*server.TokenInfo)
	return info, ok
}

// ContextWithTokenInfo creates a context carrying the given token info.
// This is useful for testing code that depends on an authenticated context.
func ContextWithTokenInfo(ctx context.Context, info *server.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

// ==================== Error Responses ====================

// splitOAuthError splits an error of the form "error_code: description" into
// its parts. Unknown prefixes collapse to server_error with a generic
// description so internal details never reach the client.
func splitOAuthError(err error) (code, description string) {
	msg := err.Error()
	if prefix, rest, found := strings.Cut(msg, ": "); found && isKnownErrorCode(prefix) {
		return prefix, rest
	}
	return ErrorCodeServerError, "Internal server error"
}

// writeOAuthError writes an error produced by the server core. An
// *OAuthError carries its own HTTP status; any other error has its
// error-code prefix mapped to a status.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}
	code, description := splitOAuthError(err)
	h.writeError(w, code, description, statusForErrorCode(code))
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6750 Section 3: 401 responses carry a WWW-Authenticate challenge.
	if status == http.StatusUnauthorized {
		if !h.config.DisableWWWAuthenticateMetadata {
			scope := strings.Join(h.config.DefaultChallengeScopes, " ")
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, code, description))
		} else {
			w.Header().Set("WWW-Authenticate", tokenTypeBearer)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized response with a
// WWW-Authenticate challenge advertising the configured scopes.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, r *http.Request, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if !h.config.DisableWWWAuthenticateMetadata {
		scope := strings.Join(h.config.DefaultChallengeScopes, " ")
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, code, description))
	} else {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeInsufficientScopeError writes a 403 Forbidden response with an
// insufficient_scope challenge listing the required scopes (RFC 6750
// Section 3.1).
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, description))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             ErrorCodeInsufficientScope,
		"error_description": description,
	})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per
// RFC 6750 with optional scope, error, and error_description parameters.
// Parameter values are escaped per the HTTP quoted-string rules.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string

	if scope != "" {
		// Escape backslashes first, then quotes (order matters).
		escapedScope := strings.ReplaceAll(scope, `\`, `\\`)
		escapedScope = strings.ReplaceAll(escapedScope, `"`, `\"`)
		params = append(params, fmt.Sprintf(`scope="%s"`, escapedScope))
	}

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}

	if errorDesc != "" {
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}

	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func isValidAuthMethod(method string) bool {
	for _, supported := range SupportedTokenAuthMethods {
		if method == supported {
			return true
		}
	}
	return false
}

// ==================== CORS ====================

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, an Origin header is present,
// and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*".
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := h.config.CORS.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" {
			h.logger.Warn("CORS: Wildcard origin (*) allows ALL origins",
				"recommendation", "Use specific origins in production")
			return true
		}
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ==================== Metrics ====================

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// recordAuthorizationStarted records when an authorization flow is started
func (h *Handler) recordAuthorizationStarted(clientID string) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordAuthorizationStarted(context.Background(), clientID)
}

// recordCodeExchanged records when an authorization code is exchanged
func (h *Handler) recordCodeExchanged(clientID, pkceMethod string) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordCodeExchange(context.Background(), clientID, pkceMethod)
}

// recordTokenRefreshed records when a token is refreshed
func (h *Handler) recordTokenRefreshed(clientID string, rotated bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordTokenRefresh(context.Background(), clientID, rotated)
}

// recordTokenRevoked records when a token is revoked
func (h *Handler) recordTokenRevoked(clientID string) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordTokenRevocation(context.Background(), clientID)
}

// recordTokenIntrospected records the outcome of a token introspection
func (h *Handler) recordTokenIntrospected(active bool) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordTokenIntrospection(context.Background(), active)
}

// recordClientRegistered records when a client is registered
func (h *Handler) recordClientRegistered(clientType string) {
	if h.inst == nil {
		return
	}
	h.inst.Metrics().RecordClientRegistration(context.Background(), clientType)
}
