package security

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingLogger returns a logger writing text records into buf.
func capturingLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestAuditor_LogEventHashesSubject(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(capturingLogger(&buf), true)

	auditor.LogTokenIssued("alice@example.com", "client-1", "203.0.113.5", "read write")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Errorf("audit log leaked the raw subject: %s", out)
	}
	if !strings.Contains(out, "subject_hash=") {
		t.Errorf("audit log missing subject hash: %s", out)
	}
	if !strings.Contains(out, EventTokenIssued) {
		t.Errorf("audit log missing event type: %s", out)
	}
	if !strings.Contains(out, "client-1") {
		t.Errorf("audit log missing client id: %s", out)
	}
}

func TestAuditor_DisabledLogsNothing(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(capturingLogger(&buf), false)

	auditor.LogAuthFailure("user", "client-1", "203.0.113.5", "bad secret")
	auditor.LogReuseDetected(EventRefreshTokenReuseDetected, "user", "client-1", "203.0.113.5", 3)

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditor_ReuseEventCarriesContainmentCount(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(capturingLogger(&buf), true)

	auditor.LogReuseDetected(EventAuthorizationCodeReuseDetected, "user", "client-1", "203.0.113.5", 4)

	out := buf.String()
	if !strings.Contains(out, EventAuthorizationCodeReuseDetected) {
		t.Errorf("missing event type: %s", out)
	}
	if !strings.Contains(out, "tokens_revoked:4") && !strings.Contains(out, "tokens_revoked=4") {
		t.Errorf("missing containment count: %s", out)
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("empty hash = %q, want <empty>", got)
	}

	a, b := hashForLogging("user-a"), hashForLogging("user-b")
	if a == b {
		t.Error("distinct inputs should hash differently")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if hashForLogging("user-a") != a {
		t.Error("hash should be deterministic")
	}
}
