package httpapi

import (
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"possync/backend/internal/domain"
)

func TestAuthManagerHashesPlainBridgeSecret(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "shell-secret")

	if manager.bridgeSecret == "shell-secret" {
		t.Fatalf("expected bridge secret to be stored as hash, got plain-text")
	}
	if !strings.HasPrefix(manager.bridgeSecret, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", manager.bridgeSecret)
	}

	resp, err := manager.Issue(domain.TokenRequest{ShellID: "desktop-1", Secret: "shell-secret"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	shell, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if shell.ID != "desktop-1" || resp.ShellID != "desktop-1" {
		t.Fatalf("unexpected shell %q / %q", shell.ID, resp.ShellID)
	}
}

func TestAuthManagerAcceptsPreHashedSecret(t *testing.T) {
	hash := mustHashPassword(t, "pre-hashed")
	manager := NewAuthManager("test-secret", time.Hour, hash)

	if manager.bridgeSecret != hash {
		t.Fatalf("expected hash to be kept as given")
	}
	if _, err := manager.Issue(domain.TokenRequest{ShellID: "web", Secret: "pre-hashed"}); err != nil {
		t.Fatalf("issue with pre-hashed secret: %v", err)
	}
}

func TestAuthManagerRejectsBadRequests(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "shell-secret")

	cases := []domain.TokenRequest{
		{ShellID: "web", Secret: "wrong"},
		{ShellID: "web", Secret: ""},
		{ShellID: "", Secret: "shell-secret"},
		{ShellID: "has space", Secret: "shell-secret"},
		{ShellID: strings.Repeat("x", 65), Secret: "shell-secret"},
	}
	for _, req := range cases {
		if _, err := manager.Issue(req); err == nil {
			t.Fatalf("expected %+v to be rejected", req)
		}
	}
}

func TestAuthManagerDisabledWithoutBridgeSecret(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")
	if _, err := manager.Issue(domain.TokenRequest{ShellID: "web", Secret: "anything"}); err != errIssuanceDisabled {
		t.Fatalf("expected issuance disabled, got %v", err)
	}
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "shell-secret")
	other := NewAuthManager("other-secret", time.Hour, "shell-secret")

	foreign, err := other.sign("web", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}

	expired, err := manager.sign("web", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{Subject: "web", Issuer: tokenIssuer})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected alg=none token to fail")
	}
}
