package authtoken

import (
	"testing"
	"time"
)

func TestCheckAuthKey(t *testing.T) {
	if !CheckAuthKey("secret", "secret") {
		t.Fatal("expected matching keys to succeed")
	}
	if CheckAuthKey("secret", "wrong") {
		t.Fatal("expected mismatched keys to fail")
	}
	if CheckAuthKey("", "") {
		t.Fatal("expected an unconfigured secret to always reject")
	}
}

func TestAdminIssuer_IssueAndVerify(t *testing.T) {
	issuer := NewAdminIssuer("top-secret", time.Hour)
	tok, err := issuer.Issue("operator-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	subject, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "operator-1" {
		t.Fatalf("expected subject operator-1, got %q", subject)
	}
}

func TestAdminIssuer_RejectsWrongSecret(t *testing.T) {
	issuer := NewAdminIssuer("top-secret", time.Hour)
	tok, err := issuer.Issue("operator-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewAdminIssuer("different-secret", time.Hour)
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected verification under a different secret to fail")
	}
}

func TestAdminIssuer_RejectsExpired(t *testing.T) {
	issuer := NewAdminIssuer("top-secret", -time.Minute)
	tok, err := issuer.Issue("operator-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(tok); err == nil {
		t.Fatal("expected an already-expired token to be rejected")
	}
}
