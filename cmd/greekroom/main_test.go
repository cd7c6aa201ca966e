package main

import (
	"bytes"
	"strings"
	"testing"

	"greekroom/internal/auth"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTokenMintThenInspect(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	out, _, err := run(t, "token", "mint", "--client-id", "linguist", "--expires-days", "2", "--scopes", "read,analyze")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	token := strings.TrimSpace(out)
	claims, err := auth.NewIssuer("test-secret", "", "", "").Verify(token)
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if claims.ClientID != "linguist" || claims.Subject != "linguist" || strings.Join(claims.Scopes, ",") != "read,analyze" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	out, _, err = run(t, "token", "inspect", "--verify", token)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"client_id: linguist", "scopes:    read,analyze", "signature valid"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestTokenMintNeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	if _, _, err := run(t, "token", "mint"); err == nil {
		t.Fatalf("expected an error without a secret")
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	if _, _, err := run(t, "token", "inspect", "not-a-jwt"); err == nil {
		t.Fatalf("expected a decode error")
	}
}

func TestBadLogLevelFlag(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	if _, _, err := run(t, "--log-level", "loud", "token", "mint"); err == nil {
		t.Fatalf("expected the log level to be rejected")
	}
}
