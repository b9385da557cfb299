package auth

import "testing"

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", 1)

	token, err := svc.Generate("client-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("client id = %q, want client-1", claims.ClientID)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", 1).Generate("client-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("secret-b", 1).Validate(token); err == nil {
		t.Error("token signed with another secret validated")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	token, err := NewJWTService("secret", -1).Generate("client-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("secret", -1).Validate(token); err == nil {
		t.Error("expired token validated")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewJWTService("secret", 1)
	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Validate(tok); err == nil {
			t.Errorf("Validate(%q) accepted", tok)
		}
	}
}
