package device

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator(NewMemoryStore(Seed()))

	profile, err := auth.Authenticate("teddy-dev-001", "dev-token-001")
	if err != nil {
		t.Fatalf("Authenticate err: %v", err)
	}
	if profile.ChildAge != 8 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if _, err := auth.Authenticate("teddy-dev-001", "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := auth.Authenticate("missing", "dev-token-001"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	if err := os.WriteFile(path, []byte(`[{"deviceId":"d1","token":"t","childId":"c","childAge":6}]`), 0o600); err != nil {
		t.Fatalf("write err: %v", err)
	}

	items, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile err: %v", err)
	}
	if len(items) != 1 || items[0].ChildAge != 6 {
		t.Fatalf("unexpected items: %+v", items)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"token":"t"}]`), 0o600); err != nil {
		t.Fatalf("write err: %v", err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Fatal("expected error for entry without deviceId")
	}
}
