package prefs

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "prefs.json"))
}

func TestGet_MissingKey(t *testing.T) {
	store := newTestStore(t)

	if _, ok := store.GetString("absent"); ok {
		t.Fatal("expected absent string key to report ok=false")
	}
	if _, ok := store.GetBool("absent"); ok {
		t.Fatal("expected absent bool key to report ok=false")
	}
	if _, ok := store.GetTime("absent"); ok {
		t.Fatal("expected absent time key to report ok=false")
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("user_id", "u-123"); err != nil {
		t.Fatalf("Set string: %v", err)
	}
	if err := store.Set("migrated", true); err != nil {
		t.Fatalf("Set bool: %v", err)
	}
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Set("period_end", stamp); err != nil {
		t.Fatalf("Set time: %v", err)
	}

	if v, ok := store.GetString("user_id"); !ok || v != "u-123" {
		t.Fatalf("GetString = (%q, %t)", v, ok)
	}
	if v, ok := store.GetBool("migrated"); !ok || !v {
		t.Fatalf("GetBool = (%t, %t)", v, ok)
	}
	if v, ok := store.GetTime("period_end"); !ok || !v.Equal(stamp) {
		t.Fatalf("GetTime = (%v, %t)", v, ok)
	}
}

func TestSet_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	if err := New(path).Set("user_id", "u-456"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := New(path).GetString("user_id"); !ok || v != "u-456" {
		t.Fatalf("reloaded GetString = (%q, %t)", v, ok)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("user_id", "u-789"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete("user_id"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.GetString("user_id"); ok {
		t.Fatal("expected deleted key to be absent")
	}
	if err := store.Delete("user_id"); err != nil {
		t.Fatalf("Delete absent key: %v", err)
	}
}
