package prefs

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get(KeyCameraURL); err != nil || ok {
		t.Fatalf("empty store Get = ok %v, err %v", ok, err)
	}

	if err := s.SetCameraURL("http://192.168.1.100:4747/video"); err != nil {
		t.Fatal(err)
	}
	if got := s.CameraURL(); got != "http://192.168.1.100:4747/video" {
		t.Errorf("CameraURL() = %q", got)
	}

	if err := s.Set(KeyCameraURL, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(KeyCameraURL); ok {
		t.Error("empty value should delete the key")
	}

	if err := s.Delete("never-set"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := openTestStore(t)

	s.SetAPIKey("secret")
	s.SetLastSessionID("4b1c1e1a-0000-4000-8000-000000000001")
	s.SetLastCameraID("cam-2")

	snap := s.Snapshot()
	if !snap.Authenticated || snap.LastSessionID == "" || snap.LastCameraID != "cam-2" {
		t.Errorf("Snapshot() = %+v", snap)
	}

	s.ClearAPIKey()
	if s.Snapshot().Authenticated || s.APIKey() != "" {
		t.Error("API key should be cleared")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetLastCameraID("cam-7")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if got := s.LastCameraID(); got != "cam-7" {
		t.Errorf("LastCameraID() after reopen = %q", got)
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("expected error for blank dir")
	}
}

func TestStore_RunGCInMemory(t *testing.T) {
	s := openTestStore(t)
	s.RunGC()
}
