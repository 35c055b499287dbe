package keystore

import (
	"encoding/base64"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New("alice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	group, err := s.Engine.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	gidKey := base64.StdEncoding.EncodeToString(group.GroupID())
	s.Groups[gidKey] = group
	s.GroupNameToID["general"] = gidKey

	path := filepath.Join(t.TempDir(), "identity.json")
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Engine.Identity() != "alice" {
		t.Fatalf("identity = %q, want %q", restored.Engine.Identity(), "alice")
	}
	if len(restored.Groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(restored.Groups))
	}
	if restored.GroupNameToID["general"] != gidKey {
		t.Fatalf("group_name_to_id[general] = %q, want %q", restored.GroupNameToID["general"], gidKey)
	}

	restoredGroup, ok := restored.Groups[gidKey]
	if !ok {
		t.Fatal("restored group missing")
	}
	if restoredGroup.Epoch() != group.Epoch() {
		t.Fatalf("restored epoch = %d, want %d", restoredGroup.Epoch(), group.Epoch())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/identity.json"); err == nil {
		t.Fatal("expected error loading nonexistent file")
	}
}
