package upload

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestWorkItem_Encode(t *testing.T) {
	id := uuid.New()
	item := NewWorkItem(id, "user-1", "/data/x.tar.gz", "slide.svs", []Tag{{Key: "PatientName", Value: "Doe^J"}})

	body, err := item.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("work item is not valid JSON: %v", err)
	}
	if decoded["uuid"] != id.String() {
		t.Errorf("expected uuid %s, got %v", id, decoded["uuid"])
	}
	if decoded["keycloak_user_id"] != "user-1" {
		t.Errorf("expected keycloak_user_id user-1, got %v", decoded["keycloak_user_id"])
	}
	if decoded["path_to_wsi_tarball"] != "/data/x.tar.gz" {
		t.Errorf("expected tarball path, got %v", decoded["path_to_wsi_tarball"])
	}
	if decoded["path_in_tarball_for_openslide"] != "slide.svs" {
		t.Errorf("expected in-archive path, got %v", decoded["path_in_tarball_for_openslide"])
	}
	tags, ok := decoded["tags"].([]interface{})
	if !ok || len(tags) != 1 {
		t.Fatalf("expected one tag, got %v", decoded["tags"])
	}
}

func TestWorkItem_TagsAlwaysPresent(t *testing.T) {
	item := NewWorkItem(uuid.New(), "u", "/p", "s", nil)
	body, err := item.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(body, []byte(`"tags":[]`)) {
		t.Errorf("expected empty tags array in %s", body)
	}
}

func TestWorkItem_Deterministic(t *testing.T) {
	id := uuid.New()
	tags := []Tag{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}

	first, err := NewWorkItem(id, "u", "/p", "s", tags).Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewWorkItem(id, "u", "/p", "s", tags).Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("identical inputs produced different encodings:\n%s\n%s", first, second)
	}
}
