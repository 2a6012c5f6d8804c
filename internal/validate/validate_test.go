package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validDoc() map[string]interface{} {
	return map[string]interface{}{
		"started_at": "2026-07-30T09:00:00Z",
		"running":    true,
		"iteration":  float64(3),
		"shepherds": map[string]interface{}{
			"0": map[string]interface{}{"status": "idle"},
		},
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	t.Parallel()
	r := Validate(validDoc(), false)
	if !r.Valid() {
		t.Errorf("expected no errors, got %v", r.Errors)
	}
}

func TestValidateFlagsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	r := Validate(map[string]interface{}{}, false)
	if r.Valid() {
		t.Fatal("expected errors for an empty document")
	}
	for _, f := range requiredFields {
		found := false
		for _, e := range r.Errors {
			if e == "missing_field:"+f {
				found = true
			}
		}
		if !found {
			t.Errorf("expected missing_field error for %q, got %v", f, r.Errors)
		}
	}
}

func TestValidateFlagsInvalidShepherdStatus(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["shepherds"] = map[string]interface{}{
		"1": map[string]interface{}{"status": "haunted"},
	}
	r := Validate(doc, false)
	if r.Valid() {
		t.Fatal("expected an error for an invalid shepherd status")
	}
	if !containsPrefix(r.Errors, "invalid_shepherd_status:1:haunted") {
		t.Errorf("errors = %v, want invalid_shepherd_status:1:haunted", r.Errors)
	}
}

func TestValidateFlagsNonHexTaskIDAndOffersFix(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["shepherds"] = map[string]interface{}{
		"2": map[string]interface{}{"status": "working", "task_id": "not-hex!"},
	}
	r := Validate(doc, true)
	if r.Valid() {
		t.Fatal("expected an error for a malformed task id")
	}
	if !containsPrefix(r.Errors, "invalid_task_id:2:not-hex!") {
		t.Errorf("errors = %v, want invalid_task_id:2:not-hex!", r.Errors)
	}
	if !containsPrefix(r.Fixes, "reset_shepherd:2") {
		t.Errorf("fixes = %v, want reset_shepherd:2", r.Fixes)
	}
}

func TestValidateWarnsWorkingWithoutTaskID(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["shepherds"] = map[string]interface{}{
		"3": map[string]interface{}{"status": "working"},
	}
	r := Validate(doc, false)
	if !containsPrefix(r.Warnings, "working_without_task_id:3") {
		t.Errorf("warnings = %v, want working_without_task_id:3", r.Warnings)
	}
}

func TestValidateFlagsInvalidSupportRoleStatus(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["support_roles"] = map[string]interface{}{
		"doctor": map[string]interface{}{"status": "sleeping"},
	}
	r := Validate(doc, false)
	if !containsPrefix(r.Errors, "invalid_support_role_status:doctor:sleeping") {
		t.Errorf("errors = %v, want invalid_support_role_status:doctor:sleeping", r.Errors)
	}
}

func TestValidateFlagsBadTimestampFormat(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["last_poll"] = "not a timestamp"
	r := Validate(doc, false)
	if !containsPrefix(r.Warnings, "invalid_timestamp_format:last_poll:not a timestamp") {
		t.Errorf("warnings = %v, want invalid_timestamp_format warning", r.Warnings)
	}
}

func TestApplyResetsNamedShepherd(t *testing.T) {
	t.Parallel()
	doc := validDoc()
	doc["shepherds"] = map[string]interface{}{
		"2": map[string]interface{}{"status": "working", "task_id": "bad!id!"},
	}
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	Apply(doc, []string{"reset_shepherd:2"}, now)

	shepherds := doc["shepherds"].(map[string]interface{})
	entry := shepherds["2"].(map[string]interface{})
	if entry["status"] != "idle" {
		t.Errorf("status = %v, want idle", entry["status"])
	}
	if entry["task_id"] != nil {
		t.Errorf("task_id = %v, want nil", entry["task_id"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	le, ok := err.(*LoadError)
	if !ok {
		t.Fatalf("error type = %T, want *LoadError", err)
	}
	if le.Kind != ErrFileNotFound {
		t.Errorf("Kind = %v, want %v", le.Kind, ErrFileNotFound)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	le, ok := err.(*LoadError)
	if !ok {
		t.Fatalf("error type = %T, want *LoadError", err)
	}
	if le.Kind != ErrInvalidJSON {
		t.Errorf("Kind = %v, want %v", le.Kind, ErrInvalidJSON)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	original := validDoc()
	if err := Save(path, original); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded["running"] != true {
		t.Errorf("running = %v, want true", loaded["running"])
	}
}

func containsPrefix(items []string, prefix string) bool {
	for _, s := range items {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
