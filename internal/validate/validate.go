// Package validate implements daemon-state.json structural validation
// (spec §6, `validate-state`), grounded on
// original_source/loom-tools/src/loom_tools/validate_state.py: detect
// corruption and fabricated task IDs before they cascade into the
// orchestration loop, operating on the raw decoded JSON rather than the
// typed state.DaemonState so a malformed document (wrong status string,
// non-hex task id) is caught instead of silently zero-valued.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

var (
	taskIDPattern    = regexp.MustCompile(`^[a-f0-9]{7}$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z?$`)
)

var validShepherdStatuses = map[string]bool{"working": true, "idle": true, "errored": true, "paused": true}
var validSupportRoleStatuses = map[string]bool{"running": true, "idle": true}

var requiredFields = []string{"started_at", "running", "iteration"}
var timestampFields = []string{"started_at", "last_poll", "last_architect_trigger", "last_hermit_trigger"}

// Result is the outcome of validating one daemon-state document.
type Result struct {
	Errors   []string
	Warnings []string
	Fixes    []string // "reset_shepherd:<slot>" / "reset_support_role:<name>"
}

// Valid reports whether the document had no errors.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Validate checks a decoded daemon-state document, returning every problem
// found. When fix is true, Fixes lists the repairs Apply would make (but
// does not mutate data).
func Validate(data map[string]interface{}, fix bool) Result {
	var r Result

	for _, f := range requiredFields {
		if _, ok := data[f]; !ok {
			r.Errors = append(r.Errors, "missing_field:"+f)
		}
	}

	if shepherds, ok := data["shepherds"].(map[string]interface{}); ok {
		for sid, raw := range shepherds {
			sdata, ok := raw.(map[string]interface{})
			if !ok {
				r.Errors = append(r.Errors, "invalid_shepherd_data:"+sid)
				continue
			}
			status, _ := sdata["status"].(string)
			if status == "" {
				status = "unknown"
			}
			if !validShepherdStatuses[status] {
				r.Errors = append(r.Errors, fmt.Sprintf("invalid_shepherd_status:%s:%s", sid, status))
			}
			if taskID, ok := sdata["task_id"].(string); ok && taskID != "" && !taskIDPattern.MatchString(taskID) {
				r.Errors = append(r.Errors, fmt.Sprintf("invalid_task_id:%s:%s", sid, taskID))
				if fix {
					r.Fixes = append(r.Fixes, "reset_shepherd:"+sid)
				}
			}
			executionMode, _ := sdata["execution_mode"].(string)
			if executionMode == "" {
				executionMode = "direct"
			}
			taskID, _ := sdata["task_id"].(string)
			if status == "working" && taskID == "" && executionMode == "direct" {
				r.Warnings = append(r.Warnings, "working_without_task_id:"+sid)
			}
		}
	}

	if roles, ok := data["support_roles"].(map[string]interface{}); ok {
		for name, raw := range roles {
			rdata, ok := raw.(map[string]interface{})
			if !ok {
				r.Errors = append(r.Errors, "invalid_support_role_data:"+name)
				continue
			}
			status, _ := rdata["status"].(string)
			if status == "" {
				status = "unknown"
			}
			if !validSupportRoleStatuses[status] {
				r.Errors = append(r.Errors, fmt.Sprintf("invalid_support_role_status:%s:%s", name, status))
			}
			if taskID, ok := rdata["task_id"].(string); ok && taskID != "" && !taskIDPattern.MatchString(taskID) {
				r.Errors = append(r.Errors, fmt.Sprintf("invalid_task_id:%s:%s", name, taskID))
				if fix {
					r.Fixes = append(r.Fixes, "reset_support_role:"+name)
				}
			}
		}
	}

	for _, f := range timestampFields {
		v, ok := data[f].(string)
		if !ok || v == "" {
			continue
		}
		if !timestampPattern.MatchString(v) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("invalid_timestamp_format:%s:%s", f, v))
		}
	}

	return r
}

// Apply mutates data in place per fixes, resetting each named entry to an
// idle default the way validate_state.py's fix path does.
func Apply(data map[string]interface{}, fixes []string, now time.Time) {
	nowStr := now.UTC().Format("2006-01-02T15:04:05Z")
	for _, f := range fixes {
		kind, target, ok := splitOnce(f, ':')
		if !ok {
			continue
		}
		switch kind {
		case "reset_shepherd":
			if shepherds, ok := data["shepherds"].(map[string]interface{}); ok {
				shepherds[target] = map[string]interface{}{
					"status": "idle", "issue": nil, "task_id": nil, "output_file": nil,
					"idle_since": nowStr, "idle_reason": "invalid_task_id_reset",
				}
			}
		case "reset_support_role":
			if roles, ok := data["support_roles"].(map[string]interface{}); ok {
				roles[target] = map[string]interface{}{
					"status": "idle", "task_id": nil, "output_file": nil, "last_completed": nowStr,
				}
			}
		}
	}
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// LoadErrorKind names why a state document could not be loaded at all.
type LoadErrorKind string

const (
	ErrFileNotFound LoadErrorKind = "file_not_found"
	ErrNotReadable  LoadErrorKind = "file_not_readable"
	ErrInvalidJSON  LoadErrorKind = "invalid_json"
)

// LoadError reports why Load could not produce a document to validate.
type LoadError struct {
	Kind LoadErrorKind
	Path string
}

func (e *LoadError) Error() string { return string(e.Kind) + ": " + e.Path }

// Load reads and decodes a daemon-state document at path as a generic map,
// the input Validate expects.
func Load(path string) (map[string]interface{}, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Kind: ErrFileNotFound, Path: path}
	}
	if info.IsDir() {
		return nil, &LoadError{Kind: ErrNotReadable, Path: path}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Kind: ErrNotReadable, Path: path}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &LoadError{Kind: ErrInvalidJSON, Path: path}
	}
	return data, nil
}

// Save writes data back to path as indented JSON, matching the on-disk
// format every other state document uses.
func Save(path string, data map[string]interface{}) error {
	return store.Write(path, data)
}

// DefaultPath returns the daemon-state.json path under root, the default
// target when no explicit file argument is given.
func DefaultPath(root paths.Root) string { return root.DaemonState() }
