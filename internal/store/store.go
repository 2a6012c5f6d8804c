// Package store implements the persistent JSON store (spec §4.1): atomic
// read/write of typed state documents with a safe default returned on any
// read failure (missing file, parse error, wrong shape). Every documented
// entity in spec §3 is written through Write; internal/validate reads
// daemon-state.json itself, as a generic map, and writes it back via Write.
//
// Grounded on zulandar-gastown's internal/util atomic-write helpers: write
// to a sibling temp file, then rename, so a crash mid-write never leaves a
// half-written document behind.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
)

// Read loads the typed document at path into dst. If the file is missing,
// unreadable, or fails to unmarshal, dst is left at its zero value and Read
// returns nil — callers pass in an already-defaulted dst and get it back
// untouched on any failure, matching the "safe defaults on corruption"
// contract in spec §4.1.
func Read(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // missing or unreadable: caller's zero/default value stands
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil // corrupt: same contract as missing
	}
	return nil
}

// ReadStrict is like Read but surfaces I/O and parse errors, for callers
// (tests, validate-state-style diagnostics) that need to distinguish
// "missing" from "corrupt" rather than silently defaulting.
func ReadStrict(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read state document")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "unmarshal state document")
	}
	return nil
}

// Exists reports whether a document exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Write atomically persists v as indented JSON at path: write to path+".tmp"
// then rename, creating parent directories on demand. Rename is atomic on
// POSIX filesystems, so a reader never observes a partially written file.
func Write(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create parent directory")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state document")
	}
	return WriteBytes(path, data, 0o644)
}

// WriteBytes atomically writes raw bytes at path with the given permissions.
func WriteBytes(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename temp file into place")
	}
	return nil
}

// Delete removes the document at path. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove state document")
	}
	return nil
}

// ListDir returns the names of entries directly under dir. A missing
// directory is not an error — it reports an empty list.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
