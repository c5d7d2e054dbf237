package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnknownSchemaVersion is returned when a record on disk carries a
// schema_version this build does not recognize. The caller must classify
// this as INTERNAL_ERROR and stop — silent migration is never attempted.
type ErrUnknownSchemaVersion struct {
	Path    string
	Version string
}

func (e *ErrUnknownSchemaVersion) Error() string {
	return fmt.Sprintf("%s: unknown schema_version %q", e.Path, e.Version)
}

// ErrMissingSchemaVersion is returned when a write is attempted for a
// record lacking schema_version.
var ErrMissingSchemaVersion = fmt.Errorf("protocol: record missing schema_version")

// WriteAtomic marshals v as indented JSON and writes it to path via a
// same-directory temp file followed by rename, so readers never observe a
// partially written file. v must carry a non-empty schema_version field,
// checked structurally via schemaVersionOf.
func WriteAtomic(path string, v interface{}) error {
	if sv := schemaVersionOf(v); sv == "" {
		return ErrMissingSchemaVersion
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("protocol: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("protocol: marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("protocol: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("protocol: write %s: %w", path, writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("protocol: close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("protocol: rename into place %s: %w", path, err)
	}
	return nil
}

// WriteOnceAtomic behaves like WriteAtomic but refuses to overwrite an
// existing file, as required for write-once records (Request, Ack).
func WriteOnceAtomic(path string, v interface{}) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("protocol: %s already exists (write-once)", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("protocol: stat %s: %w", path, err)
	}
	return WriteAtomic(path, v)
}

// ReadJSON loads and unmarshals a JSON record from path, and verifies its
// schema_version matches the one this build understands.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("protocol: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: parse %s: %w", path, err)
	}

	sv := schemaVersionOf(v)
	if sv != "" && sv != SchemaVersion {
		return &ErrUnknownSchemaVersion{Path: path, Version: sv}
	}
	return nil
}

// schemaVersionOf extracts the schema_version field from any of the
// record types in this package via a type switch. Unknown types are
// treated as having no schema_version (WriteAtomic then refuses them).
func schemaVersionOf(v interface{}) string {
	switch r := v.(type) {
	case *Manifest:
		return r.SchemaVersion
	case *TimelineEvent:
		return r.SchemaVersion
	case *Request:
		return r.SchemaVersion
	case *Ack:
		return r.SchemaVersion
	case *SessionState:
		return r.SchemaVersion
	case *Summary:
		return r.SchemaVersion
	default:
		return ""
	}
}
