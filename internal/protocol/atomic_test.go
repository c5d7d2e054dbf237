package protocol

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomicRejectsMissingSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	err := WriteAtomic(filepath.Join(dir, "x.json"), &struct{ Foo string }{Foo: "bar"})
	if err != ErrMissingSchemaVersion {
		t.Fatalf("expected ErrMissingSchemaVersion, got %v", err)
	}
}

func TestWriteAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job_manifest.json")

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		JobID:         "20260802_ab12",
		CreatedAt:     time.Now().UTC(),
		Status:        StatusRunning,
		ErrorType:     ErrOK,
	}
	if err := WriteAtomic(path, m); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	var loaded Manifest
	if err := ReadJSON(path, &loaded); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if loaded.JobID != m.JobID {
		t.Errorf("expected job id %s, got %s", m.JobID, loaded.JobID)
	}

	// Rewriting must succeed (manifest is rewritten atomically, not write-once).
	m.Status = StatusPass
	if err := WriteAtomic(path, m); err != nil {
		t.Fatalf("WriteAtomic (rewrite): %v", err)
	}
	if err := ReadJSON(path, &loaded); err != nil {
		t.Fatalf("ReadJSON (reload): %v", err)
	}
	if loaded.Status != StatusPass {
		t.Errorf("expected status PASS after rewrite, got %s", loaded.Status)
	}
}

func TestWriteOnceAtomicRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.json")

	req := &Request{SchemaVersion: SchemaVersion, RequestID: "job_1_restore"}
	if err := WriteOnceAtomic(path, req); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteOnceAtomic(path, req); err == nil {
		t.Fatal("expected error on duplicate write-once write")
	}
}

func TestReadJSONRejectsUnknownSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")

	m := &Manifest{SchemaVersion: "9.9", JobID: "x", Status: StatusRunning, ErrorType: ErrOK}
	if err := WriteAtomic(path, m); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	var loaded Manifest
	err := ReadJSON(path, &loaded)
	if err == nil {
		t.Fatal("expected unknown schema version error")
	}
	if _, ok := err.(*ErrUnknownSchemaVersion); !ok {
		t.Errorf("expected *ErrUnknownSchemaVersion, got %T: %v", err, err)
	}
}
