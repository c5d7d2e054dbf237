package jobindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

func TestRecordAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []protocol.JobStatus{protocol.StatusPass, protocol.StatusFail} {
		m := &protocol.Manifest{
			JobID:     "job" + string(rune('0'+i)),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
			Status:    status,
			ErrorType: protocol.ErrOK,
			Runtime:   protocol.RuntimeInfo{CWD: "/work", RunDir: "/work/.skillpilot/runs/job"},
			Skill:     protocol.SkillInfo{Name: "summary_health_mock"},
			Design:    protocol.DesignInfo{Query: "a"},
		}
		if status == protocol.StatusFail {
			m.ErrorType = protocol.ErrOutputMissing
		}
		if err := idx.Record(ctx, m); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := idx.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].JobID != "job1" {
		t.Errorf("expected most recent first, got %s", entries[0].JobID)
	}

	failOnly, err := idx.List(ctx, ListFilter{Status: protocol.StatusFail})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(failOnly) != 1 || failOnly[0].ErrorType != protocol.ErrOutputMissing {
		t.Errorf("unexpected filtered results: %+v", failOnly)
	}
}

func TestRecordUpsertsOnConflict(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	m := &protocol.Manifest{JobID: "job0", Status: protocol.StatusRunning, ErrorType: protocol.ErrOK}
	if err := idx.Record(ctx, m); err != nil {
		t.Fatalf("Record: %v", err)
	}
	m.Status = protocol.StatusPass
	if err := idx.Record(ctx, m); err != nil {
		t.Fatalf("Record update: %v", err)
	}

	entries, err := idx.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert, got %d", len(entries))
	}
	if entries[0].Status != protocol.StatusPass {
		t.Errorf("expected upserted status PASS, got %s", entries[0].Status)
	}
}
