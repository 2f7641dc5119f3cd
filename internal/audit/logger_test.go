package audit

import (
	"context"
	"testing"
	"time"

	auditrepo "rights-control-engine/internal/audit/repository"
)

func TestLogEvent_PersistsEntry(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	l := NewLogger(repo, func(ctx context.Context) string { return "admin-1" })

	l.LogEvent(context.Background(), "key.rotate", "kv-1", `{"force":true}`)

	entries, err := repo.ListSince(context.Background(), time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Actor != "admin-1" || e.Action != "key.rotate" || e.Resource != "kv-1" {
		t.Errorf("entry = %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Error("entry should have id and timestamp")
	}
}

func TestLogEvent_SentinelActor(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	l := NewLogger(repo, nil)

	l.LogEvent(context.Background(), "policy.suspend", "p-1", "")

	entries, _ := repo.ListSince(context.Background(), time.Time{}, 10)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Actor != SentinelActor {
		t.Errorf("Actor = %q, want %q", entries[0].Actor, SentinelActor)
	}
}

func TestLog_NilLoggerIsNoop(t *testing.T) {
	// must not panic
	Log(context.Background(), nil, "key.destroy", "kv-1", "")
}
