package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/avdeyev/codecanvas/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return repo
}

func testRecord(uid, userID string) *domain.CodeRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.CodeRecord{
		UID:         uid,
		UserID:      userID,
		Email:       "dev@example.com",
		ImageURL:    "https://cdn.example.com/design.png",
		Description: "checkout page",
		Model:       "gpt-4o",
		Options:     domain.GenerationOptions{"framework": "react", "dark": true},
		Code:        domain.CodeBody{Content: "const App = () => null;"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	want := testRecord("rec-1", "anon_1")
	if err := repo.CreateRecord(ctx, want); err != nil {
		t.Fatalf("create record: %v", err)
	}

	got, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.UserID != want.UserID || got.Code.Content != want.Code.Content {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.Options["framework"] != "react" {
		t.Errorf("options not preserved: %+v", got.Options)
	}
}

func TestGetRecordMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetRecord(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestUpdateRecordCode(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateRecord(ctx, testRecord("rec-1", "anon_1")); err != nil {
		t.Fatalf("create record: %v", err)
	}

	update := CodeUpdate{
		Content: "const App = () => <div/>;",
		Model:   "gpt-4o",
		Email:   "dev@example.com",
		Options: domain.GenerationOptions{"framework": "react"},
	}
	if err := repo.UpdateRecordCode(ctx, "rec-1", update); err != nil {
		t.Fatalf("update code: %v", err)
	}

	got, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Code.Content != update.Content {
		t.Errorf("expected updated code, got %q", got.Code.Content)
	}
}

func TestUpdateRecordCodeMissing(t *testing.T) {
	repo := newTestStore(t)

	err := repo.UpdateRecordCode(context.Background(), "nope", CodeUpdate{Content: "x"})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListRecordsScopedAndOrdered(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	older := testRecord("rec-old", "anon_1")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testRecord("rec-new", "anon_1")
	foreign := testRecord("rec-other", "anon_2")

	for _, r := range []*domain.CodeRecord{older, newer, foreign} {
		if err := repo.CreateRecord(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.UID, err)
		}
	}

	records, err := repo.ListRecords(ctx, "anon_1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].UID != "rec-new" || records[1].UID != "rec-old" {
		t.Errorf("expected newest first, got %s then %s", records[0].UID, records[1].UID)
	}
}
