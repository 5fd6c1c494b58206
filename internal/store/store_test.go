package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"halo/internal/db"
	"halo/internal/domain"
	"halo/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn, Now: func() time.Time {
		return time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	}}
}

func draftCard(id string) domain.Card {
	return domain.Card{
		Type:        domain.CardDraft,
		Title:       "Reorder",
		Summary:     "2 items",
		HouseholdID: "hh-1",
		UserID:      "u-1",
		DraftID:     &id,
	}
}

func TestSaveCardAndGet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	a, err := r.SaveCard(ctx, draftCard("d1"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.StableKey != "d1::DRAFT" {
		t.Errorf("stable key: got %q", a.StableKey)
	}
	if !strings.Contains(a.ThreadURL, "draft_id=d1") {
		t.Errorf("thread url: got %q", a.ThreadURL)
	}

	got, err := r.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != a {
		t.Errorf("get: got %+v want %+v", got, a)
	}
}

func TestSaveCardUpsertsByStableKey(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	first, err := r.SaveCard(ctx, draftCard("d1"))
	if err != nil {
		t.Fatalf("save 1: %v", err)
	}
	c := draftCard("d1")
	c.Summary = "3 items"
	second, err := r.SaveCard(ctx, c)
	if err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("resave must keep artifact id: %q vs %q", second.ID, first.ID)
	}
	if second.Summary != "3 items" {
		t.Errorf("resave must refresh summary: %q", second.Summary)
	}
	items, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected single artifact, got %d", len(items))
	}
}

func TestSaveCardRejectsNoIdentity(t *testing.T) {
	r := newRepo(t)
	c := domain.Card{Type: domain.CardClarify, HouseholdID: "hh", UserID: "u"}
	if _, err := r.SaveCard(context.Background(), c); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	r := newRepo(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: expected ErrNotFound, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.AppendEvent(ctx, "command_submitted", "command", "", EventPayload{"text": "reorder the usual"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := r.AppendEvent(ctx, "draft_confirmed", "draft", "d1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := r.TailEvents(ctx, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != "draft_confirmed" || events[0].EntityID != "d1" {
		t.Errorf("newest first: %+v", events[0])
	}
	if events[1].Payload != `{"text":"reorder the usual"}` {
		t.Errorf("payload: %q", events[1].Payload)
	}
}
