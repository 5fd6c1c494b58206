package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"halo/internal/api"
	"halo/internal/domain"
	"halo/internal/draft"
	"halo/internal/thread"
)

const draftCardJSON = `{"type":"DRAFT","title":"Reorder","summary":"","household_id":"hh-1","user_id":"u-1","draft_id":"d1","body":{"items":[{"name":"milk","quantity":2}]},"actions":[],"warnings":[]}`

func newSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := New(api.New(srv.URL), "hh-1", "u-1", "IMESSAGE")
	t.Cleanup(s.Close)
	return s
}

func TestSubmitCommandReplacesCard(t *testing.T) {
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, draftCardJSON)
	}))
	card, err := s.SubmitCommand(context.Background(), "reorder the usual", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if card.Type != domain.CardDraft {
		t.Fatalf("type: %q", card.Type)
	}
	held, ok := s.Card()
	if !ok || held.DraftID == nil || *held.DraftID != "d1" {
		t.Fatalf("held card: %+v ok=%v", held, ok)
	}
	if s.Kind() != draft.Reorder {
		t.Fatalf("kind: %s", s.Kind())
	}
	edits := s.Edits()
	if len(edits.Items) != 1 || edits.Items[0] != (draft.Item{Name: "milk", Quantity: 2}) {
		t.Fatalf("edits: %+v", edits)
	}
}

func TestFailedCallLeavesPriorCard(t *testing.T) {
	var fail atomic.Bool
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "boom")
			return
		}
		io.WriteString(w, draftCardJSON)
	}))
	if _, err := s.SubmitCommand(context.Background(), "reorder the usual", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fail.Store(true)
	if _, err := s.SubmitCommand(context.Background(), "again", nil); err == nil {
		t.Fatalf("expected failure")
	}
	if held, ok := s.Card(); !ok || *held.DraftID != "d1" {
		t.Fatalf("prior card must survive a failed call: %+v ok=%v", held, ok)
	}
}

func TestBusyGuardRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		io.WriteString(w, draftCardJSON)
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitCommand(context.Background(), "slow", nil)
		done <- err
	}()
	<-entered

	if _, err := s.SubmitCommand(context.Background(), "overlap", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}
	// Guard must be released after completion.
	if _, err := s.SubmitCommand(context.Background(), "after", nil); err != nil {
		t.Fatalf("guard not released: %v", err)
	}
}

func TestBusyGuardReleasedOnCancellation(t *testing.T) {
	entered := make(chan struct{})
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitCommand(ctx, "slow", nil)
		done <- err
	}()
	<-entered
	cancel()
	if err := <-done; err == nil {
		t.Fatalf("expected cancellation error")
	}

	ok := make(chan struct{})
	go func() {
		for {
			if err := s.begin(); err == nil {
				s.end()
				close(ok)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("busy guard stuck after cancellation")
	}
}

func TestModifyUsesClassifiedKind(t *testing.T) {
	var modifyBody []byte
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/draft/modify" {
			modifyBody, _ = io.ReadAll(r.Body)
		}
		io.WriteString(w, draftCardJSON)
	}))
	if _, err := s.SubmitCommand(context.Background(), "reorder the usual", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	edits := s.Edits()
	edits.Items[0].Quantity = 3
	if _, err := s.ModifyDraft(context.Background(), edits); err != nil {
		t.Fatalf("modify: %v", err)
	}
	want := `{"draft_id":"d1","modifications":{"items":[{"name":"milk","quantity":3}]}}`
	got := string(modifyBody)
	if got != want+"\n" && got != want {
		t.Fatalf("modify body: got %s want %s", got, want)
	}
}

func TestModifyWithoutDraft(t *testing.T) {
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if _, err := s.ModifyDraft(context.Background(), draft.Edits{}); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
	if _, err := s.ConfirmDraft(context.Background()); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestRehydrateDraftOncePerKey(t *testing.T) {
	var calls atomic.Int64
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/draft/d2" {
			calls.Add(1)
		}
		io.WriteString(w, `{"type":"DRAFT","title":"","summary":"","household_id":"hh-1","user_id":"u-1","draft_id":"d2","body":{},"actions":[],"warnings":[]}`)
	}))

	payload := thread.Payload{DraftID: "d2"}
	if payload.StableKey() != "d2::" {
		t.Fatalf("stable key: %q", payload.StableKey())
	}
	for i := 0; i < 3; i++ {
		card, err := s.Rehydrate(context.Background(), payload)
		if err != nil {
			t.Fatalf("rehydrate %d: %v", i, err)
		}
		if *card.DraftID != "d2" {
			t.Fatalf("card: %+v", card)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("GetDraft called %d times, want 1", got)
	}
}

func TestRehydrateExecutionSynthesizesCard(t *testing.T) {
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions/e1" {
			t.Errorf("path: %q", r.URL.Path)
		}
		io.WriteString(w, `{"execution_id":"e1","draft_id":"d1","verb":"REORDER","status":"ERROR","started_at":"2026-08-27T00:00:00Z","raw_command_text":"reorder","normalized_intent_json":{},"draft_payload_json":{},"execution_payload_json":{},"error_message":"vendor rejected","receipts":[]}`)
	}))

	card, err := s.Rehydrate(context.Background(), thread.Payload{ExecutionID: "e1"})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if card.Type != domain.CardFailed {
		t.Errorf("type: got %q want FAILED", card.Type)
	}
	if card.Summary != "vendor rejected" {
		t.Errorf("summary: %q", card.Summary)
	}
	if detail, ok := s.Execution(); !ok || detail.ExecutionID != "e1" {
		t.Errorf("execution detail not held: %+v ok=%v", detail, ok)
	}
}

func TestRehydrateInvalidPayload(t *testing.T) {
	s := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no network call expected")
	}))
	if _, err := s.Rehydrate(context.Background(), thread.Payload{HouseholdID: "hh"}); err == nil {
		t.Fatalf("expected error for identity-less payload")
	}
}
