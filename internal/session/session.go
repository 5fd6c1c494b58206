// Package session holds the client-side state of one conversation: the
// last received card or execution, a busy guard against overlapping
// mutating calls, and rehydration from a persisted thread payload. The
// backend offers no idempotency token, so the guard is what keeps two
// in-flight modifications from racing on the same draft.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"halo/internal/api"
	"halo/internal/domain"
	"halo/internal/draft"
	"halo/internal/thread"
)

// ErrBusy is returned when a mutating call is already in flight.
var ErrBusy = errors.New("session: request already in flight")

// ErrNoDraft is returned when modify/confirm is called without a current
// draft card.
var ErrNoDraft = errors.New("session: no draft card to act on")

const cardCacheTTL = 5 * time.Minute

// Session drives the command -> card -> modify/confirm flow for one
// identity. State is always fully replaced by the latest response, never
// merged.
type Session struct {
	Client      *api.Client
	HouseholdID string
	UserID      string
	Channel     string
	Log         *slog.Logger

	mu        sync.Mutex
	busy      bool
	card      *domain.Card
	execution *domain.ExecutionDetail
	lastKey   string

	// cache absorbs redundant rehydration triggers for keys already
	// resolved this mount.
	cache *ttlcache.Cache[string, domain.Card]
}

// New creates a session bound to one household/user identity.
func New(client *api.Client, householdID, userID, channel string) *Session {
	c := ttlcache.New[string, domain.Card](
		ttlcache.WithTTL[string, domain.Card](cardCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.Card](),
	)
	go c.Start()
	return &Session{
		Client:      client,
		HouseholdID: householdID,
		UserID:      userID,
		Channel:     channel,
		Log:         slog.Default(),
		cache:       c,
	}
}

// Close stops the cache expiration loop.
func (s *Session) Close() {
	s.cache.Stop()
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

// end releases the busy guard. It runs via defer on every exit path so a
// failed or cancelled request can never leave the guard set.
func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Session) replaceCard(c domain.Card) {
	s.mu.Lock()
	s.card = &c
	s.execution = nil
	s.mu.Unlock()
}

// Card returns the last received card, if any.
func (s *Session) Card() (domain.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return domain.Card{}, false
	}
	return *s.card, true
}

// Execution returns the last fetched execution detail, if any.
func (s *Session) Execution() (domain.ExecutionDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execution == nil {
		return domain.ExecutionDetail{}, false
	}
	return *s.execution, true
}

// Reset drops the current card and execution.
func (s *Session) Reset() {
	s.mu.Lock()
	s.card = nil
	s.execution = nil
	s.mu.Unlock()
}

// SubmitCommand sends raw command text, optionally with clarification
// answers, and replaces the current card with the response.
func (s *Session) SubmitCommand(ctx context.Context, text string, answers map[string]string) (domain.Card, error) {
	if err := s.begin(); err != nil {
		return domain.Card{}, err
	}
	defer s.end()

	req := domain.CommandRequest{
		HouseholdID:          s.HouseholdID,
		UserID:               s.UserID,
		RawCommandText:       text,
		Channel:              s.Channel,
		ClarificationAnswers: answers,
	}
	card, err := s.Client.SubmitCommand(ctx, req)
	if err != nil {
		return domain.Card{}, err
	}
	s.Log.Debug("command submitted", "type", card.Type, "draft_id", deref(card.DraftID))
	s.replaceCard(card)
	return card, nil
}

// Kind classifies the current card's body. Without a card it is Unknown.
func (s *Session) Kind() draft.Kind {
	card, ok := s.Card()
	if !ok {
		return draft.Unknown
	}
	return draft.Classify(card.Body)
}

// Edits extracts edit state from the current card body.
func (s *Session) Edits() draft.Edits {
	card, ok := s.Card()
	if !ok {
		return draft.Edits{}
	}
	return draft.ExtractEdits(card.Body)
}

func (s *Session) currentDraftID() (string, error) {
	card, ok := s.Card()
	if !ok || card.Type != domain.CardDraft || card.DraftID == nil || *card.DraftID == "" {
		return "", ErrNoDraft
	}
	return *card.DraftID, nil
}

// ModifyDraft builds the modification payload for the current draft's
// kind from the given edits and submits it. The same classifier feeds both
// this path and Edits, so display and submission cannot disagree.
func (s *Session) ModifyDraft(ctx context.Context, edits draft.Edits) (domain.Card, error) {
	draftID, err := s.currentDraftID()
	if err != nil {
		return domain.Card{}, err
	}
	if err := s.begin(); err != nil {
		return domain.Card{}, err
	}
	defer s.end()

	mods := draft.BuildModification(s.Kind(), edits)
	card, err := s.Client.ModifyDraft(ctx, draftID, mods)
	if err != nil {
		return domain.Card{}, err
	}
	s.replaceCard(card)
	return card, nil
}

// ConfirmDraft confirms the current draft for execution.
func (s *Session) ConfirmDraft(ctx context.Context) (domain.Card, error) {
	draftID, err := s.currentDraftID()
	if err != nil {
		return domain.Card{}, err
	}
	if err := s.begin(); err != nil {
		return domain.Card{}, err
	}
	defer s.end()

	card, err := s.Client.ConfirmDraft(ctx, draftID, s.UserID)
	if err != nil {
		return domain.Card{}, err
	}
	s.replaceCard(card)
	return card, nil
}

// Rehydrate turns a persisted thread payload back into a card: a draft id
// refetches the draft, an execution id synthesizes a terminal pseudo-card.
// It runs at most once per distinct stable key; redundant triggers for the
// current key return the held card without a network call.
func (s *Session) Rehydrate(ctx context.Context, payload thread.Payload) (domain.Card, error) {
	if !payload.Valid() {
		return domain.Card{}, fmt.Errorf("rehydrate: payload carries no identity")
	}
	key := payload.StableKey()

	s.mu.Lock()
	if s.lastKey == key && s.card != nil {
		card := *s.card
		s.mu.Unlock()
		return card, nil
	}
	s.mu.Unlock()

	if item := s.cache.Get(key); item != nil {
		card := item.Value()
		s.adopt(card, key)
		return card, nil
	}

	if err := s.begin(); err != nil {
		return domain.Card{}, err
	}
	defer s.end()

	var card domain.Card
	switch {
	case payload.DraftID != "":
		fetched, err := s.Client.GetDraft(ctx, payload.DraftID)
		if err != nil {
			return domain.Card{}, err
		}
		card = fetched
	default:
		detail, err := s.Client.GetExecution(ctx, payload.ExecutionID)
		if err != nil {
			return domain.Card{}, err
		}
		s.mu.Lock()
		s.execution = &detail
		s.mu.Unlock()
		card = domain.CardFromExecution(detail, s.HouseholdID, s.UserID)
	}

	s.Log.Debug("rehydrated thread", "key", key, "type", card.Type)
	s.cache.Set(key, card, ttlcache.DefaultTTL)
	s.adopt(card, key)
	return card, nil
}

func (s *Session) adopt(card domain.Card, key string) {
	s.mu.Lock()
	s.card = &card
	s.lastKey = key
	s.mu.Unlock()
}

// FetchExecution loads an execution detail on demand, replacing the prior
// one.
func (s *Session) FetchExecution(ctx context.Context, executionID string) (domain.ExecutionDetail, error) {
	if err := s.begin(); err != nil {
		return domain.ExecutionDetail{}, err
	}
	defer s.end()

	detail, err := s.Client.GetExecution(ctx, executionID)
	if err != nil {
		return domain.ExecutionDetail{}, err
	}
	s.mu.Lock()
	s.execution = &detail
	s.mu.Unlock()
	return detail, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
