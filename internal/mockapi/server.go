// Package mockapi is an in-memory stand-in for the assistant backend,
// used by `halo serve` for local development and by the end-to-end tests.
// Intent detection is deliberately dumb and deterministic: keywords pick
// the verb, a tiny catalog prices the items.
package mockapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"halo/internal/domain"
	"halo/internal/draft"
	"halo/internal/dynval"
)

type draftRecord struct {
	Card           domain.Card
	Verb           string
	RawCommandText string
	CreatedAt      time.Time
}

type executionRecord struct {
	Detail   domain.ExecutionDetail
	Receipts []domain.Receipt
	Item     domain.ExecutionListItem
}

// Server implements the backend HTTP surface in memory.
type Server struct {
	Now func() time.Time

	mu         sync.Mutex
	drafts     map[string]*draftRecord
	executions map[string]*executionRecord
	order      []string // execution ids, newest first
}

// New creates an empty mock backend.
func New() *Server {
	return &Server{
		Now:        time.Now,
		drafts:     map[string]*draftRecord{},
		executions: map[string]*executionRecord{},
	}
}

// Handler returns the chi router for the backend surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/command", s.handleCommand)
	r.Post("/v1/draft/modify", s.handleModify)
	r.Post("/v1/draft/confirm", s.handleConfirm)
	r.Get("/v1/draft/{draftID}", s.handleGetDraft)
	r.Get("/v1/executions", s.handleListExecutions)
	r.Get("/v1/executions/{executionID}", s.handleGetExecution)
	r.Get("/v1/receipts/{executionID}", s.handleGetReceipts)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req domain.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid command request: %v", err)
		return
	}
	if req.HouseholdID == "" || req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "household_id and user_id are required")
		return
	}

	text := strings.ToLower(strings.TrimSpace(req.RawCommandText))
	var card domain.Card
	switch {
	case containsAny(text, "cancel", "unsubscribe", "stop"):
		card = s.cancelCard(req, text)
	case containsAny(text, "book", "schedule", "reserve", "reservation"):
		card = s.bookingCard(req, text)
	default:
		card = s.reorderCard(req, text)
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var req domain.DraftModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid modify request: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drafts[req.DraftID]
	if !ok {
		writeError(w, http.StatusNotFound, "Draft not found")
		return
	}

	switch rec.Verb {
	case "REORDER":
		if items, ok := req.Modifications["items"]; ok {
			rec.Card.Body["items"] = items
			rec.Card.Summary = summarizeItems(rec.Card.Body)
			rec.Card.EstimatedCostCents = estimateCents(rec.Card.Body)
		}
	case "CANCEL_SUBSCRIPTION":
		if name, ok := req.Modifications["subscription_name"]; ok {
			rec.Card.Body["name"] = name
			if s, ok := name.AsString(); ok {
				rec.Card.Summary = fmt.Sprintf("Cancel %s", s)
			}
		}
	case "BOOK_APPOINTMENT":
		if idx, ok := req.Modifications["selected_time_window_index"]; ok {
			rec.Card.Body["selected_time_window_index"] = idx
		}
	default:
		writeError(w, http.StatusConflict, "Unknown draft verb: %s", rec.Verb)
		return
	}
	writeJSON(w, http.StatusOK, rec.Card)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req domain.DraftConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid confirm request: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drafts[req.DraftID]
	if !ok {
		writeError(w, http.StatusNotFound, "Draft not found")
		return
	}

	now := s.Now().UTC()
	executionID := uuid.NewString()
	receipt := domain.Receipt{
		ID:          uuid.NewString(),
		Type:        "CONFIRMATION",
		ContentText: fmt.Sprintf("%s completed: %s", rec.Verb, rec.Card.Summary),
		CreatedAt:   now.Format(time.RFC3339),
	}
	finished := now.Format(time.RFC3339)
	detail := domain.ExecutionDetail{
		ExecutionID:      executionID,
		DraftID:          req.DraftID,
		Verb:             rec.Verb,
		Status:           domain.ExecutionDone,
		StartedAt:        now.Format(time.RFC3339),
		FinishedAt:       &finished,
		RawCommandText:   rec.RawCommandText,
		NormalizedIntent: map[string]dynval.Value{"verb": dynval.String(rec.Verb)},
		DraftPayload:     rec.Card.Body,
		ExecutionPayload: map[string]dynval.Value{"receipt": dynval.String(receipt.ContentText)},
		Receipts:         []domain.Receipt{receipt},
	}
	s.executions[executionID] = &executionRecord{
		Detail:   detail,
		Receipts: detail.Receipts,
		Item: domain.ExecutionListItem{
			ExecutionID:    executionID,
			DraftID:        req.DraftID,
			Verb:           rec.Verb,
			Status:         domain.ExecutionDone,
			StartedAt:      detail.StartedAt,
			FinishedAt:     &finished,
			Vendor:         vendorFor(rec.Verb),
			FinalCostCents: rec.Card.EstimatedCostCents,
		},
	}
	s.order = append([]string{executionID}, s.order...)

	card := domain.Card{
		Version:     "1",
		Type:        domain.CardDone,
		Title:       fmt.Sprintf("DONE: %s", rec.Verb),
		Summary:     receipt.ContentText,
		HouseholdID: rec.Card.HouseholdID,
		UserID:      req.UserID,
		DraftID:     rec.Card.DraftID,
		ExecutionID: &executionID,
		Body:        map[string]dynval.Value{"execution_id": dynval.String(executionID)},
		Actions:     []domain.CardAction{},
		Warnings:    []string{},
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draftID := chi.URLParam(r, "draftID")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drafts[draftID]
	if !ok {
		writeError(w, http.StatusNotFound, "Draft not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Card)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("household_id") == "" {
		writeError(w, http.StatusUnprocessableEntity, "household_id is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.ExecutionListItem, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.executions[id].Item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[executionID]
	if !ok {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Detail)
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[executionID]
	if !ok {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Receipts)
}

var cancelNameRe = regexp.MustCompile(`\b(?:cancel|stop)\s+([a-z0-9][a-z0-9\s\-]{0,40})`)

func (s *Server) cancelCard(req domain.CommandRequest, text string) domain.Card {
	name := extractSubscriptionName(text)
	if name == "" {
		name = strings.TrimSpace(req.ClarificationAnswers["q0"])
	}
	if name == "" {
		return domain.Card{
			Version:     "1",
			Type:        domain.CardClarify,
			Title:       "Need a detail",
			Summary:     "Which subscription should I cancel?",
			HouseholdID: req.HouseholdID,
			UserID:      req.UserID,
			Body: map[string]dynval.Value{
				"questions": dynval.Array(dynval.Object(map[string]dynval.Value{
					"id":      dynval.String("q0"),
					"prompt":  dynval.String("Which subscription should I cancel?"),
					"choices": dynval.Array(dynval.String("Netflix"), dynval.String("Spotify")),
				})),
			},
			Actions:  []domain.CardAction{},
			Warnings: []string{},
		}
	}

	card := newDraftCard(req, "CANCEL_SUBSCRIPTION", fmt.Sprintf("Cancel %s", name))
	card.Title = "Cancel subscription"
	card.Body = map[string]dynval.Value{
		"name":               dynval.String(name),
		"monthly_cost_cents": dynval.Int(1599),
		"available_subscriptions": dynval.Array(
			dynval.Object(map[string]dynval.Value{"name": dynval.String("Netflix")}),
			dynval.Object(map[string]dynval.Value{"name": dynval.String("Spotify")}),
		),
	}
	return s.register(card, "CANCEL_SUBSCRIPTION", req.RawCommandText)
}

func (s *Server) bookingCard(req domain.CommandRequest, text string) domain.Card {
	service := "appointment"
	switch {
	case containsAny(text, "clean", "cleaner", "cleaning"):
		service = "cleaning"
	case containsAny(text, "facial", "spa"):
		service = "facial"
	case containsAny(text, "restaurant", "dinner"):
		service = "restaurant"
	}
	card := newDraftCard(req, "BOOK_APPOINTMENT", fmt.Sprintf("Book %s", service))
	card.Title = "Book appointment"
	base := s.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	windows := make([]dynval.Value, 0, 3)
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * 24 * time.Hour)
		windows = append(windows, dynval.Object(map[string]dynval.Value{
			"label": dynval.String(start.Format("Mon 3PM")),
			"start": dynval.String(start.Format(time.RFC3339)),
		}))
	}
	card.Body = map[string]dynval.Value{
		"service_type":               dynval.String(service),
		"time_windows":               dynval.Array(windows...),
		"selected_time_window_index": dynval.Int(0),
	}
	return s.register(card, "BOOK_APPOINTMENT", req.RawCommandText)
}

var catalog = []struct {
	Name  string
	Cents int64
}{
	{"paper towels", 1299},
	{"detergent", 899},
	{"pet food", 2499},
	{"milk", 349},
}

func (s *Server) reorderCard(req domain.CommandRequest, text string) domain.Card {
	items := make([]dynval.Value, 0, len(catalog))
	for _, c := range catalog {
		if strings.Contains(text, c.Name) {
			items = append(items, dynval.Object(map[string]dynval.Value{
				"name":        dynval.String(c.Name),
				"quantity":    dynval.Int(1),
				"price_cents": dynval.Int(c.Cents),
			}))
		}
	}
	if len(items) == 0 {
		// "the usual" and anything unrecognized falls back to the
		// household staples, mirroring the real routine behavior.
		for _, c := range catalog[:2] {
			items = append(items, dynval.Object(map[string]dynval.Value{
				"name":        dynval.String(c.Name),
				"quantity":    dynval.Int(1),
				"price_cents": dynval.Int(c.Cents),
			}))
		}
	}

	card := newDraftCard(req, "REORDER", "")
	card.Title = "Reorder"
	card.Body = map[string]dynval.Value{"items": dynval.Array(items...)}
	card.Summary = summarizeItems(card.Body)
	card.EstimatedCostCents = estimateCents(card.Body)
	card.Warnings = []string{"Prices are estimates until checkout"}
	return s.register(card, "REORDER", req.RawCommandText)
}

func newDraftCard(req domain.CommandRequest, verb, summary string) domain.Card {
	draftID := uuid.NewString()
	vendor := vendorFor(verb)
	return domain.Card{
		Version:     "1",
		Type:        domain.CardDraft,
		Summary:     summary,
		HouseholdID: req.HouseholdID,
		UserID:      req.UserID,
		DraftID:     &draftID,
		Vendor:      &vendor,
		Actions: []domain.CardAction{
			{Type: domain.ActionConfirm, Label: "Confirm"},
			{Type: domain.ActionModify, Label: "Modify"},
			{Type: domain.ActionCancel, Label: "Cancel"},
		},
		Warnings: []string{},
	}
}

func (s *Server) register(card domain.Card, verb, rawText string) domain.Card {
	s.mu.Lock()
	s.drafts[*card.DraftID] = &draftRecord{
		Card:           card,
		Verb:           verb,
		RawCommandText: rawText,
		CreatedAt:      s.Now(),
	}
	s.mu.Unlock()
	return card
}

func extractSubscriptionName(text string) string {
	m := cancelNameRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	for _, noise := range []string{"subscription", "plan"} {
		name = strings.TrimSpace(strings.ReplaceAll(name, noise, ""))
	}
	return titleCase(name)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func summarizeItems(body map[string]dynval.Value) string {
	items := draft.Items(body)
	var total int64
	for _, it := range items {
		total += it.Quantity
	}
	return fmt.Sprintf("%d items", total)
}

func estimateCents(body map[string]dynval.Value) *int64 {
	raw, ok := body["items"]
	if !ok {
		return nil
	}
	arr, ok := raw.AsArray()
	if !ok {
		return nil
	}
	var total int64
	for _, el := range arr {
		qty := int64(1)
		if v, ok := el.Get("quantity"); ok {
			if q, ok := v.AsInt(); ok {
				qty = q
			}
		}
		price := int64(0)
		if v, ok := el.Get("price_cents"); ok {
			price, _ = v.AsInt()
		} else if name, ok := el.Get("name"); ok {
			if n, ok := name.AsString(); ok {
				for _, c := range catalog {
					if c.Name == n {
						price = c.Cents
					}
				}
			}
		}
		total += qty * price
	}
	return &total
}

func vendorFor(verb string) string {
	switch verb {
	case "REORDER":
		return "amazon"
	case "BOOK_APPOINTMENT":
		return "resy"
	case "CANCEL_SUBSCRIPTION":
		return "subscriptions"
	}
	return "unknown"
}

func containsAny(text string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
