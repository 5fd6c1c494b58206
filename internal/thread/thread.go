// Package thread encodes the minimal identity of a card into a compact
// halo://card URL that survives in a persisted chat artifact. Decoding
// treats the URL as untrusted input: field values only identify which
// authoritative record to refetch, never grant anything by themselves.
package thread

import (
	"net/url"
	"strings"

	"halo/internal/domain"
)

// Scheme and host markers of a thread reference.
const (
	Scheme = "halo"
	Host   = "card"
)

// Payload is the identity tuple a chat artifact carries. At least one of
// DraftID/ExecutionID must be set for a Payload to exist; ParseURL returns
// nil rather than an all-empty tuple.
type Payload struct {
	DraftID     string
	ExecutionID string
	HouseholdID string
	UserID      string
	CardType    string
}

// FromCard projects a card into a Payload. The result is valid whenever
// the card carries a draft or execution id.
func FromCard(c domain.Card) Payload {
	p := Payload{
		HouseholdID: c.HouseholdID,
		UserID:      c.UserID,
		CardType:    c.Type,
	}
	if c.DraftID != nil {
		p.DraftID = *c.DraftID
	}
	if c.ExecutionID != nil {
		p.ExecutionID = *c.ExecutionID
	}
	return p
}

// Valid reports whether the payload identifies anything refetchable.
func (p Payload) Valid() bool {
	return p.DraftID != "" || p.ExecutionID != ""
}

// StableKey is the resumption identity token: rehydration re-runs only
// when this key changes.
func (p Payload) StableKey() string {
	return strings.Join([]string{p.DraftID, p.ExecutionID, p.CardType}, ":")
}

// URL encodes the payload as halo://card?... with only the present fields
// as query parameters. Absent fields are omitted entirely, never sent as
// empty strings.
func (p Payload) URL() string {
	q := url.Values{}
	set := func(key, val string) {
		if val != "" {
			q.Set(key, val)
		}
	}
	set("draft_id", p.DraftID)
	set("execution_id", p.ExecutionID)
	set("household_id", p.HouseholdID)
	set("user_id", p.UserID)
	set("card_type", p.CardType)

	u := url.URL{Scheme: Scheme, Host: Host, RawQuery: q.Encode()}
	return u.String()
}

// ParseURL decodes a thread reference. It returns nil when the reference
// is malformed or carries neither a draft id nor an execution id.
func ParseURL(ref string) *Payload {
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil
	}
	p := Payload{
		DraftID:     q.Get("draft_id"),
		ExecutionID: q.Get("execution_id"),
		HouseholdID: q.Get("household_id"),
		UserID:      q.Get("user_id"),
		CardType:    q.Get("card_type"),
	}
	if !p.Valid() {
		return nil
	}
	return &p
}
