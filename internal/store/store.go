// Package store persists chat artifacts: the thread references that let a
// relaunched client rehydrate a card without re-submitting the original
// command. It also keeps a local audit trail of protocol actions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"halo/internal/domain"
	"halo/internal/thread"
)

var ErrNotFound = errors.New("not found")

// ErrNoIdentity is returned when saving a card that carries neither a
// draft id nor an execution id; such a card cannot be rehydrated later.
var ErrNoIdentity = errors.New("card has no draft or execution id")

// Artifact is one persisted chat bubble.
type Artifact struct {
	ID        string `json:"id"`
	ThreadURL string `json:"thread_url"`
	StableKey string `json:"stable_key"`
	CardType  string `json:"card_type"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at"`
}

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Repo) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// SaveCard encodes the card's thread payload and upserts an artifact
// keyed by the payload's stable key. Saving the same card twice keeps a
// single artifact.
func (r Repo) SaveCard(ctx context.Context, c domain.Card) (Artifact, error) {
	payload := thread.FromCard(c)
	if !payload.Valid() {
		return Artifact{}, fmt.Errorf("save card %q: %w", c.Type, ErrNoIdentity)
	}
	a := Artifact{
		ID:        uuid.NewString(),
		ThreadURL: payload.URL(),
		StableKey: payload.StableKey(),
		CardType:  c.Type,
		Title:     c.Title,
		Summary:   c.Summary,
		CreatedAt: r.now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO artifacts(id,thread_url,stable_key,card_type,title,summary,created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(stable_key) DO UPDATE SET
			thread_url=excluded.thread_url,
			card_type=excluded.card_type,
			title=excluded.title,
			summary=excluded.summary`,
		a.ID, a.ThreadURL, a.StableKey, a.CardType, a.Title, a.Summary, a.CreatedAt)
	if err != nil {
		return Artifact{}, err
	}
	// On conflict the stored row keeps its original id; read it back.
	return r.getByKey(ctx, a.StableKey)
}

func (r Repo) getByKey(ctx context.Context, stableKey string) (Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,thread_url,stable_key,card_type,title,summary,created_at FROM artifacts WHERE stable_key=?`,
		stableKey))
}

// Get fetches one artifact by id.
func (r Repo) Get(ctx context.Context, id string) (Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT id,thread_url,stable_key,card_type,title,summary,created_at FROM artifacts WHERE id=?`,
		id))
}

// List returns artifacts, most recent first.
func (r Repo) List(ctx context.Context) ([]Artifact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,thread_url,stable_key,card_type,title,summary,created_at FROM artifacts ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.ThreadURL, &a.StableKey, &a.CardType, &a.Title, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Delete removes an artifact by id.
func (r Repo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArtifact(row *sql.Row) (Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.ThreadURL, &a.StableKey, &a.CardType, &a.Title, &a.Summary, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// EventPayload is the free-form payload of an audit event.
type EventPayload map[string]any

// AppendEvent records a protocol action in the local audit trail.
func (r Repo) AppendEvent(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

// Event is one audit trail row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TailEvents returns the most recent events, newest first.
func (r Repo) TailEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
