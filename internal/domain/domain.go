// Package domain holds the wire types of the assistant backend: cards,
// command requests, executions, receipts. Field names follow the backend's
// snake_case JSON contract.
package domain

import (
	"fmt"

	"halo/internal/dynval"
)

// Card types. The type field is an open string: unrecognized values are
// preserved and rendered as opaque, never rejected.
const (
	CardDraft       = "DRAFT"
	CardStatus      = "STATUS"
	CardDone        = "DONE"
	CardFailed      = "FAILED"
	CardClarify     = "CLARIFY"
	CardUnsupported = "UNSUPPORTED"
)

// Declared action types a card may carry.
const (
	ActionConfirm = "CONFIRM"
	ActionModify  = "MODIFY"
	ActionCancel  = "CANCEL"
	ActionRetry   = "RETRY"
)

// ExecutionDone is the only status that synthesizes a DONE card; every
// other status collapses to FAILED for display.
const ExecutionDone = "DONE"

// CardAction is a backend-declared UI action.
type CardAction struct {
	Type    string                  `json:"type"`
	Label   string                  `json:"label"`
	Payload map[string]dynval.Value `json:"payload,omitempty"`
}

// Card is the polymorphic response unit: a draft awaiting confirmation, a
// clarification request, or a terminal execution outcome. Each response
// fully replaces the previous card; cards are never merged.
type Card struct {
	Version string `json:"version,omitempty"`
	Type    string `json:"type"`

	Title   string `json:"title"`
	Summary string `json:"summary"`

	HouseholdID string `json:"household_id"`
	UserID      string `json:"user_id"`

	DraftID     *string `json:"draft_id,omitempty"`
	ExecutionID *string `json:"execution_id,omitempty"`

	Vendor             *string `json:"vendor,omitempty"`
	EstimatedCostCents *int64  `json:"estimated_cost_cents,omitempty"`

	Body     map[string]dynval.Value `json:"body"`
	Actions  []CardAction            `json:"actions"`
	Warnings []string                `json:"warnings"`
}

// Validate checks the card invariants: a DRAFT card must carry a draft id.
func (c Card) Validate() error {
	if c.Type == CardDraft && (c.DraftID == nil || *c.DraftID == "") {
		return fmt.Errorf("card of type %s without draft_id", CardDraft)
	}
	return nil
}

// Terminal reports whether no further modify/confirm calls are valid.
func (c Card) Terminal() bool {
	return c.Type == CardDone || c.Type == CardFailed
}

// CommandRequest is the body of POST /v1/command.
type CommandRequest struct {
	HouseholdID          string            `json:"household_id"`
	UserID               string            `json:"user_id"`
	RawCommandText       string            `json:"raw_command_text"`
	Channel              string            `json:"channel,omitempty"`
	ClarificationAnswers map[string]string `json:"clarification_answers,omitempty"`
}

// DraftModifyRequest is the body of POST /v1/draft/modify.
type DraftModifyRequest struct {
	DraftID       string                  `json:"draft_id"`
	Modifications map[string]dynval.Value `json:"modifications"`
}

// DraftConfirmRequest is the body of POST /v1/draft/confirm.
type DraftConfirmRequest struct {
	DraftID string `json:"draft_id"`
	UserID  string `json:"user_id"`
}

// ExecutionListItem is one row of GET /v1/executions.
type ExecutionListItem struct {
	ExecutionID string  `json:"execution_id"`
	DraftID     string  `json:"draft_id"`
	Verb        string  `json:"verb"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`

	Vendor         string `json:"vendor"`
	FinalCostCents *int64 `json:"final_cost_cents,omitempty"`
}

// Receipt is an artifact produced by an execution.
type Receipt struct {
	ID                  string  `json:"id"`
	Type                string  `json:"type"`
	ContentText         string  `json:"content_text"`
	ExternalReferenceID *string `json:"external_reference_id,omitempty"`
	CreatedAt           string  `json:"created_at"`
}

// ExecutionDetail is the immutable record of a completed or failed run.
type ExecutionDetail struct {
	ExecutionID string `json:"execution_id"`
	DraftID     string `json:"draft_id"`
	Verb        string `json:"verb"`
	Status      string `json:"status"`

	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`

	RawCommandText        string                  `json:"raw_command_text"`
	NormalizedIntent      map[string]dynval.Value `json:"normalized_intent_json"`
	DraftPayload          map[string]dynval.Value `json:"draft_payload_json"`
	ConfirmationLatencyMs *int64                  `json:"confirmation_latency_ms,omitempty"`

	ExecutionPayload map[string]dynval.Value `json:"execution_payload_json"`
	ErrorMessage     *string                 `json:"error_message,omitempty"`

	Receipts []Receipt `json:"receipts"`
}

// CardFromExecution synthesizes a terminal pseudo-card from an execution
// record, used when rehydrating a thread that only carries an execution id.
// Only status "DONE" maps to a DONE card; any other status, including
// intermediate ones the backend may add later, renders as FAILED.
func CardFromExecution(detail ExecutionDetail, householdID, userID string) Card {
	cardType := CardFailed
	if detail.Status == ExecutionDone {
		cardType = CardDone
	}

	summary := ""
	switch {
	case len(detail.Receipts) > 0:
		summary = detail.Receipts[0].ContentText
	case detail.ErrorMessage != nil:
		summary = *detail.ErrorMessage
	default:
		summary = fmt.Sprintf("Execution %s", detail.Status)
	}

	draftID := detail.DraftID
	executionID := detail.ExecutionID
	return Card{
		Version:     "1",
		Type:        cardType,
		Title:       fmt.Sprintf("%s: %s", cardType, detail.Verb),
		Summary:     summary,
		HouseholdID: householdID,
		UserID:      userID,
		DraftID:     &draftID,
		ExecutionID: &executionID,
		Body: map[string]dynval.Value{
			"execution_payload_json": dynval.Object(detail.ExecutionPayload),
			"normalized_intent_json": dynval.Object(detail.NormalizedIntent),
		},
		Actions:  []CardAction{},
		Warnings: []string{},
	}
}
