// Package draft infers the kind of a draft card from its untyped body and
// translates between that body and the modification payload the backend
// expects. Classification lives in exactly one place so the display path
// and the submission path can never disagree about a draft's kind.
package draft

import (
	"fmt"

	"halo/internal/dynval"
)

// Kind is the client-inferred category of a draft.
type Kind int

const (
	Unknown Kind = iota
	Reorder
	Booking
	CancelSubscription
)

func (k Kind) String() string {
	switch k {
	case Reorder:
		return "reorder"
	case Booking:
		return "booking"
	case CancelSubscription:
		return "cancel_subscription"
	}
	return "unknown"
}

// Classify maps a card body to its draft kind. Precedence when a body
// satisfies several predicates: reorder, then booking, then cancel. The
// backend never declares the kind, so this duck-typing is the contract.
func Classify(body map[string]dynval.Value) Kind {
	if _, ok := body["items"]; ok {
		return Reorder
	}
	if _, ok := body["time_windows"]; ok {
		return Booking
	}
	if _, ok := body["available_subscriptions"]; ok {
		return CancelSubscription
	}
	if _, ok := body["monthly_cost_cents"]; ok {
		return CancelSubscription
	}
	return Unknown
}

// Item is one editable line of a reorder draft.
type Item struct {
	Name     string
	Quantity int64
}

// Edits carries UI-collected state for every draft kind. Only the fields
// matching the classified kind are consulted.
type Edits struct {
	Items            []Item
	SubscriptionName string
	BookingIndex     int64
}

// BuildModification produces the modification payload for a draft kind.
// Reorder quantities are clamped to at least 1, an empty subscription
// selection is omitted rather than sent as an empty string, and a booking
// index is clamped to at least 0. Unknown drafts yield an empty payload.
func BuildModification(kind Kind, edits Edits) map[string]dynval.Value {
	mods := map[string]dynval.Value{}
	switch kind {
	case Reorder:
		items := make([]dynval.Value, 0, len(edits.Items))
		for _, it := range edits.Items {
			qty := it.Quantity
			if qty < 1 {
				qty = 1
			}
			items = append(items, dynval.Object(map[string]dynval.Value{
				"name":     dynval.String(it.Name),
				"quantity": dynval.Int(qty),
			}))
		}
		mods["items"] = dynval.Array(items...)
	case CancelSubscription:
		if edits.SubscriptionName != "" {
			mods["subscription_name"] = dynval.String(edits.SubscriptionName)
		}
	case Booking:
		idx := edits.BookingIndex
		if idx < 0 {
			idx = 0
		}
		mods["selected_time_window_index"] = dynval.Int(idx)
	}
	return mods
}

// ExtractEdits seeds edit state from a freshly fetched card body, applying
// the lenient defaults of the matching extractor.
func ExtractEdits(body map[string]dynval.Value) Edits {
	var edits Edits
	switch Classify(body) {
	case Reorder:
		edits.Items = Items(body)
	case CancelSubscription:
		edits.SubscriptionName = SubscriptionName(body)
	case Booking:
		edits.BookingIndex = BookingIndex(body)
	}
	return edits
}

// Items reads body.items. Non-object elements are skipped, a missing name
// falls back to "item", and a missing or non-integer quantity becomes 1.
// Malformed payloads shrink the list instead of failing it.
func Items(body map[string]dynval.Value) []Item {
	raw, ok := body["items"]
	if !ok {
		return nil
	}
	arr, ok := raw.AsArray()
	if !ok {
		return nil
	}
	items := make([]Item, 0, len(arr))
	for _, el := range arr {
		if _, ok := el.AsObject(); !ok {
			continue
		}
		name := "item"
		if v, ok := el.Get("name"); ok {
			if s, ok := v.AsString(); ok {
				name = s
			}
		}
		qty := int64(1)
		if v, ok := el.Get("quantity"); ok {
			if q, ok := v.AsInt(); ok && q >= 1 {
				qty = q
			}
		}
		items = append(items, Item{Name: name, Quantity: qty})
	}
	return items
}

// SubscriptionName reads the currently selected subscription: body.name if
// present, else the name of the first available subscription, else empty.
func SubscriptionName(body map[string]dynval.Value) string {
	if v, ok := body["name"]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	opts := SubscriptionOptions(body)
	if len(opts) > 0 {
		return opts[0]
	}
	return ""
}

// SubscriptionOptions lists selectable subscription names from
// body.available_subscriptions, falling back to body.name alone.
func SubscriptionOptions(body map[string]dynval.Value) []string {
	raw, ok := body["available_subscriptions"]
	if !ok {
		if v, ok := body["name"]; ok {
			if s, ok := v.AsString(); ok {
				return []string{s}
			}
		}
		return nil
	}
	arr, ok := raw.AsArray()
	if !ok {
		return nil
	}
	var names []string
	for _, el := range arr {
		v, ok := el.Get("name")
		if !ok {
			continue
		}
		s, ok := v.AsString()
		if !ok {
			continue
		}
		names = append(names, s)
	}
	return names
}

// BookingIndex reads body.selected_time_window_index, clamped to >= 0 and
// defaulting to 0 when absent or not an integer.
func BookingIndex(body map[string]dynval.Value) int64 {
	v, ok := body["selected_time_window_index"]
	if !ok {
		return 0
	}
	idx, ok := v.AsInt()
	if !ok || idx < 0 {
		return 0
	}
	return idx
}

// BookingLabels renders display labels for body.time_windows: the window's
// label when set, else its start, else a generic placeholder. A missing or
// empty list still yields three placeholder options so the picker renders.
func BookingLabels(body map[string]dynval.Value) []string {
	placeholder := []string{"Option 1", "Option 2", "Option 3"}
	raw, ok := body["time_windows"]
	if !ok {
		return placeholder
	}
	arr, ok := raw.AsArray()
	if !ok {
		return placeholder
	}
	var labels []string
	for _, el := range arr {
		if _, ok := el.AsObject(); !ok {
			continue
		}
		if v, ok := el.Get("label"); ok {
			if s, ok := v.AsString(); ok && s != "" {
				labels = append(labels, s)
				continue
			}
		}
		start := ""
		if v, ok := el.Get("start"); ok {
			start, _ = v.AsString()
		}
		if start == "" {
			start = "Time option"
		}
		labels = append(labels, start)
	}
	if len(labels) == 0 {
		return placeholder
	}
	return labels
}

// Question is one clarification the backend wants answered before it can
// produce a draft.
type Question struct {
	ID      string
	Prompt  string
	Choices []string
}

// ClarifyQuestions reads body.questions from a CLARIFY card. Ill-formed
// entries get positional ids and a generic prompt rather than being dropped.
func ClarifyQuestions(body map[string]dynval.Value) []Question {
	raw, ok := body["questions"]
	if !ok {
		return nil
	}
	arr, ok := raw.AsArray()
	if !ok {
		return nil
	}
	questions := make([]Question, 0, len(arr))
	for i, el := range arr {
		if _, ok := el.AsObject(); !ok {
			continue
		}
		q := Question{ID: fmt.Sprintf("q%d", i), Prompt: "Clarify"}
		if v, ok := el.Get("id"); ok {
			if s, ok := v.AsString(); ok {
				q.ID = s
			}
		}
		if v, ok := el.Get("prompt"); ok {
			if s, ok := v.AsString(); ok {
				q.Prompt = s
			}
		}
		if v, ok := el.Get("choices"); ok {
			if choices, ok := v.AsArray(); ok {
				for _, c := range choices {
					if s, ok := c.AsString(); ok {
						q.Choices = append(q.Choices, s)
					}
				}
			}
		}
		questions = append(questions, q)
	}
	return questions
}
