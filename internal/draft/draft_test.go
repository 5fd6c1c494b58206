package draft

import (
	"testing"

	"halo/internal/dynval"
)

func body(t *testing.T, raw string) map[string]dynval.Value {
	t.Helper()
	v, err := dynval.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
	obj, ok := v.AsObject()
	if !ok {
		t.Fatalf("body %q is not an object", raw)
	}
	return obj
}

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Kind
	}{
		{`{"items": []}`, Reorder},
		{`{"time_windows": []}`, Booking},
		{`{"available_subscriptions": []}`, CancelSubscription},
		{`{"monthly_cost_cents": 1599}`, CancelSubscription},
		{`{"something_else": true}`, Unknown},
		{`{}`, Unknown},
	}
	for _, c := range cases {
		if got := Classify(body(t, c.raw)); got != c.want {
			t.Errorf("%s: got %s want %s", c.raw, got, c.want)
		}
	}
}

func TestClassifyPrecedence(t *testing.T) {
	multi := body(t, `{"items": [], "time_windows": [], "available_subscriptions": []}`)
	if got := Classify(multi); got != Reorder {
		t.Fatalf("items wins over everything, got %s", got)
	}
	bookCancel := body(t, `{"time_windows": [], "monthly_cost_cents": 1}`)
	if got := Classify(bookCancel); got != Booking {
		t.Fatalf("time_windows wins over cancel keys, got %s", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	b := body(t, `{"items": [], "monthly_cost_cents": 1}`)
	first := Classify(b)
	for i := 0; i < 10; i++ {
		if got := Classify(b); got != first {
			t.Fatalf("classification diverged: %s then %s", first, got)
		}
	}
}

func TestBuildReorderClampsQuantity(t *testing.T) {
	mods := BuildModification(Reorder, Edits{Items: []Item{{Name: "milk", Quantity: 0}}})
	items, ok := mods["items"].AsArray()
	if !ok || len(items) != 1 {
		t.Fatalf("items: got %v", mods["items"])
	}
	qty, _ := items[0].Get("quantity")
	if q, _ := qty.AsInt(); q != 1 {
		t.Fatalf("quantity 0 must clamp to 1, got %d", q)
	}
}

func TestBuildCancelOmitsEmptySelection(t *testing.T) {
	mods := BuildModification(CancelSubscription, Edits{})
	if _, ok := mods["subscription_name"]; ok {
		t.Fatalf("empty selection must omit subscription_name")
	}
	mods = BuildModification(CancelSubscription, Edits{SubscriptionName: "Netflix"})
	name, ok := mods["subscription_name"]
	if !ok {
		t.Fatalf("subscription_name missing")
	}
	if s, _ := name.AsString(); s != "Netflix" {
		t.Fatalf("got %q", s)
	}
}

func TestBuildBookingClampsIndex(t *testing.T) {
	mods := BuildModification(Booking, Edits{BookingIndex: -3})
	idx, _ := mods["selected_time_window_index"].AsInt()
	if idx != 0 {
		t.Fatalf("negative index must clamp to 0, got %d", idx)
	}
}

func TestBuildUnknownIsEmptyNoError(t *testing.T) {
	mods := BuildModification(Unknown, Edits{Items: []Item{{Name: "x", Quantity: 2}}})
	if len(mods) != 0 {
		t.Fatalf("unknown kind must produce empty payload, got %v", mods)
	}
}

func TestItemsLenientExtraction(t *testing.T) {
	b := body(t, `{"items": [
		{"name": "milk", "quantity": 2},
		"not an object",
		{"quantity": 3},
		{"name": "eggs"},
		{"name": "flour", "quantity": 0},
		{"name": "sugar", "quantity": 1.5}
	]}`)
	items := Items(b)
	want := []Item{
		{Name: "milk", Quantity: 2},
		{Name: "item", Quantity: 3},
		{Name: "eggs", Quantity: 1},
		{Name: "flour", Quantity: 1},
		{Name: "sugar", Quantity: 1},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items want %d: %v", len(items), len(want), items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("item %d: got %+v want %+v", i, items[i], want[i])
		}
	}
}

func TestSubscriptionNamePreference(t *testing.T) {
	direct := body(t, `{"name": "Spotify", "available_subscriptions": [{"name": "Netflix"}]}`)
	if got := SubscriptionName(direct); got != "Spotify" {
		t.Errorf("body.name wins: got %q", got)
	}
	first := body(t, `{"available_subscriptions": [{"name": "Netflix"}, {"name": "Spotify"}]}`)
	if got := SubscriptionName(first); got != "Netflix" {
		t.Errorf("first option: got %q", got)
	}
	empty := body(t, `{"monthly_cost_cents": 1}`)
	if got := SubscriptionName(empty); got != "" {
		t.Errorf("no data: got %q", got)
	}
}

func TestSubscriptionOptionsSkipMalformed(t *testing.T) {
	b := body(t, `{"available_subscriptions": [{"name": "Netflix"}, {"cost": 1}, 42, {"name": "Hulu"}]}`)
	opts := SubscriptionOptions(b)
	if len(opts) != 2 || opts[0] != "Netflix" || opts[1] != "Hulu" {
		t.Fatalf("got %v", opts)
	}
}

func TestBookingIndexDefaults(t *testing.T) {
	if got := BookingIndex(body(t, `{"time_windows": []}`)); got != 0 {
		t.Errorf("absent index: got %d", got)
	}
	if got := BookingIndex(body(t, `{"selected_time_window_index": "2"}`)); got != 0 {
		t.Errorf("non-integer index: got %d", got)
	}
	if got := BookingIndex(body(t, `{"selected_time_window_index": -1}`)); got != 0 {
		t.Errorf("negative index: got %d", got)
	}
	if got := BookingIndex(body(t, `{"selected_time_window_index": 2}`)); got != 2 {
		t.Errorf("valid index: got %d", got)
	}
}

func TestBookingLabels(t *testing.T) {
	b := body(t, `{"time_windows": [
		{"label": "Mon 9am"},
		{"start": "2026-09-01T10:00:00Z"},
		{"label": ""},
		{}
	]}`)
	labels := BookingLabels(b)
	want := []string{"Mon 9am", "2026-09-01T10:00:00Z", "Time option", "Time option"}
	if len(labels) != len(want) {
		t.Fatalf("got %v", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("label %d: got %q want %q", i, labels[i], want[i])
		}
	}
	if got := BookingLabels(body(t, `{}`)); len(got) != 3 {
		t.Errorf("missing windows should yield placeholders, got %v", got)
	}
}

func TestExtractEditsRoutesByKind(t *testing.T) {
	edits := ExtractEdits(body(t, `{"items": [{"name": "milk", "quantity": 2}]}`))
	if len(edits.Items) != 1 || edits.Items[0].Quantity != 2 {
		t.Fatalf("reorder edits: %+v", edits)
	}
	edits = ExtractEdits(body(t, `{"available_subscriptions": [{"name": "Netflix"}]}`))
	if edits.SubscriptionName != "Netflix" {
		t.Fatalf("cancel edits: %+v", edits)
	}
	edits = ExtractEdits(body(t, `{"time_windows": [], "selected_time_window_index": 1}`))
	if edits.BookingIndex != 1 {
		t.Fatalf("booking edits: %+v", edits)
	}
}

func TestClarifyQuestions(t *testing.T) {
	b := body(t, `{"questions": [
		{"id": "q0", "prompt": "Which subscription should I cancel?", "choices": ["Netflix", "Spotify"]},
		{"choices": ["A"]},
		17
	]}`)
	qs := ClarifyQuestions(b)
	if len(qs) != 2 {
		t.Fatalf("got %d questions: %v", len(qs), qs)
	}
	if qs[0].ID != "q0" || len(qs[0].Choices) != 2 {
		t.Errorf("q0: %+v", qs[0])
	}
	if qs[1].ID != "q1" || qs[1].Prompt != "Clarify" {
		t.Errorf("fallback question: %+v", qs[1])
	}
}
