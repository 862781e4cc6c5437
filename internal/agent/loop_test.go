package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
	"github.com/nugget/sage/internal/llm"
	"github.com/nugget/sage/internal/tools"
)

type mockCall struct {
	messages []llm.Message
	tools    []map[string]any
	traceID  string
}

// mockLLM replays scripted responses in order and records each request.
type mockLLM struct {
	responses []*llm.ChatResponse
	errs      []error // errs[i] is returned instead of responses[i] when set
	calls     []mockCall
}

func (m *mockLLM) Chat(ctx context.Context, _ string, messages []llm.Message, catalogue []map[string]any) (*llm.ChatResponse, error) {
	i := len(m.calls)
	m.calls = append(m.calls, mockCall{
		messages: append([]llm.Message(nil), messages...),
		tools:    catalogue,
		traceID:  llm.TraceID(ctx),
	})
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, errors.New("mockLLM: no more responses")
	}
	return m.responses[i], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: s}}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

func tc(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func newTestStore(t *testing.T) *garden.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	store, err := garden.NewStore(db, garden.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func buildTestLoop(t *testing.T, mock *mockLLM) (*Loop, *garden.Store) {
	t.Helper()
	store := newTestStore(t)
	exec := tools.NewExecutor(store, nil)
	return NewLoop(nil, mock, store, exec, nil, Config{Model: "test-model"}), store
}

func TestRunTurn_NoOperations(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Pothos like bright indirect light.")}}
	loop, _ := buildTestLoop(t, mock)
	state := conversation.NewState("c1")

	res, err := loop.RunTurn(context.Background(), "how much light does a pothos need?", state)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "Pothos like bright indirect light." {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.Operations != nil {
		t.Errorf("operations = %v, want nil", res.Operations)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(mock.calls))
	}
	if len(mock.calls[0].tools) != len(tools.Definitions()) {
		t.Errorf("catalogue size = %d", len(mock.calls[0].tools))
	}
	if len(state.History) != 2 || state.History[0].Role != conversation.RoleUser || state.History[1].Role != conversation.RoleAssistant {
		t.Errorf("history = %+v", state.History)
	}
	if res.TraceID == "" || mock.calls[0].traceID != res.TraceID {
		t.Errorf("trace id %q not propagated (model saw %q)", res.TraceID, mock.calls[0].traceID)
	}
}

func TestRunTurn_AddThenScheduleAcrossTurns(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("add_plant", map[string]any{"name": "pothos", "location": "kitchen windowsill"})),
		text("Added your pothos! Want me to set up a watering schedule?"),
		toolCalls(tc("update_care_schedule", map[string]any{"plant_id": float64(1), "watering_days": float64(7)})),
		text("Done, I'll remind you weekly."),
	}}
	loop, store := buildTestLoop(t, mock)
	state := conversation.NewState("c1")
	ctx := context.Background()

	res, err := loop.RunTurn(ctx, "I just got a pothos for my kitchen windowsill", state)
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if len(res.Operations) != 1 || res.Operations[0] != "add_plant" {
		t.Errorf("operations = %v", res.Operations)
	}
	if state.Hints.LastAddedPlantID == nil || *state.Hints.LastAddedPlantID != 1 {
		t.Fatalf("hints = %+v", state.Hints)
	}
	if state.Hints.LastPlantName != "pothos" || !state.Hints.PendingCareSetup {
		t.Errorf("hints = %+v", state.Hints)
	}

	// The finalize call sees the tool result and no catalogue.
	final := mock.calls[1]
	if final.tools != nil {
		t.Errorf("finalize phase offered %d tools", len(final.tools))
	}
	last := final.messages[len(final.messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID == "" {
		t.Errorf("last message = %+v", last)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(last.Content), &payload); err != nil {
		t.Fatalf("tool payload: %v", err)
	}
	if payload["success"] != true || payload["plant_id"] != float64(1) {
		t.Errorf("payload = %v", payload)
	}
	asst := final.messages[len(final.messages)-2]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != last.ToolCallID {
		t.Errorf("tool call id not paired: %+v", asst)
	}

	if _, err := loop.RunTurn(ctx, "water it every 7 days", state); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	// The second turn's context names the remembered plant.
	if sys := mock.calls[2].messages[0].Content; !strings.Contains(sys, `"last_added_plant_id": 1`) {
		t.Errorf("system message lacks session notes:\n%s", sys)
	}
	if state.Hints.PendingCareSetup {
		t.Error("care setup should be closed after scheduling")
	}

	entries, err := store.CareSchedule(ctx)
	if err != nil {
		t.Fatalf("care schedule: %v", err)
	}
	if len(entries) != 1 || entries[0].Task != garden.TaskWatering || entries[0].FrequencyDays != 7 {
		t.Errorf("entries = %+v", entries)
	}
	if len(state.History) != 4 {
		t.Errorf("history = %d, want 4", len(state.History))
	}
}

func TestRunTurn_BadToolCallsReachTheModel(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			tc("water_everything", nil),
			tc("mark_plant_dead", map[string]any{}),
			tc("mark_plant_dead", map[string]any{"plant_id": float64(99)}),
		),
		text("Something went wrong there."),
	}}
	loop, _ := buildTestLoop(t, mock)
	state := conversation.NewState("c1")

	res, err := loop.RunTurn(context.Background(), "do stuff", state)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	want := []string{"water_everything", "mark_plant_dead", "mark_plant_dead"}
	if strings.Join(res.Operations, ",") != strings.Join(want, ",") {
		t.Errorf("operations = %v, want %v", res.Operations, want)
	}

	msgs := mock.calls[1].messages
	results := msgs[len(msgs)-3:]
	for i, want := range []string{`"error":"Unknown tool: water_everything"`, `"error"`, `"success":false`} {
		if !strings.Contains(results[i].Content, want) {
			t.Errorf("result %d = %s, want %s", i, results[i].Content, want)
		}
	}
	if state.Hints.PendingCareSetup {
		t.Error("failed operations must not set hints")
	}
}

func TestRunTurn_MalformedArgumentsReportError(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			tc("get_care_schedule", map[string]any{llm.RawArgumentsKey: "{not json"}),
			tc("remove_from_wishlist", map[string]any{llm.RawArgumentsKey: "name=Hoya"}),
		),
		text("Let me try that again."),
	}}
	loop, _ := buildTestLoop(t, mock)

	res, err := loop.RunTurn(context.Background(), "what needs watering?", conversation.NewState("c1"))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(res.Operations) != 2 {
		t.Errorf("operations = %v", res.Operations)
	}

	msgs := mock.calls[1].messages
	for _, m := range msgs[len(msgs)-2:] {
		var payload map[string]any
		if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
			t.Fatalf("tool result %q: %v", m.Content, err)
		}
		msg, _ := payload["error"].(string)
		if !strings.Contains(msg, "malformed") {
			t.Errorf("result = %s, want a malformed-arguments error", m.Content)
		}
		if _, ok := payload["care_schedule"]; ok {
			t.Errorf("operation ran despite malformed arguments: %s", m.Content)
		}
	}
}

func TestRunTurn_ColonSuffixedKeys(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("add_to_wishlist", map[string]any{"name:": "String of pearls"})),
		text("On the list."),
	}}
	loop, store := buildTestLoop(t, mock)

	if _, err := loop.RunTurn(context.Background(), "I want a string of pearls someday", conversation.NewState("c1")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	list, err := store.ListWishlist(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "String of pearls" {
		t.Errorf("wishlist = %+v", list)
	}
}

func TestRunTurn_ModelFailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name  string
		mock  *mockLLM
		phase string
	}{
		{
			name:  "request phase",
			mock:  &mockLLM{errs: []error{errors.New("connection refused")}},
			phase: phaseRequest,
		},
		{
			name: "finalize phase",
			mock: &mockLLM{
				responses: []*llm.ChatResponse{toolCalls(tc("add_plant", map[string]any{"name": "fern"}))},
				errs:      []error{nil, errors.New("timeout")},
			},
			phase: phaseFinalize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, _ := buildTestLoop(t, tt.mock)
			state := conversation.NewState("c1")
			state.Append(conversation.RoleUser, "earlier")
			state.Append(conversation.RoleAssistant, "reply")

			_, err := loop.RunTurn(context.Background(), "add a fern", state)
			var me *ModelError
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want ModelError", err)
			}
			if me.Phase != tt.phase {
				t.Errorf("phase = %q, want %q", me.Phase, tt.phase)
			}
			if len(state.History) != 2 || !state.Hints.IsZero() {
				t.Errorf("state mutated: %+v", state)
			}
		})
	}
}

func TestRunTurn_RetriesRequestPhase(t *testing.T) {
	mock := &mockLLM{
		errs:      []error{errors.New("502 bad gateway")},
		responses: []*llm.ChatResponse{nil, text("Hello!")},
	}
	store := newTestStore(t)
	loop := NewLoop(nil, mock, store, tools.NewExecutor(store, nil), nil, Config{
		Model:   "test-model",
		Request: Phase{Retries: 1},
	})

	res, err := loop.RunTurn(context.Background(), "hi", conversation.NewState("c1"))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "Hello!" || len(mock.calls) != 2 {
		t.Errorf("reply = %q after %d calls", res.Reply, len(mock.calls))
	}
}

func TestRunTurn_HistoryCap(t *testing.T) {
	mock := &mockLLM{}
	for range 5 {
		mock.responses = append(mock.responses, text("ok"))
	}
	loop, _ := buildTestLoop(t, mock)
	state := conversation.NewState("c1")

	for i := range 5 {
		if _, err := loop.RunTurn(context.Background(), "message", state); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	if len(state.History) != conversation.MaxHistory {
		t.Errorf("history = %d, want %d", len(state.History), conversation.MaxHistory)
	}
}

type failingSnapshot struct{}

func (failingSnapshot) Snapshot(context.Context) (garden.Snapshot, error) {
	return garden.Snapshot{}, errors.New("database is locked")
}

func TestRunTurn_StoreFailure(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("unreachable")}}
	loop := NewLoop(nil, mock, failingSnapshot{}, nil, nil, Config{Model: "test-model"})

	_, err := loop.RunTurn(context.Background(), "hi", conversation.NewState("c1"))
	if err == nil {
		t.Fatal("expected error")
	}
	var me *ModelError
	if errors.As(err, &me) {
		t.Error("store failure should not look like a model failure")
	}
	if len(mock.calls) != 0 {
		t.Errorf("model called %d times", len(mock.calls))
	}
}

func TestRunTurn_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(tc("get_care_schedule", nil)),
		text("Nothing is due."),
	}}
	store := newTestStore(t)
	loop := NewLoop(nil, mock, store, tools.NewExecutor(store, nil), bus, Config{Model: "test-model"})

	if _, err := loop.RunTurn(context.Background(), "what's due?", conversation.NewState("c1")); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{
		events.KindTurnStart,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindTurnComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant %v", kinds, want)
	}
}
