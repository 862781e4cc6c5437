package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are Sage."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Add a fern."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are Sage." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are Sage."},
		{Role: RoleUser, Content: "Add a fern and check my schedule."},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Function: FunctionCall{Name: "add_plant", Arguments: map[string]any{"name": "fern"}}},
				{Function: FunctionCall{Name: "get_care_schedule"}},
			},
		},
		{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "toolu_1"},
		{Role: RoleTool, Content: `{"care_schedule":[]}`, ToolCallID: "toolu_get_care_schedule_1"},
	}

	result, _ := convertToAnthropic(messages)

	// user, assistant with tool_use, one user with both tool_results
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	blocks, ok := result[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 2 {
		t.Fatalf("assistant content = %#v", result[1].Content)
	}
	if blocks[0].Type != "tool_use" || blocks[0].ID != "toolu_1" {
		t.Errorf("first block = %+v", blocks[0])
	}
	if blocks[1].ID != "toolu_get_care_schedule_1" {
		t.Errorf("generated id = %q", blocks[1].ID)
	}

	results, ok := result[2].Content.([]anthropicContent)
	if !ok || len(results) != 2 {
		t.Fatalf("tool results = %#v", result[2].Content)
	}
	if result[2].Role != RoleUser || results[1].ToolUseID != "toolu_get_care_schedule_1" {
		t.Errorf("tool result message = %+v", result[2])
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "mark_plant_dead",
				"description": "Mark a plant as dead",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"plant_id": map[string]any{"type": "integer"}},
					"required":   []string{"plant_id"},
				},
			},
		},
		{"type": "function", "function": map[string]any{"name": "get_care_schedule"}},
		{"broken": true},
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result))
	}
	if result[0].Name != "mark_plant_dead" || result[0].Description != "Mark a plant as dead" {
		t.Errorf("tool = %+v", result[0])
	}
	if result[1].InputSchema == nil {
		t.Error("missing parameters should get an empty object schema")
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("nil tools should convert to nil")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-test",
		Role:  RoleAssistant,
		Content: []anthropicContent{
			{Type: "text", Text: "Adding it now."},
			{Type: "tool_use", ID: "toolu_9", Name: "add_plant", Input: map[string]any{"name": "pothos"}},
		},
	}
	resp.Usage.InputTokens = 50
	resp.Usage.OutputTokens = 10

	got := convertFromAnthropic(resp)
	if got.Message.Content != "Adding it now." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].ID != "toolu_9" {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.InputTokens != 50 || got.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
}

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("api key header = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("version header = %q", r.Header.Get("anthropic-version"))
		}
		if r.Header.Get(TraceHeader) != "abc" {
			t.Errorf("trace header = %q", r.Header.Get(TraceHeader))
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"Done!"}],"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil)
	c.apiURL = srv.URL

	ctx := WithTraceID(context.Background(), "abc")
	resp, err := c.Chat(ctx, "claude-test", []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Content != "Done!" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if gotReq.System != "be brief" || gotReq.MaxTokens != anthropicMaxTokens {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Tools) != 0 {
		t.Errorf("tools sent = %d, want 0", len(gotReq.Tools))
	}
}

func TestAnthropicChat_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewAnthropicClient("bad", nil)
	c.apiURL = srv.URL
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestAnthropicPing_ListsModels(t *testing.T) {
	var gotMethod, gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotKey = r.Method, r.URL.Path, r.Header.Get("x-api-key")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil)
	c.apiURL = srv.URL + "/v1/messages"
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/models" || gotKey != "sk-test" {
		t.Errorf("request = %s %s key=%q", gotMethod, gotPath, gotKey)
	}
}
