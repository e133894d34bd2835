package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, fn roundTripFunc) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:     "test-key",
		HTTPClient: &http.Client{Transport: fn},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func candidateBody(t *testing.T, text string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return string(b)
}

func TestGeneratePromptItemParsesResponse(t *testing.T) {
	itemJSON := `{"title":"Verb Drills","category":"Grammar","difficulty":"Beginner","description":"desc","prompt_content":"You are a tutor","usage_guide":"Paste into a chat"}`

	var gotReq generateContentRequest
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return jsonResponse(http.StatusOK, candidateBody(t, itemJSON)), nil
	})

	item, err := client.GeneratePromptItem(context.Background(), GenerateRequest{
		Topic:      "learn spanish",
		Difficulty: "Beginner",
		Style:      "Socratic Method",
	})
	if err != nil {
		t.Fatalf("GeneratePromptItem: %v", err)
	}
	if item.Title != "Verb Drills" || item.Difficulty != "Beginner" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if item.StyleVar != "Socratic Method" {
		t.Fatalf("StyleVar = %q, want the requested style", item.StyleVar)
	}

	if gotReq.GenerationConfig == nil || gotReq.GenerationConfig.ResponseSchema == nil {
		t.Fatalf("request must carry a response schema")
	}
	if gotReq.SystemInstruction == nil || len(gotReq.SystemInstruction.Parts) == 0 {
		t.Fatalf("request must carry the system instruction")
	}
	userText := gotReq.Contents[len(gotReq.Contents)-1].Parts[0].Text
	if !strings.Contains(userText, "learn spanish") || !strings.Contains(userText, "Socratic Method") {
		t.Fatalf("user turn missing topic or style: %q", userText)
	}
}

func TestGeneratePromptItemRejectsMissingField(t *testing.T) {
	// usage_guide is empty; the item must be rejected, not passed through.
	itemJSON := `{"title":"T","category":"C","difficulty":"D","description":"d","prompt_content":"p","usage_guide":""}`
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, candidateBody(t, itemJSON)), nil
	})

	_, err := client.GeneratePromptItem(context.Background(), GenerateRequest{Topic: "x"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
}

func TestGeneratePromptItemRejectsMalformedJSON(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, candidateBody(t, "not json at all")), nil
	})

	_, err := client.GeneratePromptItem(context.Background(), GenerateRequest{Topic: "x"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
}

func TestGenerateStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrProviderUnavailable},
		{http.StatusForbidden, ErrProviderUnavailable},
		{http.StatusBadRequest, ErrProviderUnavailable},
		{http.StatusTooManyRequests, ErrGenerationFailed},
		{http.StatusInternalServerError, ErrGenerationFailed},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return jsonResponse(tc.status, `{}`), nil
		})
		_, err := client.GeneratePromptItem(context.Background(), GenerateRequest{Topic: "x"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestGenerateNetworkErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := client.GeneratePromptItem(context.Background(), GenerateRequest{Topic: "x"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
}

func TestChatSendsHistoryAndMode(t *testing.T) {
	var gotReq generateContentRequest
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return jsonResponse(http.StatusOK, candidateBody(t, "sure, here is a plan")), nil
	})

	history := []ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "model", Content: "hello"},
	}
	reply, err := client.Chat(context.Background(), history, "help me code", ModeVibeCode)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "sure, here is a plan" {
		t.Fatalf("reply = %q", reply)
	}
	if len(gotReq.Contents) != 3 {
		t.Fatalf("contents = %d, want history plus current turn", len(gotReq.Contents))
	}
	if gotReq.Contents[1].Role != "model" {
		t.Fatalf("history role not preserved: %+v", gotReq.Contents[1])
	}
	if gotReq.SystemInstruction.Parts[0].Text != ModeVibeCode.SystemInstruction() {
		t.Fatalf("system instruction does not match mode")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeEveryday, false},
		{"everyday", ModeEveryday, false},
		{"vibe_code", ModeVibeCode, false},
		{"media_gen", ModeMediaGen, false},
		{"talk_to_source", ModeTalkToSource, false},
		{"hacker", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMode(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseMode(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestSystemInstructionsAreDistinct(t *testing.T) {
	seen := map[string]Mode{}
	for _, m := range []Mode{ModeEveryday, ModeVibeCode, ModeMediaGen, ModeTalkToSource} {
		instr := m.SystemInstruction()
		if instr == "" {
			t.Fatalf("mode %s has no system instruction", m)
		}
		if prev, dup := seen[instr]; dup {
			t.Fatalf("modes %s and %s share a system instruction", prev, m)
		}
		seen[instr] = m
	}
}
