package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAnthropic_Messages(t *testing.T) {
	h := Anthropic(Options{ReplyWords: 3})

	rec := postJSON(t, h, "/v1/messages", `{"model":"claude-3-5-sonnet-20241022","max_tokens":64}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Type       string `json:"type"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "message" || resp.StopReason != "end_turn" {
		t.Errorf("unexpected message envelope: type=%q stop_reason=%q", resp.Type, resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text == "" {
		t.Error("expected one non-empty text block")
	}
	if resp.Usage.OutputTokens != 3 {
		t.Errorf("expected 3 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestAnthropic_StreamEventOrder(t *testing.T) {
	h := Anthropic(Options{ReplyWords: 2})

	rec := postJSON(t, h, "/v1/messages", `{"model":"claude-3-haiku-20240307","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, event := range []string{"message_start", "content_block_delta", "message_delta", "message_stop"} {
		if !bytes.Contains(body, []byte("event: "+event)) {
			t.Errorf("stream missing %s event", event)
		}
	}
}

func TestGemini_GenerateContent(t *testing.T) {
	h := Gemini(Options{ReplyWords: 3})

	rec := postJSON(t, h, "/v1beta/models/gemini-1.5-pro:generateContent", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Candidates []struct {
			FinishReason string `json:"finishReason"`
			Content      struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("unexpected candidates: %s", rec.Body)
	}
	if resp.Candidates[0].Content.Parts[0].Text == "" {
		t.Error("expected generated text")
	}
	if resp.ModelVersion != "gemini-1.5-pro" {
		t.Errorf("expected model echoed back, got %q", resp.ModelVersion)
	}
	if resp.UsageMetadata.CandidatesTokenCount != 3 {
		t.Errorf("expected 3 candidate tokens, got %d", resp.UsageMetadata.CandidatesTokenCount)
	}
}

func TestGemini_BatchEmbed(t *testing.T) {
	h := Gemini(Options{})

	rec := postJSON(t, h, "/v1beta/models/text-embedding-004:batchEmbedContents",
		`{"requests":[{},{},{}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Embeddings) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(resp.Embeddings))
	}
	if len(resp.Embeddings[0].Values) != 768 {
		t.Errorf("expected 768-dim vectors, got %d", len(resp.Embeddings[0].Values))
	}
}

func TestOptions_FailureInjection(t *testing.T) {
	h := OpenAI(Options{FailureRate: 1})

	rec := postJSON(t, h, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected injected 500, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Type != "server_error" {
		t.Errorf("expected server_error, got %q", resp.Error.Type)
	}
}

func TestOptions_Latency(t *testing.T) {
	h := OpenAI(Options{Latency: 30 * time.Millisecond})

	start := time.Now()
	rec := postJSON(t, h, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms latency, took %v", elapsed)
	}
}
