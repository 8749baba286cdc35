package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGeminiGenerate(t *testing.T) {
	var gotReq geminiRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{
						{"text": "Hi "},
						{"text": "there"},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewGemini(srv.URL, "secret")
	reply, err := c.Generate(context.Background(), []Part{TextPart("Hello")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Text != "Hi there" {
		t.Fatalf("want joined text %q, got %q", "Hi there", reply.Text)
	}
	if reply.HasMedia() {
		t.Fatalf("unexpected media parts: %+v", reply)
	}
	if gotKey != "secret" {
		t.Fatalf("api key not passed, got %q", gotKey)
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 1 || gotReq.Contents[0].Parts[0].Text != "Hello" {
		t.Fatalf("unexpected request shape: %+v", gotReq)
	}
}

func TestGeminiGenerateMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]string{"mimeType": "image/png", "data": "aWkt"}},
						{"inlineData": map[string]string{"mimeType": "audio/wav", "data": "YXVk"}},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewGemini(srv.URL, "")
	reply, err := c.Generate(context.Background(), []Part{DataPart("image/jpeg", "cXE=")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(reply.ImageParts) != 1 || reply.ImageParts[0].MIMEType != "image/png" {
		t.Fatalf("image part not parsed: %+v", reply)
	}
	if len(reply.AudioParts) != 1 || reply.AudioParts[0].Data != "YXVk" {
		t.Fatalf("audio part not parsed: %+v", reply)
	}
}

func TestGeminiGenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewGemini(srv.URL, "")
	if _, err := c.Generate(context.Background(), []Part{TextPart("Hello")}); err == nil {
		t.Fatalf("want error on non-200 status")
	}
	if _, err := c.Generate(context.Background(), nil); err == nil {
		t.Fatalf("want error on empty prompt")
	}
}
