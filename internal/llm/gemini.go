package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Wire types for the generateContent endpoint.
type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GeminiClient calls a Gemini-style generateContent REST endpoint.
type GeminiClient struct {
	apiURL string
	apiKey string
	httpc  *http.Client
}

func NewGemini(apiURL, apiKey string) *GeminiClient {
	return &GeminiClient{
		apiURL: apiURL,
		apiKey: apiKey,
		httpc:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *GeminiClient) Generate(ctx context.Context, parts []Part) (Reply, error) {
	var wireParts []geminiPart
	for _, p := range parts {
		if p.InlineData != nil {
			wireParts = append(wireParts, geminiPart{
				InlineData: &geminiBlob{MimeType: p.InlineData.MIMEType, Data: p.InlineData.Data},
			})
			continue
		}
		if p.Text != "" {
			wireParts = append(wireParts, geminiPart{Text: p.Text})
		}
	}
	if len(wireParts) == 0 {
		return Reply{}, fmt.Errorf("gemini: empty prompt")
	}

	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Parts: wireParts}}})
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := c.apiURL
	if c.apiKey != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "key=" + c.apiKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return Reply{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return Reply{}, fmt.Errorf("gemini: no candidates in response")
	}

	var out Reply
	var texts []string
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.InlineData != nil {
			blob := Blob{MIMEType: p.InlineData.MimeType, Data: p.InlineData.Data}
			switch {
			case strings.HasPrefix(p.InlineData.MimeType, "image/"):
				out.ImageParts = append(out.ImageParts, blob)
			case strings.HasPrefix(p.InlineData.MimeType, "audio/"):
				out.AudioParts = append(out.AudioParts, blob)
			}
			continue
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	out.Text = strings.Join(texts, "")
	return out, nil
}
