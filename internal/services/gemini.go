package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// GeminiRequest represents the generateContent request body
type GeminiRequest struct {
	Contents         []GeminiContent        `json:"contents"`
	GenerationConfig GeminiGenerationConfig `json:"generationConfig"`
}

// GeminiContent represents one turn of the conversation
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is either text or inline data
type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

// GeminiInlineData carries a base64 payload without data URI prefix
type GeminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiGenerationConfig constrains the reply to JSON matching a schema
type GeminiGenerationConfig struct {
	ResponseMIMEType string                 `json:"responseMimeType"`
	ResponseSchema   map[string]interface{} `json:"responseSchema"`
}

// GeminiResponse represents the generateContent response
type GeminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Text concatenates the text parts of the first candidate
func (r *GeminiResponse) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func requestGemini(ctx context.Context, client *http.Client, creds Credentials, prompt string, image *inlineImage) (string, error) {
	parts := []GeminiPart{{Text: prompt}}
	if image != nil {
		parts = append(parts, GeminiPart{
			InlineData: &GeminiInlineData{
				MIMEType: image.MIMEType,
				Data:     image.Data,
			},
		})
	}

	requestBody := GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: GeminiGenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   responseSchema("OBJECT", "STRING"),
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", creds.endpoint(), url.PathEscape(creds.model()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", creds.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status_code", resp.StatusCode).
			Str("body", string(body)).
			Msg("Gemini API returned error")
		return "", fmt.Errorf("gemini API returned status %d", resp.StatusCode)
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if geminiResp.Error != nil {
		return "", fmt.Errorf("gemini API error: %s", geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from gemini API")
	}

	return geminiResp.Text(), nil
}
