package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// OpenAIRequest represents the OpenAI API request structure
type OpenAIRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens"`
	ResponseFormat *OpenAIResponseFormat `json:"response_format,omitempty"`
}

// OpenAIMessage represents a message in the OpenAI request
type OpenAIMessage struct {
	Role    string                 `json:"role"`
	Content []OpenAIMessageContent `json:"content"`
}

// OpenAIMessageContent represents content in a message
type OpenAIMessageContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

// OpenAIImageURL represents an image URL in the request
type OpenAIImageURL struct {
	URL string `json:"url"`
}

// OpenAIResponseFormat requests structured output
type OpenAIResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema OpenAIJSONSchema `json:"json_schema"`
}

// OpenAIJSONSchema names the schema the reply must follow
type OpenAIJSONSchema struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

// OpenAIResponse represents the OpenAI API response
type OpenAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func requestOpenAI(ctx context.Context, client *http.Client, creds Credentials, prompt string, image *inlineImage) (string, error) {
	content := []OpenAIMessageContent{{Type: "text", Text: prompt}}
	if image != nil {
		content = append(content, OpenAIMessageContent{
			Type:     "image_url",
			ImageURL: &OpenAIImageURL{URL: image.dataURL()},
		})
	}

	schema := responseSchema("object", "string")
	schema["additionalProperties"] = false

	requestBody := OpenAIRequest{
		Model:     creds.model(),
		Messages:  []OpenAIMessage{{Role: "user", Content: content}},
		MaxTokens: 500,
		ResponseFormat: &OpenAIResponseFormat{
			Type: "json_schema",
			JSONSchema: OpenAIJSONSchema{
				Name:   "waste_analysis",
				Strict: true,
				Schema: schema,
			},
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/chat/completions", creds.endpoint()),
		bytes.NewReader(jsonBody),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", creds.APIKey))

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
			Msg("OpenAI API returned error")
		return "", fmt.Errorf("openai API returned status %d", resp.StatusCode)
	}

	var openAIResp OpenAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if openAIResp.Error != nil {
		return "", fmt.Errorf("openai API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from openai API")
	}

	return openAIResp.Choices[0].Message.Content, nil
}
