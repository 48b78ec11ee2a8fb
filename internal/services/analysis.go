package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// Provider selects the generative AI backend used for classification
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

const (
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel    = "gemini-3-flash-preview"
	defaultOpenAIEndpoint = "https://api.openai.com/v1"
	defaultOpenAIModel    = "gpt-4o"
	defaultImageMIMEType  = "image/jpeg"
	noDescription         = "No description provided."
)

// Credentials carries everything needed for one classification call.
// Callers build a fresh value per call so rotated keys apply immediately.
type Credentials struct {
	Provider Provider
	APIKey   string
	Endpoint string
	Model    string
	// Timeout of zero leaves the call bounded only by ctx
	Timeout time.Duration
}

// Configured reports whether an API key is present. Analyze does not check it.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

func (c Credentials) provider() Provider {
	if Provider(strings.ToLower(string(c.Provider))) == ProviderOpenAI {
		return ProviderOpenAI
	}
	return ProviderGemini
}

func (c Credentials) endpoint() string {
	if c.Endpoint != "" {
		return strings.TrimSuffix(c.Endpoint, "/")
	}
	if c.provider() == ProviderOpenAI {
		return defaultOpenAIEndpoint
	}
	return defaultGeminiEndpoint
}

func (c Credentials) model() string {
	if c.Model != "" {
		return c.Model
	}
	if c.provider() == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultGeminiModel
}

// inlineImage is a base64 payload without its data URI prefix
type inlineImage struct {
	MIMEType string
	Data     string
}

// dataURL rebuilds the data URI form some providers expect
func (i *inlineImage) dataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, i.Data)
}

// splitDataURI strips a "data:<mime>;base64," prefix. Input without a comma is taken as the payload itself.
func splitDataURI(image string) *inlineImage {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil
	}

	img := &inlineImage{MIMEType: defaultImageMIMEType, Data: image}
	header, payload, found := strings.Cut(image, ",")
	if !found {
		return img
	}
	if payload != "" {
		img.Data = payload
	}
	if mime, ok := strings.CutPrefix(header, "data:"); ok {
		mime, _, _ = strings.Cut(mime, ";")
		if mime != "" {
			img.MIMEType = mime
		}
	}
	return img
}

func buildPrompt(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		description = noDescription
	}
	return fmt.Sprintf(`Analyze this urban waste complaint.
User Description: %s
Identify the primary waste type, estimate the severity/urgency, and provide a summary.`, description)
}

// schemaField describes one property of the requested reply
type schemaField struct {
	Name        string
	Description string
	Enum        []string
}

func analysisFields() []schemaField {
	types := make([]string, 0, len(models.WasteTypes))
	for _, t := range models.WasteTypes {
		types = append(types, string(t))
	}
	severities := make([]string, 0, len(models.Severities))
	for _, s := range models.Severities {
		severities = append(severities, string(s))
	}

	return []schemaField{
		{Name: "type", Description: "The primary type of waste detected", Enum: types},
		{Name: "severity", Description: "Urgency of the cleanup", Enum: severities},
		{Name: "description", Description: "A short technical description of the situation"},
		{Name: "estimatedVolume", Description: "Estimated size/volume (e.g., Small bag, Large pile, Truckload)"},
		{Name: "actionRequired", Description: "Specific action recommended for the cleanup crew"},
	}
}

// responseSchema renders the reply schema using the provider's type names
func responseSchema(objectType, stringType string) map[string]interface{} {
	fields := analysisFields()
	properties := make(map[string]interface{}, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		prop := map[string]interface{}{
			"type":        stringType,
			"description": f.Description,
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		properties[f.Name] = prop
		required = append(required, f.Name)
	}

	return map[string]interface{}{
		"type":       objectType,
		"properties": properties,
		"required":   required,
	}
}

// Analyze classifies a waste report. It never fails: any transport, status,
// parse or shape problem yields models.FallbackAnalysis().
func Analyze(ctx context.Context, creds Credentials, imageDataURI, description string) models.WasteAnalysis {
	start := time.Now()
	prompt := buildPrompt(description)
	image := splitDataURI(imageDataURI)
	client := &http.Client{Timeout: creds.Timeout}

	var (
		text string
		err  error
	)
	switch creds.provider() {
	case ProviderOpenAI:
		text, err = requestOpenAI(ctx, client, creds, prompt, image)
	default:
		text, err = requestGemini(ctx, client, creds, prompt, image)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("provider", string(creds.provider())).
			Str("model", creds.model()).
			Dur("duration", time.Since(start)).
			Msg("AI analysis request failed, using fallback")
		return models.FallbackAnalysis()
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		log.Warn().
			Err(err).
			Str("content", text).
			Msg("AI analysis did not return valid JSON, using fallback")
		return models.FallbackAnalysis()
	}

	log.Info().
		Str("provider", string(creds.provider())).
		Str("type", string(analysis.Type)).
		Str("severity", string(analysis.Severity)).
		Bool("with_image", image != nil).
		Dur("duration", time.Since(start)).
		Msg("Waste report analyzed")

	return analysis
}

// parseAnalysis trims the reply, strips a markdown fence if present and decodes it strictly
func parseAnalysis(text string) (models.WasteAnalysis, error) {
	content := stripCodeFence(strings.TrimSpace(text))

	var analysis models.WasteAnalysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return models.WasteAnalysis{}, fmt.Errorf("failed to parse analysis: %w", err)
	}
	if err := analysis.Validate(); err != nil {
		return models.WasteAnalysis{}, fmt.Errorf("invalid analysis: %w", err)
	}
	return analysis, nil
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
