package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"google.golang.org/genai"
	"meeting-ingest/service"
	"strings"
)

const summaryPrompt = `You are an expert AI Meeting Assistant. Analyze the following transcript and provide:
1. A concise executive summary.
2. A list of key action items (if any).

Transcript:
%s

Return the response in JSON format with keys: "summary" and "action_items".`

type GeminiConfig struct {
	APIKey string
	Model  string
}

type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if cfg.APIKey == "" {
		return &Gemini{model: model}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Summarize(ctx context.Context, transcript string) (service.Summary, error) {
	if g.client == nil {
		return service.Summary{}, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(fmt.Sprintf(summaryPrompt, transcript)),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return service.Summary{}, fmt.Errorf("gemini: %w", err)
	}
	return parseSummary(resp.Text())
}

// parseSummary accepts action_items either as one string or as a list, which
// is rendered as one "- item" line per entry.
func parseSummary(text string) (service.Summary, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var body struct {
		Summary     string          `json:"summary"`
		ActionItems json.RawMessage `json:"action_items"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &body); err != nil {
		return service.Summary{}, fmt.Errorf("gemini: decode summary: %w", err)
	}

	summary := service.Summary{Summary: strings.TrimSpace(body.Summary)}
	if len(body.ActionItems) == 0 || string(body.ActionItems) == "null" {
		summary.ActionItems = "None"
		return summary, nil
	}

	var single string
	if err := json.Unmarshal(body.ActionItems, &single); err == nil {
		summary.ActionItems = strings.TrimSpace(single)
		return summary, nil
	}

	var list []string
	if err := json.Unmarshal(body.ActionItems, &list); err != nil {
		return service.Summary{}, fmt.Errorf("gemini: decode action items: %w", err)
	}
	if len(list) == 0 {
		summary.ActionItems = "None"
		return summary, nil
	}
	lines := make([]string, 0, len(list))
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			lines = append(lines, "- "+item)
		}
	}
	summary.ActionItems = strings.Join(lines, "\n")
	return summary, nil
}
