// Package summarize wraps the external summarization service behind a small
// interface so the pipeline can be tested without network calls.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Summarizer produces a summary for a block of text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

const promptPrefix = "Please provide a concise and comprehensive summary of the following content. " +
	"Focus on the key points, main ideas, and important details:\n\n"

// Gemini summarizes content through Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini builds the client. The API key is required; the model defaults
// to gemini-2.5-flash.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

// Summarize fails on empty input or any service error; the caller's retry
// policy owns recovery.
func (g *Gemini) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("content is empty or invalid")
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(promptPrefix+text), nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", errors.New("failed to generate summary: empty response")
	}
	g.logger.Debug("summary generated", "model", g.model, "input_chars", len(text), "summary_chars", len(summary))
	return summary, nil
}
