// Package summary generates structured post-call summaries from a finished
// call transcript. Summarisation runs once at session teardown and is
// best-effort: a failure is logged by the caller and never blocks teardown.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
)

const systemPrompt = `You summarize phone call transcripts. Respond with a single JSON object and nothing else, using exactly these fields:
{"summary": "<2-3 sentence summary>", "keyPoints": ["..."], "actionItems": ["..."], "sentiment": "positive|neutral|negative"}`

// Summarizer turns a transcript into a store.Summary using a reply
// generator backend.
type Summarizer struct {
	provider llm.Provider
}

// New builds a Summarizer. provider must not be nil.
func New(provider llm.Provider) (*Summarizer, error) {
	if provider == nil {
		return nil, errors.New("summary: provider is required")
	}
	return &Summarizer{provider: provider}, nil
}

// Summarize generates the structured summary for one call transcript.
func (s *Summarizer) Summarize(ctx context.Context, entries []store.TranscriptEntry) (store.Summary, error) {
	if len(entries) == 0 {
		return store.Summary{}, errors.New("summary: empty transcript")
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: formatTranscript(entries)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return store.Summary{}, fmt.Errorf("summary: generate: %w", err)
	}
	return parseSummary(resp.Content), nil
}

// formatTranscript renders the transcript as speaker-prefixed lines.
func formatTranscript(entries []store.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Speaker)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// parseSummary extracts the structured summary from a model response.
// Models sometimes wrap the JSON in a code fence or prose; when no JSON
// object can be parsed, the whole response becomes the plain-text summary.
func parseSummary(content string) store.Summary {
	text := strings.TrimSpace(content)

	candidate := text
	if fenced := stripCodeFence(candidate); fenced != "" {
		candidate = fenced
	}
	if start := strings.IndexByte(candidate, '{'); start >= 0 {
		if end := strings.LastIndexByte(candidate, '}'); end > start {
			var sum store.Summary
			if err := json.Unmarshal([]byte(candidate[start:end+1]), &sum); err == nil && sum.Summary != "" {
				if sum.Sentiment == "" {
					sum.Sentiment = "neutral"
				}
				return sum
			}
		}
	}

	return store.Summary{Summary: text, Sentiment: "neutral"}
}

// stripCodeFence returns the body of a ```-fenced block, or "" when the
// input is not fenced.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return ""
	}
	body := strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}
