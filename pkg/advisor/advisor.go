// Package advisor asks an LLM to review recent market events for a held
// portfolio and turn them into actionable suggestions. It is an optional
// consumer of mirrored data, not part of the fetch pipeline.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zeromicro/go-zero/core/logx"
)

// Holding is one position in the reviewed portfolio.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Note     string  `json:"note,omitempty"`
}

// Event is a piece of textual context supplied alongside the portfolio,
// e.g. a headline pulled from mirrored data.
type Event struct {
	At      string `json:"at"`
	Content string `json:"content"`
}

// Suggestion is one recommendation extracted from the model's response.
type Suggestion struct {
	Symbol         string   `json:"symbol"`
	Action         string   `json:"action"`
	Reason         string   `json:"reason"`
	RelativeEvents []string `json:"relative_events"`
}

// Document records a source the model claims to have consulted.
type Document struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	URL     string `json:"url,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Report is the full advisor output for one consultation.
type Report struct {
	Suggestions []Suggestion `json:"suggestions"`
	Documents   []Document   `json:"document_read"`
	Note        string       `json:"note,omitempty"`
}

type consultInput struct {
	Now       string    `json:"now"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Portfolio []Holding `json:"portfolio"`
	Events    []Event   `json:"additional_events"`
}

const systemPrompt = `You are a stock monitoring assistant. The user provides a JSON object with fields now, start_time, end_time (ISO 8601), portfolio (held positions) and additional_events (textual context).
What you need to do:
1. Analyze the provided events and identify anything significant for the stock prices of the portfolio between start_time and end_time.
2. Respond with a single JSON object: {"suggestions": [{"symbol", "action", "reason", "relative_events"}], "document_read": [{"title", "source", "url", "summary"}], "note"}.
3. If there is no suggestion, explain why in note and return an empty suggestions array.
Notice:
1. The now field in the input is correct; use it as the current time reference.
2. Every suggestion must carry a non-empty reason and at least one relative event. Do not suggest otherwise.
3. The response must be valid JSON with no surrounding prose.`

// Advisor wraps an OpenAI-compatible chat endpoint.
type Advisor struct {
	cfg    *Config
	client openai.Client
	now    func() time.Time
}

// Option customises an Advisor.
type Option func(*Advisor)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Advisor) {
		if now != nil {
			a.now = now
		}
	}
}

// New builds an Advisor from validated configuration.
func New(cfg *Config, opts ...Option) (*Advisor, error) {
	if cfg == nil {
		return nil, errors.New("advisor: config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	a := &Advisor{
		cfg:    cfg,
		client: openai.NewClient(reqOpts...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Consult reviews the portfolio against events in [start, end) and
// returns the model's report. An end in the future is pulled back to now.
func (a *Advisor) Consult(ctx context.Context, portfolio []Holding, events []Event, start, end time.Time) (*Report, error) {
	now := a.now()
	if end.After(now) {
		logx.WithContext(ctx).Infof("advisor: end time %s is in the future, clamping to now", end.Format(time.RFC3339))
		end = now
	}

	input := consultInput{
		Now:       now.Format(time.RFC3339),
		StartTime: start.Format(time.RFC3339),
		EndTime:   end.Format(time.RFC3339),
		Portfolio: portfolio,
		Events:    events,
	}
	payload, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("advisor: encode input: %w", err)
	}

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(string(payload)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("advisor: chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("advisor: empty completion")
	}

	report, err := parseReport(completion.Choices[0].Message.Content, a.cfg.ParseTolerance)
	if err != nil {
		return nil, err
	}
	logx.WithContext(ctx).Infof("advisor: %d suggestions, %d documents read", len(report.Suggestions), len(report.Documents))
	return report, nil
}

// parseReport extracts the JSON object from the response text. Models
// occasionally wrap their JSON in prose or drop a field; as long as the
// parsed suggestion ratio stays above the tolerance, the report survives.
func parseReport(content string, tolerance float64) (*Report, error) {
	body, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var report Report
	if err := json.Unmarshal([]byte(body), &report); err == nil {
		return &report, nil
	}

	// Second chance: decode suggestions one by one and tolerate a
	// bounded share of malformed entries.
	var loose struct {
		Suggestions []json.RawMessage `json:"suggestions"`
		Documents   []Document        `json:"document_read"`
		Note        string            `json:"note"`
	}
	if err := json.Unmarshal([]byte(body), &loose); err != nil {
		return nil, fmt.Errorf("advisor: parse response: %w", err)
	}
	parsed := make([]Suggestion, 0, len(loose.Suggestions))
	for _, raw := range loose.Suggestions {
		var s Suggestion
		if err := json.Unmarshal(raw, &s); err == nil {
			parsed = append(parsed, s)
		}
	}
	expected := len(loose.Suggestions)
	if expected > 0 && len(parsed) == 0 {
		return nil, errors.New("advisor: no suggestion in response could be parsed")
	}
	if expected > 0 && float64(len(parsed))/float64(expected) < tolerance {
		return nil, fmt.Errorf("advisor: only %d of %d suggestions parsed, below tolerance", len(parsed), expected)
	}
	return &Report{Suggestions: parsed, Documents: loose.Documents, Note: loose.Note}, nil
}

func extractJSONObject(content string) (string, error) {
	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first < 0 || last <= first {
		return "", errors.New("advisor: no JSON object found in response")
	}
	return content[first : last+1], nil
}
