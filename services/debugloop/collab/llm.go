// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// maxRunLogChars is how much of the tail of a run log is sent to the model.
const maxRunLogChars = 32 * 1024

const systemPrompt = "You are a debugging assistant. Answer with a single JSON object and nothing else."

// LLMConfig configures the LLM adapter.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible API, e.g. http://localhost:11434/v1.
	// Empty uses the OpenAI default.
	BaseURL string

	// Model name. Defaults to gpt-4o-mini.
	Model string

	// APIKey is moved into an encrypted enclave and wiped.
	APIKey []byte

	// Timeout bounds each request. Zero means no timeout beyond ctx.
	Timeout time.Duration

	Temperature float32
}

// LLM implements HypothesisGenerator, Analyzer, and Researcher over a chat
// completion API.
//
// # Thread Safety
//
// LLM is safe for concurrent use.
type LLM struct {
	baseURL     string
	model       string
	key         *memguard.Enclave
	timeout     time.Duration
	temperature float32
	logger      *slog.Logger
}

// NewLLM creates an LLM adapter. The caller's key slice is wiped.
func NewLLM(cfg LLMConfig, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("llm model not set, defaulting to gpt-4o-mini")
	}
	l := &LLM{
		baseURL:     cfg.BaseURL,
		model:       model,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		logger:      logger.With("component", "collab.LLM"),
	}
	if len(cfg.APIKey) > 0 {
		l.key = memguard.NewEnclave(cfg.APIKey)
	}
	return l
}

type generateReply struct {
	Hypotheses []struct {
		Description string             `json:"description"`
		Confidence  float64            `json:"confidence"`
		Locations   []session.Location `json:"locations"`
	} `json:"hypotheses"`
}

// Generate implements HypothesisGenerator.
func (l *LLM) Generate(ctx context.Context, issue IssueContext, prior []session.Finding) ([]session.Hypothesis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Propose 3 to 5 distinct root-cause hypotheses for this bug (iteration %d).\n\n", issue.Iteration)
	fmt.Fprintf(&b, "Reproduction steps:\n%s\n\nExpected: %s\nActual: %s\n", issue.Issue.ReproductionSteps, issue.Issue.Expected, issue.Issue.Actual)
	if issue.Issue.ErrorText != "" {
		fmt.Fprintf(&b, "Error text:\n%s\n", issue.Issue.ErrorText)
	}
	if issue.IsFlaky {
		b.WriteString("The failure is intermittent.\n")
	}
	if len(issue.Rejected) > 0 {
		b.WriteString("\nAlready ruled out:\n")
		for _, h := range issue.Rejected {
			fmt.Fprintf(&b, "- %s\n", h.Description)
		}
	}
	if len(prior) > 0 {
		b.WriteString("\nPrior findings:\n")
		for _, f := range prior {
			fmt.Fprintf(&b, "- [%s] %s %s\n", f.Kind, f.Summary, f.Evidence)
		}
	}
	if issue.RunLog != "" {
		fmt.Fprintf(&b, "\nRecent reproduction output:\n%s\n", tail(issue.RunLog, maxRunLogChars))
	}
	b.WriteString(`
Reply as {"hypotheses":[{"description":"...","confidence":0.0-1.0,"locations":[{"file":"path","start_line":1,"end_line":2}]}]}`)

	var reply generateReply
	if err := l.complete(ctx, b.String(), &reply); err != nil {
		return nil, err
	}
	if len(reply.Hypotheses) == 0 {
		return nil, fmt.Errorf("%w: model returned no hypotheses", ErrInvalidResponse)
	}
	out := make([]session.Hypothesis, 0, len(reply.Hypotheses))
	for _, h := range reply.Hypotheses {
		out = append(out, session.Hypothesis{
			Description: h.Description,
			Confidence:  h.Confidence,
			Locations:   h.Locations,
		})
	}
	return out, nil
}

type analyzeReply struct {
	Status   session.HypothesisStatus `json:"status"`
	Evidence string                   `json:"evidence"`
}

// Analyze implements Analyzer.
func (l *LLM) Analyze(ctx context.Context, hyp session.Hypothesis, runLog string) (session.HypothesisStatus, string, error) {
	prompt := fmt.Sprintf(`Hypothesis: %s

Instrumented reproduction output:
%s

Does the output confirm or reject the hypothesis? Reply as {"status":"confirmed"|"rejected","evidence":"quote the decisive lines"}`,
		hyp.Description, tail(runLog, maxRunLogChars))

	var reply analyzeReply
	if err := l.complete(ctx, prompt, &reply); err != nil {
		return "", "", err
	}
	reply.Status = session.HypothesisStatus(strings.ToLower(strings.TrimSpace(string(reply.Status))))
	if err := CheckVerdict(reply.Status); err != nil {
		return "", "", err
	}
	return reply.Status, reply.Evidence, nil
}

// Research implements Researcher.
func (l *LLM) Research(ctx context.Context, hyp session.Hypothesis) (Research, error) {
	prompt := fmt.Sprintf(`Confirmed root cause: %s
Evidence: %s

Recommend one concrete fix approach. Reply as {"approach":"...","sources":["reference", "..."]}`,
		hyp.Description, hyp.Evidence)

	var reply Research
	if err := l.complete(ctx, prompt, &reply); err != nil {
		return Research{}, err
	}
	if strings.TrimSpace(reply.Approach) == "" {
		return Research{}, fmt.Errorf("%w: model returned no approach", ErrInvalidResponse)
	}
	return reply, nil
}

func (l *LLM) client() (*openai.Client, error) {
	var key string
	if l.key != nil {
		buf, err := l.key.Open()
		if err != nil {
			return nil, fmt.Errorf("opening api key enclave: %w", err)
		}
		key = string(buf.Bytes())
		buf.Destroy()
	}
	config := openai.DefaultConfig(key)
	if l.baseURL != "" {
		config.BaseURL = l.baseURL
	}
	return openai.NewClientWithConfig(config), nil
}

func (l *LLM) complete(ctx context.Context, prompt string, out any) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	client, err := l.client()
	if err != nil {
		return err
	}

	req := openai.ChatCompletionRequest{
		Model:       l.model,
		Temperature: l.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	l.logger.Debug("requesting completion", "model", l.model, "prompt_chars", len(prompt))
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		l.logger.Error("chat completion failed", "error", err)
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: model returned no choices", ErrInvalidResponse)
	}
	content := stripFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: decoding model reply: %v", ErrInvalidResponse, err)
	}
	l.logger.Debug("completion received", "finish_reason", resp.Choices[0].FinishReason)
	return nil
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
