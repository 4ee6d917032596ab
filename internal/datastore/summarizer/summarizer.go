// Package summarizer implements [business.Summarizer] against an
// OpenAI-compatible chat completions endpoint over plain HTTP.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

const defaultModel = "gpt-4o-mini"

const systemPrompt = `Summarise the following realtime voice conversation transcript. ` +
	`Preserve: decisions made, facts stated, commitments, and open questions. ` +
	`Be concise but keep everything that would matter if the conversation resumed later.`

// Summarizer condenses an oversize conversation blob via one chat completion
// call. Safe for concurrent use.
type Summarizer struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// New creates a Summarizer against baseURL (defaulting to the OpenAI API)
// using apiKey for bearer authentication.
func New(apiKey, baseURL string) *Summarizer {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Summarizer{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   defaultModel,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize asks the chat completions endpoint to condense conversation down
// toward targetChars. The target is advisory context for the prompt only;
// callers are responsible for enforcing any hard size limit on the result.
func (s *Summarizer) Summarize(ctx context.Context, conversation string, targetChars int) (string, error) {
	prompt := fmt.Sprintf("%s\nTarget length: about %d characters.\n\nTranscript:\n%s", systemPrompt, targetChars, conversation)

	reqBody, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("summarizer: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("summarizer: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("summarizer: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer: unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("summarizer: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summarizer: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
