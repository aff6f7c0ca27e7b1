// Package advisor is the external AI advisory boundary. It turns a task
// failure into an explanation and an optional variable fix by calling an
// OpenAI-compatible chat completions endpoint. Failures of this boundary are
// reported to the caller and are never fatal to a session.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Request carries the failure context sent to the advisory service.
type Request struct {
	Task  string
	Host  string
	Error string
	Vars  map[string]any
	Facts map[string]any
}

// Analysis is the advisory verdict. Fix, when present, maps variable names
// to replacement values the operator may stage for a retry.
type Analysis struct {
	Model       string         `json:"model"`
	Explanation string         `json:"analysis"`
	Fix         map[string]any `json:"fix,omitempty"`
	Tokens      int            `json:"tokens_used"`
}

// Advisor is the boundary the coordinator depends on.
type Advisor interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

const systemPrompt = `You are an expert automation debugger. ` +
	`Analyze the following task failure and provided variables. ` +
	`Explain why it failed and suggest a specific variable change or fix. ` +
	`Output ONLY valid JSON in the following format: ` +
	`{ "analysis": "...explanation...", "fix": { "variable_name": value } } ` +
	`If no fix is possible, omit the "fix" field.`

// Client calls an OpenAI-compatible chat completions API. The zero timeout
// defaults to 60 seconds.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  zerolog.Logger

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
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
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Analyze sends the failure to the advisory service and parses its JSON
// verdict. The context bounds the whole call; a cancelled context abandons
// the request without side effects.
func (c *Client) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	content, tokens, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(req)},
	})
	if err != nil {
		return nil, err
	}
	analysis, err := parseAnalysis(content)
	if err != nil {
		return nil, err
	}
	analysis.Model = c.Model
	analysis.Tokens = tokens
	c.Logger.Debug().
		Str("task", req.Task).
		Str("host", req.Host).
		Int("tokens", tokens).
		Bool("fix_suggested", analysis.Fix != nil).
		Msg("advisory analysis complete")
	return analysis, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, int, error) {
	body, err := json.Marshal(chatRequest{Model: c.Model, Messages: messages})
	if err != nil {
		return "", 0, fmt.Errorf("encoding chat request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("building advisory request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("advisory request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("advisory service returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", 0, fmt.Errorf("parsing advisory response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", 0, fmt.Errorf("advisory response contained no choices")
	}
	tokens := 0
	if chat.Usage != nil {
		tokens = chat.Usage.TotalTokens
	}
	return chat.Choices[0].Message.Content, tokens, nil
}

// ListModels queries the endpoint's model catalog. An empty result is not
// an error; some local servers do not implement discovery.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	url := strings.TrimRight(c.BaseURL, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building models request: %w", err)
	}
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching models from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %s", resp.Status)
	}
	var catalog struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("parsing models response: %w", err)
	}
	models := make([]string, 0, len(catalog.Data))
	for _, m := range catalog.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// buildUserPrompt renders the failure context as the user message. Large
// variable and fact payloads are truncated so a pathological result cannot
// blow the prompt budget.
func buildUserPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.Task)
	fmt.Fprintf(&sb, "Host: %s\n", req.Host)
	fmt.Fprintf(&sb, "Error: %s\n", req.Error)
	fmt.Fprintf(&sb, "Variables: %s\n", renderJSON(req.Vars))
	if req.Facts != nil {
		fmt.Fprintf(&sb, "Facts: %s\n", renderJSON(req.Facts))
	}
	return sb.String()
}

const maxPromptSection = 2000

func renderJSON(v any) string {
	if v == nil {
		return "None"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > maxPromptSection {
		return s[:maxPromptSection] + "\n... (truncated)"
	}
	return s
}

// parseAnalysis decodes the model's JSON verdict, stripping markdown code
// fences some models wrap around it despite instructions.
func parseAnalysis(content string) (*Analysis, error) {
	clean := strings.TrimSpace(content)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var a Analysis
	if err := json.Unmarshal([]byte(clean), &a); err != nil {
		return nil, fmt.Errorf("parsing advisory verdict: %w", err)
	}
	if a.Explanation == "" {
		return nil, fmt.Errorf("advisory verdict missing analysis text")
	}
	return &a, nil
}
