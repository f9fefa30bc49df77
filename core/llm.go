package core

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Completion is one LLM text completion with token accounting.
type Completion struct {
	Content string
	Usage   TokenUsage
}

// LLM is a black-box text completer. Callers treat every invocation as a
// best-effort enricher and keep a deterministic fallback.
type LLM interface {
	Complete(ctx context.Context, prompt string, temperature float64) (*Completion, error)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (Groq, OpenAI, vLLM and friends).
type OpenAIClient struct {
	rc    *resty.Client
	model string
}

// NewOpenAIClient builds a chat completions client against baseURL.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rc.SetAuthToken(apiKey)
	}
	return &OpenAIClient{rc: rc, model: model}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements LLM over POST /chat/completions.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, temperature float64) (*Completion, error) {
	var out chatCompletionResponse

	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(chatCompletionRequest{
			Model:       c.model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: temperature,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return nil, errors.Wrap(err, "llm request")
	}
	if resp.IsError() {
		msg := resp.Status()
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, errors.Errorf("llm request: %s", msg)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("llm request: empty choices")
	}

	return &Completion{
		Content: out.Choices[0].Message.Content,
		Usage:   out.Usage,
	}, nil
}

// CompleteWithRetry invokes the model with bounded retries and linear
// backoff (backoff × attempt). A rejected validation counts as a failure and
// is retried; the last error is returned when all attempts fail.
func CompleteWithRetry(
	ctx context.Context,
	llm LLM,
	prompt string,
	temperature float64,
	attempts uint,
	backoff time.Duration,
	validate func(*Completion) bool,
	task string,
	log *zap.SugaredLogger,
) (*Completion, error) {
	if attempts < 1 {
		attempts = 1
	}

	var result *Completion
	err := retry.Do(
		func() error {
			res, err := llm.Complete(ctx, prompt, temperature)
			if err != nil {
				return err
			}
			if validate != nil && !validate(res) {
				return errors.Errorf("%s produced invalid response", task)
			}
			result = res
			return nil
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			return backoff * time.Duration(n+1)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("%s failed attempt %d/%d: %s", task, n+1, attempts, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// firstJSONObject extracts the substring from the first '{' to the last '}'
// of an LLM response, or "" when no object is present.
func firstJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// hasJSONObject validates that a completion contains something that looks
// like a JSON object. Used as the retry validator for JSON-emitting prompts.
func hasJSONObject(res *Completion) bool {
	return res != nil && strings.Contains(res.Content, "{")
}

// OpenAIEmbedder computes embeddings through an OpenAI-compatible
// /embeddings endpoint. Used only for semantic table selection.
type OpenAIEmbedder struct {
	rc    *resty.Client
	model string
}

// NewOpenAIEmbedder builds an embeddings client. Returns nil when no API key
// is configured so callers fall back to lexical selection.
func NewOpenAIEmbedder(baseURL, apiKey, model string, timeout time.Duration) *OpenAIEmbedder {
	if apiKey == "" {
		return nil
	}
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiKey)
	return &OpenAIEmbedder{rc: rc, model: model}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}

	resp, err := e.rc.R().
		SetContext(ctx).
		SetBody(map[string]any{"model": e.model, "input": texts}).
		SetResult(&out).
		Post("/embeddings")
	if err != nil {
		return nil, errors.Wrap(err, "embeddings request")
	}
	if resp.IsError() {
		return nil, errors.Errorf("embeddings request: %s", resp.Status())
	}

	vecs := make([][]float64, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
