package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/pkg/anthropic"
)

// AIRequest is the input to an AI verification layer.
type AIRequest struct {
	RecordID string
	// Layer is 2 for the fast check and 3 for the deep check.
	Layer int
	Data  map[string]any
	// Findings are the structural issues that remain unresolved.
	Findings []string
}

// AIResult is the answer of an AI verification layer. Issues may carry a
// "field: " prefix to tag them to a field.
type AIResult struct {
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// AIVerifier is an external AI-backed plausibility check.
type AIVerifier interface {
	VerifyRecord(ctx context.Context, req AIRequest) (*AIResult, error)
}

// ClaudeConfig configures ClaudeVerifier.
type ClaudeConfig struct {
	FastModel string
	DeepModel string
	MaxTokens int64
	// RequestsPerSecond limits calls across all workers. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.Policy
}

// ClaudeVerifier implements AIVerifier with the Anthropic Messages API.
type ClaudeVerifier struct {
	client  anthropic.Client
	cfg     ClaudeConfig
	limiter *rate.Limiter
}

// NewClaudeVerifier creates an AI verifier over client.
func NewClaudeVerifier(client anthropic.Client, cfg ClaudeConfig) *ClaudeVerifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.DeepModel == "" {
		cfg.DeepModel = cfg.FastModel
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.LogRetry("verify", "claude")
	}
	return &ClaudeVerifier{client: client, cfg: cfg, limiter: rate.NewLimiter(limit, cfg.Burst)}
}

const systemPrompt = `You check business-contact records for plausibility.
Reply with a single JSON object and nothing else:
{"passed": bool, "score": 0-100, "issues": ["field: problem"], "suggestions": ["..."]}
Flag values that are inconsistent with each other, implausible for a real person
or company, or obviously scraped from the wrong page. Do not invent replacement values.`

// VerifyRecord implements AIVerifier.
func (c *ClaudeVerifier) VerifyRecord(ctx context.Context, req AIRequest) (*AIResult, error) {
	payload, err := json.Marshal(map[string]any{
		"record_id": req.RecordID,
		"data":      req.Data,
		"findings":  req.Findings,
	})
	if err != nil {
		return nil, eris.Wrap(err, "verify: marshal ai request")
	}

	model := c.cfg.FastModel
	if req.Layer >= 3 {
		model = c.cfg.DeepModel
	}
	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: systemPrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}}},
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	}

	resp, err := resilience.DoVal(ctx, c.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "verify: rate limiter")
		}
		resp, err := c.client.CreateMessage(ctx, msg)
		if code := anthropic.StatusCode(err); code != 0 {
			return nil, resilience.NewStatusError(err, code)
		}
		return resp, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verify: ai layer %d for %s", req.Layer, req.RecordID)
	}
	resp.Usage.LogCost(model, fmt.Sprintf("verify_layer_%d", req.Layer))

	return parseAIResult(resp.Text())
}

// parseAIResult extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func parseAIResult(text string) (*AIResult, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.Errorf("verify: no json object in ai reply %q", truncate(text, 120))
	}
	var res AIResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return nil, eris.Wrap(err, "verify: parse ai reply")
	}
	res.Score = min(max(res.Score, 0), 100)
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// aiIssues converts AI findings into issues, tagging those prefixed with a
// known field name.
func aiIssues(res *AIResult, layer int, data map[string]any) []Issue {
	out := make([]Issue, 0, len(res.Issues))
	for _, text := range res.Issues {
		is := Issue{Code: CodeAIRejected, Message: strings.TrimSpace(text), Severity: SeverityWarning, Layer: layer}
		if field, msg, ok := strings.Cut(text, ":"); ok {
			field = strings.TrimSpace(field)
			if _, known := data[field]; known {
				is.Field, is.Message = field, strings.TrimSpace(msg)
			}
		}
		out = append(out, is)
	}
	if len(out) == 0 && !res.Passed {
		out = append(out, Issue{Code: CodeAIRejected, Message: fmt.Sprintf("ai layer %d rejected the record", layer), Severity: SeverityWarning, Layer: layer})
	}
	return out
}

func logAIFailure(recordID string, layer int, err error) {
	zap.L().Warn("verify: ai layer failed, using structural result",
		zap.String("record_id", recordID),
		zap.Int("layer", layer),
		zap.Error(err),
	)
}
