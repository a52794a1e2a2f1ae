package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/profile-reconciler/internal/model"
	"github.com/sells-group/profile-reconciler/internal/resilience"
)

// EnrichRequest is the body posted to the producer webhook.
type EnrichRequest struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Method   string `json:"method"`
}

// HTTPEnricher asks an external producer for a value over HTTP. The producer
// answers 200 with a CandidateValue, 204 or 404 when it found nothing, and
// 410 when it has no source left for the field.
type HTTPEnricher struct {
	url    string
	token  string
	http   *http.Client
	policy resilience.Policy
}

// HTTPOption configures an HTTPEnricher.
type HTTPOption func(*HTTPEnricher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(e *HTTPEnricher) { e.http = hc }
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) HTTPOption {
	return func(e *HTTPEnricher) { e.token = token }
}

// WithRequestPolicy sets the retry policy for a single request.
func WithRequestPolicy(p resilience.Policy) HTTPOption {
	return func(e *HTTPEnricher) { e.policy = p }
}

// NewHTTPEnricher creates an enricher posting to url.
func NewHTTPEnricher(url string, opts ...HTTPOption) *HTTPEnricher {
	e := &HTTPEnricher{
		url:    url,
		http:   &http.Client{Timeout: 60 * time.Second},
		policy: resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich implements Enricher.
func (e *HTTPEnricher) Enrich(ctx context.Context, method, recordID, field string) (*model.CandidateValue, error) {
	body, err := json.Marshal(EnrichRequest{RecordID: recordID, Field: field, Method: method})
	if err != nil {
		return nil, eris.Wrap(err, "retry: marshal enrich request")
	}

	p := e.policy
	p.OnRetry = resilience.LogRetry("http_enricher", method)
	return resilience.DoVal(ctx, p, func(ctx context.Context) (*model.CandidateValue, error) {
		return e.post(ctx, body)
	})
}

func (e *HTTPEnricher) post(ctx context.Context, body []byte) (*model.CandidateValue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "retry: create enrich request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "retry: enrich request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "retry: read enrich response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNoData
	case http.StatusGone:
		return nil, ErrExhausted
	default:
		return nil, resilience.NewStatusError(eris.Errorf("retry: producer status %d: %s", resp.StatusCode, truncate(data, 200)), resp.StatusCode)
	}

	var cv model.CandidateValue
	if err := json.Unmarshal(data, &cv); err != nil {
		return nil, eris.Wrap(err, "retry: decode enrich response")
	}
	return &cv, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
