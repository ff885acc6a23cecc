// Package vision calls the external proof-verification vendor: a liveness and
// deepfake scorer for biometric artifacts and a logistics scorer for GPS
// plausibility. The client sits behind the vision circuit breaker; callers
// decide what an outage means for their flow.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sidegig/backend/internal/circuitbreaker"
	"github.com/sidegig/backend/internal/domain"
)

// Verdict is one scorer's answer.
type Verdict string

const (
	VerdictApprove      Verdict = "approve"
	VerdictReject       Verdict = "reject"
	VerdictManualReview Verdict = "manual_review"
)

// Request describes one proof submission to score.
type Request struct {
	ProofID      string   `json:"proof_id"`
	TaskID       string   `json:"task_id"`
	PhotoKeys    []string `json:"photo_keys"`
	HasBiometric bool     `json:"has_biometric"`
	HasGPS       bool     `json:"has_gps"`
}

// Result carries both verdicts; a scorer not consulted returns approve.
type Result struct {
	Liveness  Verdict            `json:"liveness"`
	Logistics Verdict            `json:"logistics"`
	Scores    map[string]float64 `json:"scores,omitempty"`
}

// Reject reports whether either scorer hard-rejected the submission.
func (r *Result) Reject() bool {
	return r.Liveness == VerdictReject || r.Logistics == VerdictReject
}

// NeedsManualReview reports whether either scorer wants human eyes.
func (r *Result) NeedsManualReview() bool {
	return r.Liveness == VerdictManualReview || r.Logistics == VerdictManualReview
}

// Client is what the proof reviewer consumes.
type Client interface {
	Review(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient talks to the vendor. Vendor failures and an open breaker both
// surface as AI_UNAVAILABLE so the caller can degrade uniformly.
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (c *HTTPClient) Review(ctx context.Context, req Request) (*Result, error) {
	var out Result
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/review", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("vision vendor returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, domain.E(domain.CodeAIUnavailable, "vision review unavailable: "+err.Error())
	}
	return &out, nil
}
