package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"leadflow/models"
	"leadflow/scheduler"
)

// DecisionClient talks to the AI decision layer: intent scoring and
// message content. It implements both collaborator contracts the
// executor consumes.
type DecisionClient struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
}

func NewDecisionClient(baseURL, apiKey string) *DecisionClient {
	return &DecisionClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &fasthttp.Client{
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

func (c *DecisionClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.SetBody(payload)

	if err := c.client.Do(req, resp); err != nil {
		return fmt.Errorf("decision API request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("decision API returned %d", resp.StatusCode())
	}
	return json.Unmarshal(resp.Body(), out)
}

// Score fetches the lead's intent score. Pure read from the core's
// perspective.
func (c *DecisionClient) Score(ctx context.Context, leadID string, history []string) (*scheduler.IntentScore, error) {
	var out scheduler.IntentScore
	err := c.post(ctx, "/score", map[string]interface{}{
		"lead_id": leadID,
		"history": history,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NextMessage fetches the outreach content for a lead and sequence day.
func (c *DecisionClient) NextMessage(ctx context.Context, leadID string, day models.SequenceDay, score float64) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.post(ctx, "/message", map[string]interface{}{
		"lead_id": leadID,
		"day":     string(day),
		"score":   score,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Content == "" {
		return "", fmt.Errorf("decision API returned empty content for lead %s", leadID)
	}
	return out.Content, nil
}
