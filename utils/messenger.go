package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"leadflow/models"
)

// Messenger posts SMS and voice-call requests to an outbound
// communications gateway. One instance per channel; the channel decides
// the endpoint path and payload kind.
type Messenger struct {
	baseURL string
	token   string
	channel models.ActionType
	client  *fasthttp.Client
}

func NewSMSGateway(baseURL, token string) *Messenger {
	return newMessenger(baseURL, token, models.ActionSMS)
}

func NewVoiceGateway(baseURL, token string) *Messenger {
	return newMessenger(baseURL, token, models.ActionVoiceCall)
}

func newMessenger(baseURL, token string, channel models.ActionType) *Messenger {
	return &Messenger{
		baseURL: baseURL,
		token:   token,
		channel: channel,
		client: &fasthttp.Client{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

type outboundMessage struct {
	MessageID string `json:"message_id"`
	LeadID    string `json:"lead_id"`
	Phone     string `json:"phone"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
}

// Deliver posts the message to the gateway. A non-2xx response is a
// transient failure; the scheduler's retry path handles it.
func (m *Messenger) Deliver(ctx context.Context, lead *models.Lead, content string) error {
	if lead.Phone == "" {
		return fmt.Errorf("lead %s has no phone number", lead.ExternalID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(outboundMessage{
		MessageID: uuid.New().String(),
		LeadID:    lead.ExternalID,
		Phone:     lead.Phone,
		Channel:   string(m.channel),
		Content:   content,
	})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.baseURL + "/messages")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.SetBody(payload)

	if err := m.client.Do(req, resp); err != nil {
		return fmt.Errorf("gateway request failed for lead %s: %w", lead.ExternalID, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("gateway returned %d for lead %s", resp.StatusCode(), lead.ExternalID)
	}
	return nil
}
