package utils

import (
	"context"
	"fmt"
	"strconv"

	"gopkg.in/gomail.v2"

	"leadflow/config"
	"leadflow/models"
)

// EmailGateway delivers sequence emails over SMTP. Satisfies the
// executor's Deliverer contract.
type EmailGateway struct {
	dialer    *gomail.Dialer
	fromEmail string
	fromName  string
}

func NewEmailGateway(cfg *config.Config) (*EmailGateway, error) {
	port, err := strconv.Atoi(cfg.SMTPPort)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port %q: %w", cfg.SMTPPort, err)
	}
	return &EmailGateway{
		dialer:    gomail.NewDialer(cfg.SMTPHost, port, cfg.SMTPUsername, cfg.SMTPPassword),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}, nil
}

func (g *EmailGateway) Deliver(ctx context.Context, lead *models.Lead, content string) error {
	if lead.Email == "" {
		return fmt.Errorf("lead %s has no email address", lead.ExternalID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", g.fromEmail, g.fromName)
	m.SetHeader("To", lead.Email)
	m.SetHeader("Subject", fmt.Sprintf("Checking in, %s", lead.FirstName))
	m.SetBody("text/html", content)

	if err := g.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email to lead %s: %w", lead.ExternalID, err)
	}
	return nil
}
