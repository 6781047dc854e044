package email

import (
	"context"
	"errors"

	"github.com/mrz1836/postmark"
)

// Postmark sends through the Postmark transactional API. Replies go to the
// support address.
type Postmark struct {
	client  *postmark.Client
	from    string
	replyTo string
}

func NewPostmark(cfg Config) (*Postmark, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	if cfg.PostmarkBaseURL != "" {
		client.BaseURL = cfg.PostmarkBaseURL
	}
	return &Postmark{client: client, from: cfg.SenderEmail, replyTo: cfg.SupportEmail}, nil
}

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	// API-level failures (ErrorCode != 0) come back as err.
	_, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		ReplyTo:  p.replyTo,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
	})
	if err != nil {
		return errors.Join(ErrSend, err)
	}
	return nil
}
