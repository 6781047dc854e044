package monetization

import (
	"context"
	"errors"
	"net/http"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

// ReceiveWebhook verifies a provider delivery and reconciles it. Deliveries
// that fail verification never reach HandleProviderEvent.
func (s *Service) ReceiveWebhook(ctx context.Context, provider Provider, r *http.Request) (Outcome, error) {
	pp, err := s.providers.Get(provider)
	if err != nil {
		return "", err
	}

	ev, err := pp.VerifyEvent(ctx, r)
	if err != nil {
		s.metrics.providerEvent(provider, "rejected")
		if !errors.Is(err, ErrInvalidSignature) && !errors.Is(err, ErrProviderUnavailable) {
			err = errors.Join(ErrInvalidSignature, err)
		}
		s.logger.WarnContext(ctx, "provider event rejected", logger.Provider(provider), logger.Error(err))
		return "", err
	}
	if ev == nil {
		s.metrics.providerEvent(provider, string(Ignored))
		return Ignored, nil
	}
	ev.Provider = provider

	if s.archive != nil && len(ev.Payload) > 0 {
		if err := s.archive.Archive(ctx, string(provider), ev.EventID, ev.Payload); err != nil {
			s.logger.WarnContext(ctx, "failed to archive provider event",
				logger.Provider(provider), logger.ExternalID(ev.ExternalID), logger.Error(err))
		}
	}

	return s.HandleProviderEvent(ctx, *ev)
}
