// Package tasks turns mail outbox entries into deliveries.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"meshid/api/internal/mail"
	"meshid/api/internal/metrics"
)

type Processor struct {
	mailer mail.Mailer
	logger zerolog.Logger
}

func NewProcessor(mailer mail.Mailer, logger zerolog.Logger) *Processor {
	return &Processor{
		mailer: mailer,
		logger: logger,
	}
}

// Handle delivers one outbox entry. Malformed entries are logged and
// reported as handled so they are acknowledged instead of retried.
func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	m, err := mail.DecodeStreamValues(msg.Values)
	if err != nil {
		if errors.Is(err, mail.ErrMalformedOutboxEntry) {
			p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("discarding outbox entry")
			metrics.MailMessages.WithLabelValues("dropped").Inc()
			return nil
		}
		return fmt.Errorf("decode outbox entry: %w", err)
	}

	if err := p.mailer.Send(ctx, m); err != nil {
		metrics.MailMessages.WithLabelValues("failed").Inc()
		return fmt.Errorf("deliver %s mail: %w", m.Kind, err)
	}

	p.logger.Debug().Str("message_id", msg.ID).Str("kind", m.Kind).Msg("outbox mail delivered")
	metrics.MailMessages.WithLabelValues("sent").Inc()
	return nil
}
