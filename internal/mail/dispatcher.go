package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"meshid/api/internal/metrics"
)

// Dispatcher hands a message off for background delivery. It never blocks
// on delivery and never reports delivery failures to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// AsyncDispatcher delivers through a bounded in-process queue drained by a
// fixed set of workers. Messages are dropped with a warning when the queue
// is full.
type AsyncDispatcher struct {
	mailer  Mailer
	queue   chan Message
	workers int
	log     zerolog.Logger

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

func NewAsyncDispatcher(mailer Mailer, workers, queueSize int, log zerolog.Logger) *AsyncDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &AsyncDispatcher{
		mailer:  mailer,
		queue:   make(chan Message, queueSize),
		workers: workers,
		log:     log,
	}
}

func (d *AsyncDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, msg Message) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed {
		d.log.Warn().Str("kind", msg.Kind).Msg("mail dispatcher closed, dropping message")
		metrics.MailMessages.WithLabelValues("dropped").Inc()
		return
	}

	select {
	case d.queue <- msg:
		metrics.MailMessages.WithLabelValues("queued").Inc()
	default:
		d.log.Warn().Str("kind", msg.Kind).Msg("mail queue full, dropping message")
		metrics.MailMessages.WithLabelValues("dropped").Inc()
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *AsyncDispatcher) Close() {
	d.closeMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *AsyncDispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(ctx, msg)
	}
}

func (d *AsyncDispatcher) deliver(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("kind", msg.Kind).Msg("mail delivery panicked")
			metrics.MailMessages.WithLabelValues("failed").Inc()
		}
	}()

	if err := d.mailer.Send(ctx, msg); err != nil {
		d.log.Error().Err(err).Str("kind", msg.Kind).Msg("mail delivery failed")
		metrics.MailMessages.WithLabelValues("failed").Inc()
		return
	}
	metrics.MailMessages.WithLabelValues("sent").Inc()
}

// StreamAdder is the subset of the Redis client used by the outbox.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// OutboxPublisher appends messages to a Redis stream consumed by the
// worker process.
type OutboxPublisher struct {
	client StreamAdder
	stream string
	log    zerolog.Logger
}

func NewOutboxPublisher(client StreamAdder, stream string, log zerolog.Logger) *OutboxPublisher {
	return &OutboxPublisher{client: client, stream: stream, log: log}
}

func (p *OutboxPublisher) Dispatch(ctx context.Context, msg Message) {
	err := p.client.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{
		Stream: p.stream,
		Values: EncodeStreamValues(msg),
	}).Err()
	if err != nil {
		p.log.Error().Err(err).Str("kind", msg.Kind).Msg("mail outbox publish failed")
		metrics.MailMessages.WithLabelValues("dropped").Inc()
		return
	}
	metrics.MailMessages.WithLabelValues("queued").Inc()
}

func EncodeStreamValues(msg Message) map[string]any {
	return map[string]any{
		"kind":    msg.Kind,
		"to":      msg.To,
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	}
}

var ErrMalformedOutboxEntry = errors.New("malformed outbox entry")

func DecodeStreamValues(values map[string]any) (Message, error) {
	get := func(key string) string {
		switch v := values[key].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		default:
			return ""
		}
	}

	msg := Message{
		Kind:    get("kind"),
		To:      get("to"),
		Subject: get("subject"),
		HTML:    get("html"),
		Text:    get("text"),
	}
	if msg.To == "" {
		return Message{}, fmt.Errorf("%w: missing recipient", ErrMalformedOutboxEntry)
	}
	return msg, nil
}
