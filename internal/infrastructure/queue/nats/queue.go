package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/resilience"
)

const (
	DefaultTriggerSubject = "scanmate.sync.trigger"
	DefaultEventSubject   = "scanmate.documents.events"

	runnerQueueGroup = "sync-runners"
)

// Bus carries sync triggers and document events over NATS. Triggers are
// delivered to one subscriber of the runner queue group; events fan out.
type Bus struct {
	conn           *nats.Conn
	triggerSubject string
	eventSubject   string
	executor       *resilience.Executor
	log            *slog.Logger
}

type Options struct {
	TriggerSubject       string
	EventSubject         string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	triggerSubject := options.TriggerSubject
	if triggerSubject == "" {
		triggerSubject = DefaultTriggerSubject
	}
	eventSubject := options.EventSubject
	if eventSubject == "" {
		eventSubject = DefaultEventSubject
	}

	conn, err := nats.Connect(
		url,
		nats.Name("scanmate-sync"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:           conn,
		triggerSubject: triggerSubject,
		eventSubject:   eventSubject,
		executor:       options.ResilienceExecutor,
		log:            logger,
	}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Trigger asks whichever runner is subscribed to tick soon.
func (b *Bus) Trigger(ctx context.Context, reason string) error {
	return b.publish(ctx, "nats.publish_trigger", b.triggerSubject, []byte(reason))
}

func (b *Bus) PublishDocumentEvent(ctx context.Context, event domain.DocumentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal document event: %w", err)
	}
	return b.publish(ctx, "nats.publish_event", b.eventSubject, payload)
}

// SubscribeTriggers blocks until ctx is done, then drains the subscription.
func (b *Bus) SubscribeTriggers(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := b.conn.QueueSubscribe(b.triggerSubject, runnerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err := handler(ctx, string(msg.Data)); err != nil {
			b.log.Warn("sync_trigger_handler_failed", "reason", string(msg.Data), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if b.executor != nil {
		err = b.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}
