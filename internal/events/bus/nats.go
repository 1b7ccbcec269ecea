package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/logger"
)

const natsReconnectWait = 2 * time.Second

// NATSEventBus is an EventBus over a NATS connection. Events travel as JSON.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithComponent("nats-event-bus")

	conn, err := nats.Connect(cfg.URL, connectOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

func connectOptions(cfg config.NATSConfig, log *logger.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed", zap.Error(nc.LastError()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}
}

// Publish encodes event and sends it on subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSubject(subject, false); err != nil {
		return err
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", event.Type, subject, err)
	}
	return nil
}

// Subscribe registers handler for pattern. Messages that fail to decode are
// logged and dropped.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	if err := validateSubject(pattern, true); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn("dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	return natsSubscription{sub}, nil
}

// Close drains subscriptions and pending publishes, then closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil || b.conn.IsClosed() {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed, closing", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	*nats.Subscription
}

func (s natsSubscription) Subject() string { return s.Subscription.Subject }
