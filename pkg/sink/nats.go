package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each forwarded item as JSON on "<subject>.<kind>".
// nats.Conn.Publish only appends to the client's outbound buffer, so Forward
// does not wait on the network.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Forward implements domain.Sink.
func (s *NATSSink) Forward(_ context.Context, item *domain.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", item.Kind, err)
	}
	if err := s.pub.Publish(s.subject+"."+item.Kind.String(), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %w", domain.ErrSinkClosed, err)
		}
		return fmt.Errorf("publish %s item: %w", item.Kind, err)
	}
	return nil
}

// DialNATS connects to url with reconnect handling suited to a long-running
// sink.
func DialNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			} else {
				logger.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) { logger.Info("nats reconnected", "url", nc.ConnectedUrl()) }),
		nats.ClosedHandler(func(_ *nats.Conn) { logger.Info("nats connection closed") }),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
