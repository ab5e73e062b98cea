package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/imagejobs/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// RabbitPublisher publishes events to the configured exchange, routed by type
type RabbitPublisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

var _ Publisher = (*RabbitPublisher)(nil)

func NewRabbitPublisher(client *rabbitmq.Client, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{client: client, logger: logger}
}

func (p *RabbitPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, string(evt.Type), body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", evt.Type, err)
	}

	p.logger.Debug("Event published",
		slog.String("type", string(evt.Type)),
		slog.String("job_id", evt.JobID),
	)
	return nil
}

// RabbitSubscriber consumes events from the client's bound queue
type RabbitSubscriber struct {
	client      *rabbitmq.Client
	consumerTag string
	logger      *slog.Logger
}

var _ Subscriber = (*RabbitSubscriber)(nil)

func NewRabbitSubscriber(client *rabbitmq.Client, consumerTag string, logger *slog.Logger) *RabbitSubscriber {
	return &RabbitSubscriber{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

func (s *RabbitSubscriber) Subscribe(ctx context.Context, h Handler) error {
	deliveries, err := s.client.Consume(s.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming events: %w", err)
	}

	s.logger.Info("Event consumer started",
		slog.String("consumer_tag", s.consumerTag),
		slog.String("queue", s.client.QueueName()),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Event consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return fmt.Errorf("event delivery channel closed")
			}
			s.dispatch(ctx, delivery, h)
		}
	}
}

// dispatch decodes one delivery, hands it to h and acks it. Malformed
// messages are dropped without requeue.
func (s *RabbitSubscriber) dispatch(ctx context.Context, delivery amqp.Delivery, h Handler) {
	var evt Event
	if err := json.Unmarshal(delivery.Body, &evt); err != nil || evt.JobID == "" {
		s.logger.Error("Failed to parse event message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			s.logger.Error("Failed to NACK malformed event",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	h(ctx, evt)

	if err := delivery.Ack(false); err != nil {
		s.logger.Error("Failed to ACK event",
			slog.String("job_id", evt.JobID),
			slog.String("error", err.Error()),
		)
	}
}
