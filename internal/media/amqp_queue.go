package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/viniciusgn/whatsgate/internal/model"
)

// AMQPQueue publishes media jobs onto a durable RabbitMQ queue consumed by
// the external media worker.
type AMQPQueue struct {
	conn  *amqp091.Connection
	queue string
	log   *slog.Logger
}

func NewAMQPQueue(url, queueName string, log *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	return &AMQPQueue{conn: conn, queue: queueName, log: log}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job *model.MediaJob) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, "", q.queue, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err == nil {
		q.log.Info("media job published", slog.String("queue", q.queue), slog.String("messageId", job.MessageID))
	}
	return err
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
