// Package notify forwards finished classifications to RabbitMQ so other
// services can react to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/pipeline"
)

const publishTimeout = 5 * time.Second

type PredictionMessage struct {
	Image        acquire.ImageRef       `json:"image"`
	Predictions  []inference.Prediction `json:"predictions"`
	ClassifiedAt time.Time              `json:"classified_at"`
}

// messageFor returns the message for ev, or false when ev carries no new
// predictions.
func messageFor(ev pipeline.Event, now time.Time) (PredictionMessage, bool) {
	if ev.Kind != pipeline.StateChanged || ev.State.Selected == nil || ev.State.Predictions == nil {
		return PredictionMessage{}, false
	}
	return PredictionMessage{
		Image:        *ev.State.Selected,
		Predictions:  ev.State.Predictions,
		ClassifiedAt: now.UTC(),
	}, true
}

type Publisher struct {
	conn      *amqp.Connection
	queueName string
	logger    *slog.Logger
	lastID    string
}

func Dial(ctx context.Context, url, queueName string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, queueName: queueName, logger: logger}, nil
}

// Observe is a pipeline.Observer. Publishing happens off the coordinator's
// goroutine.
func (p *Publisher) Observe(ev pipeline.Event) {
	msg, ok := messageFor(ev, time.Now())
	if !ok || msg.Image.ID == p.lastID {
		return
	}
	p.lastID = msg.Image.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, msg); err != nil {
			p.logger.Error("Failed to publish predictions", slog.String("id", msg.Image.ID), slog.String("error", err.Error()))
		}
	}()
}

func (p *Publisher) Publish(ctx context.Context, msg PredictionMessage) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal prediction payload failed: %w", err)
	}
	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.ClassifiedAt,
		},
	); err != nil {
		return fmt.Errorf("publish predictions failed: %w", err)
	}
	return nil
}

func (p *Publisher) IsClosed() bool {
	return p.conn == nil || p.conn.IsClosed()
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
